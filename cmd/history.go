package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"procodus.dev/sensor-monitor/internal/history"
	"procodus.dev/sensor-monitor/internal/session"
	"procodus.dev/sensor-monitor/internal/store"
)

var historyCmd = &cobra.Command{
	Use:       "history (readings|alerts)",
	Short:     "Query stored readings or alerts",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"readings", "alerts"},
	RunE:      runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live telemetry and alerts",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(historyCmd, watchCmd)

	rootCmd.PersistentFlags().String("addr", "localhost:9090", "monitor gRPC address")
	_ = viper.BindPFlag("client.addr", rootCmd.PersistentFlags().Lookup("addr"))

	historyCmd.Flags().String("sensor-id", "", "only this sensor")
	historyCmd.Flags().Duration("since", 24*time.Hour, "how far back to look")
	historyCmd.Flags().Int("limit", 0, "maximum number of records (0 uses the server default)")

	watchCmd.Flags().StringSlice("channels", nil, "channels to follow (telemetry, alerts); both by default")
}

func dialMonitor() (*grpc.ClientConn, *history.Client, error) {
	conn, err := grpc.NewClient(viper.GetString("client.addr"),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to monitor: %w", err)
	}
	client, err := history.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, client, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	conn, client, err := dialMonitor()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	sensorID, _ := cmd.Flags().GetString("sensor-id")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	now := time.Now()
	q := store.Query{SensorID: sensorID, Start: now.Add(-since), End: now, Limit: limit}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	switch args[0] {
	case "readings":
		rs, err := client.GetReadings(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to fetch readings: %w", err)
		}
		for _, r := range rs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	case "alerts":
		as, err := client.GetAlerts(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to fetch alerts: %w", err)
		}
		for _, a := range as {
			if err := enc.Encode(a); err != nil {
				return err
			}
		}
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	names, _ := cmd.Flags().GetStringSlice("channels")
	channels, err := session.ParseChannels(names)
	if err != nil {
		return err
	}

	conn, client, err := dialMonitor()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.Watch(ctx, channels)
	if err != nil {
		return fmt.Errorf("failed to watch: %w", err)
	}
	for {
		env, err := stream.Recv()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), status.Code(err) == codes.Canceled:
			return nil
		default:
			return fmt.Errorf("watch ended: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%-9s %s\n", env.Channel, env.Payload)
	}
}
