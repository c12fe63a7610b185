package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.bug.st/serial"

	"procodus.dev/sensor-monitor/pkg/generator"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Emit synthetic device lines",
	Long: `Emit the same CRLF-terminated JSON lines a sensor board prints, with
occasional partial and malformed lines. Write to stdout, or to a serial port
(for example one end of a virtual null-modem pair) to drive the monitor.`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("output", "-", "serial port to write to, or - for stdout")
	generateCmd.Flags().Int("baud-rate", 9600, "serial baud rate when writing to a port")
	generateCmd.Flags().Duration("interval", 2*time.Second, "interval between lines")
	generateCmd.Flags().Int64("seed", time.Now().UnixNano(), "random seed")
	generateCmd.Flags().Int("count", 0, "number of lines to emit (0 runs until interrupted)")
	generateCmd.Flags().Float64("malformed-rate", generator.DefaultOptions().MalformedRate, "share of malformed lines")

	_ = viper.BindPFlag("generate.output", generateCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("generate.baud_rate", generateCmd.Flags().Lookup("baud-rate"))
	_ = viper.BindPFlag("generate.interval", generateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("generate.seed", generateCmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("generate.count", generateCmd.Flags().Lookup("count"))
	_ = viper.BindPFlag("generate.malformed_rate", generateCmd.Flags().Lookup("malformed-rate"))
}

func runGenerate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()

	interval := viper.GetDuration("generate.interval")
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	out, closeOut, err := openOutput(viper.GetString("generate.output"), viper.GetInt("generate.baud_rate"))
	if err != nil {
		logger.Error("failed to open output", "error", err)
		return err
	}
	defer closeOut()

	opts := generator.DefaultOptions()
	opts.MalformedRate = viper.GetFloat64("generate.malformed_rate")
	gen := generator.NewArduinoGenerator(viper.GetInt64("generate.seed"), opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	board := generator.NewDevice()
	logger.Info("generating device lines",
		"board", board.Name, "firmware", board.Firmware, "interval", interval)

	n, err := emit(ctx, out, gen, interval, viper.GetInt("generate.count"))
	logger.Info("generator stopped", "lines", n)
	return err
}

// emit writes count lines (forever when count is 0) until ctx is done.
func emit(ctx context.Context, w io.Writer, gen *generator.ArduinoGenerator, interval time.Duration, count int) (int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for count == 0 || n < count {
		if _, err := w.Write(gen.Line(time.Now())); err != nil {
			return n, fmt.Errorf("failed to write line: %w", err)
		}
		n++
		if count != 0 && n == count {
			break
		}
		select {
		case <-ctx.Done():
			return n, nil
		case <-ticker.C:
		}
	}
	return n, nil
}

func openOutput(path string, baud int) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return port, func() { _ = port.Close() }, nil
}
