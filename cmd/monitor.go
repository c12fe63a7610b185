package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-monitor/internal/monitor"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the sensor monitor",
	Long: `Run the sensor monitor that:
- Reads JSON lines from the serial device (or sim:// for a simulated board)
- Persists readings and alerts to PostgreSQL, InfluxDB or memory
- Broadcasts telemetry and alerts over WebSocket, SSE and gRPC
- Optionally relays both channels to RabbitMQ and MQTT`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().String("device", "/dev/ttyACM0", "serial device path, or sim://?interval=2s for a simulated board")
	monitorCmd.Flags().Int("baud-rate", 9600, "serial baud rate")
	monitorCmd.Flags().String("sensor-id", "1", "sensor id attached to every reading")
	monitorCmd.Flags().String("storage", monitor.DriverPostgres, "storage driver (postgres, influx, memory)")
	monitorCmd.Flags().Int("http-port", 8080, "HTTP server port")
	monitorCmd.Flags().Int("grpc-port", 9090, "gRPC server port")

	_ = viper.BindPFlag("device.path", monitorCmd.Flags().Lookup("device"))
	_ = viper.BindPFlag("device.baud_rate", monitorCmd.Flags().Lookup("baud-rate"))
	_ = viper.BindPFlag("device.sensor_id", monitorCmd.Flags().Lookup("sensor-id"))
	_ = viper.BindPFlag("storage.driver", monitorCmd.Flags().Lookup("storage"))
	_ = viper.BindPFlag("http.port", monitorCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("grpc.port", monitorCmd.Flags().Lookup("grpc-port"))
}

func runMonitor(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting sensor monitor service")

	config, err := MonitorConfig(viper.GetViper(), logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	if viper.GetBool("metrics.enabled") {
		config.Metrics = metrics.NewSet(viper.GetString("metrics.namespace"))
	}

	server, err := monitor.NewServer(config)
	if err != nil {
		logger.Error("failed to create sensor monitor", "error", err)
		return err
	}

	logger.Info("sensor monitor configuration",
		"device", config.Device.Path,
		"baud_rate", config.Device.BaudRate,
		"sensor_id", config.Device.SensorID,
		"storage", config.Storage.Driver,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"amqp_relay", config.Relay.AMQPEnabled,
		"mqtt_relay", config.Relay.MQTTEnabled,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("sensor monitor error", "error", err)
		return err
	}

	logger.Info("sensor monitor stopped")
	return nil
}
