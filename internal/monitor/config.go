package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/sensor-monitor/internal/device"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverInflux   = "influx"
	DriverMemory   = "memory"
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	Device  DeviceConfig
	Storage StorageConfig
	Relay   RelayConfig

	HubBufferSize int
	HTTPPort      int
	GRPCPort      int

	// Metrics is optional.
	Metrics *metrics.Set
}

// DeviceConfig describes the serial device and the sensor it reports for.
type DeviceConfig struct {
	Path              string
	BaudRate          int
	DataBits          int
	SensorID          string
	SensorName        string
	SensorLocation    string
	PollInterval      time.Duration
	ReconnectInterval time.Duration
}

// StorageConfig selects and configures the persistence gateway.
type StorageConfig struct {
	Driver string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// RelayConfig enables the broker relays.
type RelayConfig struct {
	RetryInterval time.Duration

	AMQPEnabled  bool
	AMQPURL      string
	AMQPExchange string

	MQTTEnabled     bool
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTQoS         byte
}

func (c *ServerConfig) validate() error {
	if c.Logger == nil {
		return errors.New("logger cannot be nil")
	}
	if c.Device.Path == "" {
		return errors.New("device path cannot be empty")
	}
	if c.Device.PollInterval < 0 || c.Device.ReconnectInterval < 0 {
		return errors.New("device intervals cannot be negative")
	}
	if c.HubBufferSize < 0 {
		return errors.New("hub buffer size cannot be negative")
	}
	if c.HTTPPort <= 0 {
		return errors.New("HTTP port must be positive")
	}
	if c.GRPCPort <= 0 {
		return errors.New("gRPC port must be positive")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DBHost == "" {
			return errors.New("database host cannot be empty")
		}
		if c.Storage.DBPort <= 0 {
			return errors.New("database port must be positive")
		}
		if c.Storage.DBUser == "" {
			return errors.New("database user cannot be empty")
		}
		if c.Storage.DBName == "" {
			return errors.New("database name cannot be empty")
		}
	case DriverInflux:
		if c.Storage.InfluxURL == "" {
			return errors.New("influx URL cannot be empty")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Relay.AMQPEnabled && c.Relay.AMQPURL == "" {
		return errors.New("amqp URL cannot be empty when the amqp relay is enabled")
	}
	if c.Relay.MQTTEnabled && c.Relay.MQTTBroker == "" {
		return errors.New("mqtt broker cannot be empty when the mqtt relay is enabled")
	}
	return nil
}

func (c *ServerConfig) sensorID() string {
	if c.Device.SensorID == "" {
		return reading.DefaultSensorID
	}
	return c.Device.SensorID
}

func (c *ServerConfig) reconnectInterval() time.Duration {
	if c.Device.ReconnectInterval == 0 {
		return device.DefaultReconnectInterval
	}
	return c.Device.ReconnectInterval
}

func (c *ServerConfig) pollInterval() time.Duration {
	if c.Device.PollInterval == 0 {
		return device.DefaultPollInterval
	}
	return c.Device.PollInterval
}
