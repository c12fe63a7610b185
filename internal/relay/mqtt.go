package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"procodus.dev/sensor-monitor/internal/hub"
)

const (
	// DefaultTopicPrefix is used when MQTTConfig.TopicPrefix is empty.
	DefaultTopicPrefix = "sensor-monitor"

	// DefaultClientID is used when MQTTConfig.ClientID is empty.
	DefaultClientID = "sensor-monitor"

	connectTimeout = 10 * time.Second
	quiesceMillis  = 250
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Logger      *slog.Logger
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTTPublisher is the part of mqtt.Client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// NewMQTTClient connects to the broker. The client keeps retrying in the
// background, so an unreachable broker only logs a warning here.
func NewMQTTClient(cfg *MQTTConfig) (mqtt.Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	log := cfg.Logger.With(slog.String("broker", cfg.Broker))
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	if !client.IsConnected() {
		log.Warn("mqtt broker not reachable yet, retrying in background")
	}
	return client, nil
}

// MQTTSink publishes each channel on "<prefix>/<channel>".
type MQTTSink struct {
	client MQTTPublisher
	prefix string
	qos    byte
}

// NewMQTTSink wraps a connected client.
func NewMQTTSink(client MQTTPublisher, prefix string, qos byte) (*MQTTSink, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if qos > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", qos)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTSink{client: client, prefix: prefix, qos: qos}, nil
}

// Topic returns the topic a channel is published on.
func (s *MQTTSink) Topic(channel hub.Channel) string {
	return s.prefix + "/" + string(channel)
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Forward implements Sink.
func (s *MQTTSink) Forward(ctx context.Context, channel hub.Channel, msg []byte) error {
	token := s.client.Publish(s.Topic(channel), s.qos, false, msg)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.Topic(channel), err)
	}
	return nil
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(quiesceMillis)
	}
	return nil
}
