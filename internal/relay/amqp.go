package relay

import (
	"context"
	"errors"

	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/pkg/mq"
)

// AMQPSink publishes each channel under its own routing key, so the broker
// keeps telemetry and alerts in separate queues.
type AMQPSink struct {
	client mq.ClientInterface
}

// NewAMQPSink wraps an mq client.
func NewAMQPSink(client mq.ClientInterface) (*AMQPSink, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &AMQPSink{client: client}, nil
}

// Name implements Sink.
func (s *AMQPSink) Name() string { return "amqp" }

// Forward implements Sink. It waits for the broker confirmation.
func (s *AMQPSink) Forward(ctx context.Context, channel hub.Channel, msg []byte) error {
	return s.client.Publish(ctx, string(channel), msg)
}

// Close implements Sink. A client that never connected is not an error here.
func (s *AMQPSink) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
		return err
	}
	return nil
}

// RoutingKeys lists the routing keys the AMQP sink publishes under.
func RoutingKeys() []string {
	keys := make([]string, len(hub.Channels))
	for i, c := range hub.Channels {
		keys[i] = string(c)
	}
	return keys
}
