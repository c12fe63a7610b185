// Package testcontainers starts the brokers and databases the e2e suites run against.
package testcontainers

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig describes the broker and the relay topology to prepare on it.
type RabbitMQConfig struct {
	// ContainerName is the name of the container (optional)
	ContainerName string
	// Exchange is the topic exchange relays publish to. When set, the
	// exchange and one durable queue per routing key are declared before
	// StartRabbitMQ returns.
	Exchange string
	// RoutingKeys name the queues bound to Exchange as "<exchange>.<key>".
	RoutingKeys []string
}

// RabbitMQEndpoint is a started broker with its relay topology in place.
type RabbitMQEndpoint struct {
	URL      string
	Exchange string
}

// QueueName returns the queue bound to routingKey on the endpoint's exchange.
func (e *RabbitMQEndpoint) QueueName(routingKey string) string {
	return e.Exchange + "." + routingKey
}

// StartRabbitMQ starts a RabbitMQ broker and waits until it accepts AMQP
// connections. The management plugin is not needed and not started.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, *RabbitMQEndpoint, error) {
	if config == nil {
		config = &RabbitMQConfig{}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			).WithStartupTimeout(2 * time.Minute),
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("failed to get container port: %w", err)
	}

	endpoint := &RabbitMQEndpoint{
		URL:      fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		Exchange: config.Exchange,
	}
	if err := endpoint.declare(ctx, config.RoutingKeys); err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}
	return container, endpoint, nil
}

// declare creates the exchange and its queues the same way pkg/mq does, so
// messages published before any consumer attaches are kept.
func (e *RabbitMQEndpoint) declare(ctx context.Context, keys []string) error {
	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if e.Exchange == "" {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(e.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", e.Exchange, err)
	}
	for _, key := range keys {
		q, err := ch.QueueDeclare(e.QueueName(key), true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to declare queue for %s: %w", key, err)
		}
		if err := ch.QueueBind(q.Name, key, e.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue for %s: %w", key, err)
		}
	}
	return nil
}

// MessageCount reports how many messages wait in the queue for routingKey.
func (e *RabbitMQEndpoint) MessageCount(ctx context.Context, routingKey string) (int, error) {
	conn, err := e.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(e.QueueName(routingKey), true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue for %s: %w", routingKey, err)
	}
	return q.Messages, nil
}

// dial retries until the broker accepts the connection. The startup log line
// can precede the listener accepting AMQP handshakes by a moment.
func (e *RabbitMQEndpoint) dial(ctx context.Context) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		conn, err := amqp.Dial(e.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("rabbitmq did not accept connections: %w", lastErr)
}
