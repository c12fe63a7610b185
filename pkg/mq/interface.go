package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the subset of Client the relay depends on.
type ClientInterface interface {
	// Publish sends body to the exchange under routingKey and waits for the
	// broker confirmation, retrying while the client reconnects.
	Publish(ctx context.Context, routingKey string, body []byte) error

	// UnsafePublish sends without waiting for a confirmation.
	UnsafePublish(ctx context.Context, routingKey string, body []byte) error

	// Consume delivers messages from the queue bound to routingKey.
	// Deliveries must be acked or nacked.
	Consume(routingKey string) (<-chan amqp.Delivery, error)

	// Ready reports whether a channel is currently open.
	Ready() bool

	// Close shuts down the channel and connection.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
