// Package mock provides a hand-written mq.ClientInterface for tests.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-monitor/pkg/mq"
)

// Client records publishes and returns configured results.
type Client struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, routingKey string, body []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish and UnsafePublish.
	PublishCalls []PublishCall

	// ConsumeChannel and ConsumeError are returned by Consume.
	ConsumeChannel <-chan amqp.Delivery
	ConsumeError   error

	// NotReady flips Ready to false.
	NotReady bool

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCall records the arguments to a publish.
type PublishCall struct {
	RoutingKey string
	Body       []byte
	Confirmed  bool
}

// NewClient creates a Client that accepts every publish.
func NewClient() *Client {
	return &Client{ConsumeChannel: make(chan amqp.Delivery)}
}

// Publish implements mq.ClientInterface.
func (m *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	return m.record(ctx, routingKey, body, true)
}

// UnsafePublish implements mq.ClientInterface.
func (m *Client) UnsafePublish(ctx context.Context, routingKey string, body []byte) error {
	return m.record(ctx, routingKey, body, false)
}

func (m *Client) record(ctx context.Context, routingKey string, body []byte, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, PublishCall{
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Confirmed:  confirmed,
	})
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, routingKey, body)
	}
	return m.PublishError
}

// Calls returns a copy of the recorded publishes.
func (m *Client) Calls() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.PublishCalls...)
}

// Consume implements mq.ClientInterface.
func (m *Client) Consume(string) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConsumeChannel, m.ConsumeError
}

// Ready implements mq.ClientInterface.
func (m *Client) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.NotReady
}

// Close implements mq.ClientInterface.
func (m *Client) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseError
}

// Reset clears recorded calls.
func (m *Client) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls = nil
	m.CloseCalls = 0
}

var _ mq.ClientInterface = (*Client)(nil)
