// Package mq is a RabbitMQ publisher that reconnects on its own. It declares a
// topic exchange plus one durable queue per routing key, so messages relayed
// while no consumer is attached are kept by the broker.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

const (
	// DefaultExchange is declared when Config.Exchange is empty.
	DefaultExchange = "sensor-monitor"

	// DefaultReconnectDelay is the pause after a failed dial.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultReInitDelay is the pause after a failed channel setup.
	DefaultReInitDelay = 2 * time.Second

	initialBackoff   = 100 * time.Millisecond
	maxBackoff       = 10 * time.Second
	maxRetryAttempts = 5
)

// ErrAlreadyClosed is returned by Close when no connection was open.
var ErrAlreadyClosed = errors.New("already closed: not connected to the server")

var (
	errNotConnected       = errors.New("not connected to a server")
	errShutdown           = errors.New("client is shutting down")
	errNack               = errors.New("publish not acknowledged")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Config holds the configuration for a Client.
type Config struct {
	Logger   *slog.Logger
	URL      string
	Exchange string
	// RoutingKeys each get a queue named "<exchange>.<key>".
	RoutingKeys    []string
	ReconnectDelay time.Duration
	ReInitDelay    time.Duration
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Client manages one AMQP connection and channel.
type Client struct {
	m               sync.Mutex
	pub             sync.Mutex
	logger          *slog.Logger
	cfg             Config
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	metrics         *metrics.MQMetrics
}

// New validates cfg and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("amqp URL cannot be empty")
	}
	if len(cfg.RoutingKeys) == 0 {
		return nil, errors.New("at least one routing key is required")
	}

	c := *cfg
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReInitDelay <= 0 {
		c.ReInitDelay = DefaultReInitDelay
	}

	client := &Client{
		logger:  cfg.Logger.With(slog.String("exchange", c.Exchange)),
		cfg:     c,
		done:    make(chan struct{}),
		metrics: cfg.Metrics,
	}
	go client.handleReconnect()
	return client, nil
}

// QueueName returns the queue bound to routingKey.
func (client *Client) QueueName(routingKey string) string {
	return client.cfg.Exchange + "." + routingKey
}

// Ready implements ClientInterface.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
	if client.metrics != nil {
		if ready {
			client.metrics.ConnectionStatus.Set(1)
		} else {
			client.metrics.ConnectionStatus.Set(0)
		}
	}
}

// handleReconnect dials until it succeeds, then hands over to handleReInit.
func (client *Client) handleReconnect() {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := amqp.Dial(client.cfg.URL)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err, "delay", client.cfg.ReconnectDelay)
			select {
			case <-client.done:
				return
			case <-time.After(client.cfg.ReconnectDelay):
			}
			continue
		}

		client.changeConnection(conn)
		client.logger.Info("connected")

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// handleReInit sets up the channel and redoes it after channel errors.
// It returns true when the client is shutting down.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)
			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(client.cfg.ReInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirming channel and declares the topology.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(
		client.cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	for _, key := range client.cfg.RoutingKeys {
		q, err := ch.QueueDeclare(
			client.QueueName(key),
			true,  // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue for %s: %w", key, err)
		}
		if err := ch.QueueBind(q.Name, key, client.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue for %s: %w", key, err)
		}
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done", "routing_keys", client.cfg.RoutingKeys)
	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.m.Lock()
	defer client.m.Unlock()
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Publish implements ClientInterface. Attempts back off exponentially and
// give up after a fixed number of retries.
func (client *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(routingKey))
		defer timer.ObserveDuration()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = maxBackoff
	policy.MaxElapsedTime = 0

	attempt := func() error {
		select {
		case <-client.done:
			return backoff.Permanent(errShutdown)
		default:
		}
		return client.publishConfirmed(ctx, routingKey, body)
	}
	notify := func(err error, wait time.Duration) {
		client.logger.Warn("publish failed, retrying", "error", err, "routing_key", routingKey, "backoff", wait)
	}

	err := backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetryAttempts), ctx), notify)
	if err == nil {
		if client.metrics != nil {
			client.metrics.MessagesPushed.WithLabelValues(routingKey).Inc()
		}
		return nil
	}

	reason := "max_retries_exceeded"
	switch {
	case ctx.Err() != nil:
		reason = "context_canceled"
		err = ctx.Err()
	case errors.Is(err, errShutdown):
		reason = "shutdown"
	default:
		err = fmt.Errorf("%w: %w", errMaxRetriesExceeded, err)
	}
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(routingKey, reason).Inc()
	}
	return err
}

// publishConfirmed holds the publish lock so each confirmation matches its message.
func (client *Client) publishConfirmed(ctx context.Context, routingKey string, body []byte) error {
	client.pub.Lock()
	defer client.pub.Unlock()

	if err := client.UnsafePublish(ctx, routingKey, body); err != nil {
		return err
	}

	client.m.Lock()
	confirms := client.notifyConfirm
	client.m.Unlock()

	select {
	case <-ctx.Done():
		return backoff.Permanent(ctx.Err())
	case <-client.done:
		return backoff.Permanent(errShutdown)
	case confirm, ok := <-confirms:
		if !ok {
			return errNotConnected
		}
		if !confirm.Ack {
			return errNack
		}
		client.logger.Debug("publish confirmed", "routing_key", routingKey, "delivery_tag", confirm.DeliveryTag)
		return nil
	}
}

// UnsafePublish implements ClientInterface.
func (client *Client) UnsafePublish(ctx context.Context, routingKey string, body []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		client.cfg.Exchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Consume implements ClientInterface.
func (client *Client) Consume(routingKey string) (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, err
	}
	return ch.Consume(
		client.QueueName(routingKey),
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,
	)
}

// Close implements ClientInterface. It stops reconnecting even when no
// connection was ever made, and reports ErrAlreadyClosed in that case.
func (client *Client) Close() error {
	first := false
	client.closeOnce.Do(func() {
		close(client.done)
		first = true
	})
	if !first {
		return ErrAlreadyClosed
	}

	client.m.Lock()
	defer client.m.Unlock()

	wasReady := client.isReady
	client.isReady = false
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}
	if !wasReady {
		if client.connection != nil {
			_ = client.connection.Close()
		}
		return ErrAlreadyClosed
	}
	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
