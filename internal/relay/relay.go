// Package relay forwards hub traffic to external brokers. Each relay is an
// ordinary subscriber session; when the hub drops it or the broker rejects a
// message, it waits and opens a fresh session.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/session"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// DefaultRetryInterval is the pause before a dropped relay resubscribes.
const DefaultRetryInterval = 5 * time.Second

// Sink delivers one hub message to an external system.
type Sink interface {
	Name() string
	Forward(ctx context.Context, channel hub.Channel, msg []byte) error
	Close() error
}

// Config holds the configuration for a Relay.
type Config struct {
	Logger        *slog.Logger
	Hub           session.Subscriber
	Sink          Sink
	Channels      []hub.Channel
	RetryInterval time.Duration
	// Metrics is optional.
	Metrics *metrics.SessionMetrics
}

// Relay runs sessions that feed a Sink.
type Relay struct {
	logger   *slog.Logger
	hub      session.Subscriber
	sink     Sink
	channels []hub.Channel
	retry    time.Duration
	metrics  *metrics.SessionMetrics

	mu       sync.Mutex
	sessions int
}

// New validates cfg and creates a Relay.
func New(cfg *Config) (*Relay, error) {
	if cfg == nil {
		return nil, errors.New("relay config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if cfg.RetryInterval < 0 {
		return nil, errors.New("retry interval cannot be negative")
	}

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = hub.Channels
	}
	retry := cfg.RetryInterval
	if retry == 0 {
		retry = DefaultRetryInterval
	}

	return &Relay{
		logger:   logger.ForComponent(cfg.Logger, "relay").With("sink", cfg.Sink.Name()),
		hub:      cfg.Hub,
		sink:     cfg.Sink,
		channels: channels,
		retry:    retry,
		metrics:  cfg.Metrics,
	}, nil
}

// Sessions returns how many sessions the relay has opened so far.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Run blocks until ctx is done. It does not close the sink.
func (r *Relay) Run(ctx context.Context) error {
	for {
		sess, err := session.New(&session.Config{
			Logger:    r.logger,
			Hub:       r.hub,
			Transport: &sinkTransport{sink: r.sink},
			Channels:  r.channels,
			Metrics:   r.metrics,
		})
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.sessions++
		r.mu.Unlock()

		err = sess.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var derr *session.DeliveryError
		switch {
		case errors.Is(err, hub.ErrClosed):
			r.logger.Info("hub closed, relay stopping")
			return nil
		case err == nil:
			r.logger.Warn("relay session ended")
		case errors.Is(err, session.ErrDropped):
			r.logger.Warn("relay dropped by hub, resubscribing", "retry_in", r.retry)
		case errors.As(err, &derr):
			r.logger.Error("relay delivery failed, resubscribing", "channel", derr.Channel, "error", derr.Err, "retry_in", r.retry)
		default:
			r.logger.Error("relay session failed", "error", err)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retry):
		}
	}
}

// Close closes the sink.
func (r *Relay) Close() error {
	return r.sink.Close()
}

// sinkTransport adapts a Sink to session.Transport.
type sinkTransport struct {
	sink Sink
}

func (t *sinkTransport) Name() string { return t.sink.Name() }

// Closed never fires: relays end through their context.
func (t *sinkTransport) Closed() <-chan struct{} { return nil }

func (t *sinkTransport) Send(ctx context.Context, channel hub.Channel, msg []byte) error {
	return t.sink.Forward(ctx, channel, msg)
}
