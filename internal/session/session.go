// Package session runs one live subscriber: it binds a transport to one or
// both hub channels and forwards messages until either side goes away.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// ErrDropped is returned by Run when the hub dropped the session.
var ErrDropped = errors.New("session dropped by hub")

// DeliveryError reports that a session's transport could not take a message.
type DeliveryError struct {
	Session string
	Channel hub.Channel
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("session %s: deliver %s: %v", e.Session, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transport is the client-facing side of a session.
type Transport interface {
	// Name labels the transport kind in logs and metrics.
	Name() string
	// Send writes one message. An error ends the session.
	Send(ctx context.Context, channel hub.Channel, msg []byte) error
	// Closed is closed when the client went away. It may return nil.
	Closed() <-chan struct{}
}

// Subscriber is the part of the hub a session needs.
type Subscriber interface {
	Subscribe(channel hub.Channel, session string) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
}

// Config holds the configuration for a Session.
type Config struct {
	Logger    *slog.Logger
	Hub       Subscriber
	Transport Transport
	Channels  []hub.Channel
	Metrics   *metrics.SessionMetrics
	// ID defaults to a random UUID.
	ID string
}

// Session forwards hub messages to a transport.
type Session struct {
	id        string
	logger    *slog.Logger
	hub       Subscriber
	transport Transport
	channels  []hub.Channel
	metrics   *metrics.SessionMetrics
}

// New validates cfg and creates a session. Nothing is subscribed until Run.
func New(cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if len(cfg.Channels) == 0 || len(cfg.Channels) > len(hub.Channels) {
		return nil, errors.New("channels must name one or both hub channels")
	}
	seen := make(map[hub.Channel]bool, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", hub.ErrUnknownChannel, c)
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate channel %q", c)
		}
		seen[c] = true
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &Session{
		id: id,
		logger: logger.ForComponent(cfg.Logger, "session").With(
			"session", id,
			"transport", cfg.Transport.Name(),
		),
		hub:       cfg.Hub,
		transport: cfg.Transport,
		channels:  cfg.Channels,
		metrics:   cfg.Metrics,
	}, nil
}

// ID returns the session identity used for its subscriptions.
func (s *Session) ID() string { return s.id }

// Run subscribes and forwards until ctx is canceled, the client goes away,
// the hub drops the session (ErrDropped) or a send fails (*DeliveryError).
// Subscriptions are always released before Run returns; undelivered
// messages are discarded.
func (s *Session) Run(ctx context.Context) error {
	subs := make([]*hub.Subscription, 0, len(s.channels))
	defer func() {
		for _, sub := range subs {
			s.hub.Unsubscribe(sub)
		}
	}()
	for _, c := range s.channels {
		sub, err := s.hub.Subscribe(c, s.id)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", c, err)
		}
		subs = append(subs, sub)
	}

	if s.metrics != nil {
		gauge := s.metrics.Active.WithLabelValues(s.transport.Name())
		gauge.Inc()
		defer gauge.Dec()
	}

	s.logger.Info("session started", "channels", s.channels)

	// A nil channel blocks forever, so a single-channel session leaves the
	// second case idle.
	var first, second <-chan []byte
	var firstCh, secondCh hub.Channel
	first, firstCh = subs[0].C(), subs[0].Channel()
	if len(subs) > 1 {
		second, secondCh = subs[1].C(), subs[1].Channel()
	}

	for {
		var (
			msg     []byte
			ok      bool
			channel hub.Channel
		)
		select {
		case <-ctx.Done():
			s.logger.Info("session ended", "reason", "shutdown")
			return nil
		case <-s.transport.Closed():
			s.logger.Info("session ended", "reason", "client gone")
			return nil
		case msg, ok = <-first:
			channel = firstCh
		case msg, ok = <-second:
			channel = secondCh
		}

		if !ok {
			s.logger.Warn("session dropped by hub", "channel", channel)
			return ErrDropped
		}
		if err := s.transport.Send(ctx, channel, msg); err != nil {
			derr := &DeliveryError{Session: s.id, Channel: channel, Err: err}
			s.logger.Warn("session delivery failed", "error", derr)
			if s.metrics != nil {
				s.metrics.DeliveryErrors.WithLabelValues(s.transport.Name()).Inc()
			}
			return derr
		}
	}
}

// Envelope tags a payload with its channel when one transport carries both.
type Envelope struct {
	Channel hub.Channel     `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap returns msg inside an Envelope.
func Wrap(channel hub.Channel, msg []byte) ([]byte, error) {
	return json.Marshal(Envelope{Channel: channel, Payload: msg})
}

// ParseChannels turns names such as "telemetry,alerts" into channels.
// An empty list returns fallback. A name given twice is an error.
func ParseChannels(names []string, fallback ...hub.Channel) ([]hub.Channel, error) {
	if len(names) == 0 {
		return fallback, nil
	}
	out := make([]hub.Channel, 0, len(names))
	for _, n := range names {
		c, err := hub.ParseChannel(n)
		if err != nil {
			return nil, err
		}
		if slices.Contains(out, c) {
			return nil, fmt.Errorf("duplicate channel %q", c)
		}
		out = append(out, c)
	}
	return out, nil
}
