// Package hub fans published messages out to live subscribers on two
// independent channels. Publishers never block on subscribers: a subscriber
// whose buffer is full is dropped.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// Channel names a broadcast path.
type Channel string

const (
	Telemetry Channel = "telemetry"
	Alerts    Channel = "alerts"
)

// Channels lists every channel the hub serves.
var Channels = []Channel{Telemetry, Alerts}

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

// Drop reasons reported on the subscribers-dropped metric.
const (
	ReasonSlow     = "slow"
	ReasonShutdown = "shutdown"
)

var (
	// ErrUnknownChannel is returned for a channel other than Telemetry or Alerts.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("hub closed")
)

// ParseChannel validates a channel name.
func ParseChannel(name string) (Channel, error) {
	c := Channel(name)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return c, nil
}

// Valid reports whether c is served by the hub.
func (c Channel) Valid() bool {
	return c == Telemetry || c == Alerts
}

// Config holds the configuration for a Hub.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.HubMetrics
	// BufferSize is the number of undelivered messages a subscriber may hold.
	BufferSize int
}

// Hub is the broadcast registry. The zero value is not usable; use New.
type Hub struct {
	logger     *slog.Logger
	metrics    *metrics.HubMetrics
	bufferSize int

	mu     sync.RWMutex
	subs   map[Channel]map[string]*Subscription
	closed bool
}

// New creates a Hub.
func New(cfg *Config) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BufferSize < 0 {
		return nil, errors.New("buffer size cannot be negative")
	}

	size := cfg.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}

	subs := make(map[Channel]map[string]*Subscription, len(Channels))
	for _, c := range Channels {
		subs[c] = make(map[string]*Subscription)
	}

	return &Hub{
		logger:     logger.ForComponent(cfg.Logger, "hub"),
		metrics:    cfg.Metrics,
		bufferSize: size,
		subs:       subs,
	}, nil
}

// Subscribe registers session on channel. Messages published after Subscribe
// returns are delivered to the subscription in publish order.
func (h *Hub) Subscribe(channel Channel, session string) (*Subscription, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	sub := &Subscription{
		id:       uuid.NewString(),
		channel:  channel,
		session:  session,
		joinedAt: time.Now(),
		ch:       make(chan []byte, h.bufferSize),
		done:     make(chan struct{}),
		hub:      h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs[channel][sub.id] = sub
	h.setGaugeLocked(channel)

	h.logger.Debug("subscribed", "channel", channel, "session", session, "subscription", sub.id)
	return sub, nil
}

// Unsubscribe removes sub. It is idempotent and safe after the hub has
// already dropped the subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.remove(sub, "")
}

// Publish delivers msg to every subscriber of channel at the time of the call.
// It never blocks: a subscriber with a full buffer is dropped.
func (h *Hub) Publish(channel Channel, msg []byte) error {
	if !channel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	var slow []*Subscription
	delivered := 0

	h.mu.RLock()
	for _, sub := range h.subs[channel] {
		if sub.offer(msg) {
			delivered++
		} else {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber", "channel", channel, "session", sub.session, "subscription", sub.id)
		h.remove(sub, ReasonSlow)
	}

	if h.metrics != nil {
		h.metrics.MessagesPublished.WithLabelValues(string(channel)).Inc()
		h.metrics.MessagesDelivered.WithLabelValues(string(channel)).Add(float64(delivered))
	}
	return nil
}

// Count returns the number of subscribers on channel.
func (h *Hub) Count(channel Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close drops every subscriber and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, c := range Channels {
		for _, sub := range h.subs[c] {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		h.remove(sub, ReasonShutdown)
	}
	h.logger.Info("hub closed", "dropped", len(all))
}

// remove unregisters sub and closes its queue exactly once.
func (h *Hub) remove(sub *Subscription, reason string) {
	h.mu.Lock()
	if _, ok := h.subs[sub.channel][sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs[sub.channel], sub.id)
	h.setGaugeLocked(sub.channel)
	// Closed under the write lock so no publisher can still be sending.
	close(sub.ch)
	close(sub.done)
	h.mu.Unlock()

	if reason != "" && h.metrics != nil {
		h.metrics.SubscribersDropped.WithLabelValues(string(sub.channel), reason).Inc()
	}
	h.logger.Debug("unsubscribed", "channel", sub.channel, "session", sub.session, "subscription", sub.id)
}

func (h *Hub) setGaugeLocked(c Channel) {
	if h.metrics != nil {
		h.metrics.Subscribers.WithLabelValues(string(c)).Set(float64(len(h.subs[c])))
	}
}
