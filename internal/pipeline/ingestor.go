// Package pipeline connects the device reader to storage, the alert rules and
// the broadcast hub.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/device"
	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// WriteTimeout bounds each store write. Writes outlive cancellation of the
// reader's context so a reading that was started is stored in full.
const WriteTimeout = 10 * time.Second

// Publisher is the part of the hub the ingestor needs.
type Publisher interface {
	Publish(channel hub.Channel, msg []byte) error
}

// Config holds the configuration for an Ingestor.
type Config struct {
	Logger    *slog.Logger
	Store     store.Gateway
	Publisher Publisher
	Metrics   *metrics.AlertMetrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Ingestor handles each parsed reading: stamp, persist, publish telemetry,
// evaluate, then persist and publish each alert. Persistence failures are
// logged and never stop the broadcast.
type Ingestor struct {
	logger    *slog.Logger
	store     store.Gateway
	publisher Publisher
	metrics   *metrics.AlertMetrics
	now       func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// New creates an Ingestor.
func New(cfg *Config) (*Ingestor, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ingestor{
		logger:    logger.ForComponent(cfg.Logger, "pipeline"),
		store:     cfg.Store,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		now:       now,
		last:      make(map[string]time.Time),
	}, nil
}

// HandleReading implements device.Handler.
func (i *Ingestor) HandleReading(ctx context.Context, r *reading.SensorReading) {
	r.Timestamp = i.stamp(r.SensorID)

	ctx = context.WithoutCancel(ctx)

	if err := i.write(ctx, func(ctx context.Context) error {
		_, err := i.store.WriteReading(ctx, r)
		return err
	}); err != nil {
		i.logger.Error("failed to persist reading", "sensor_id", r.SensorID, "error", err)
	}

	i.publish(hub.Telemetry, r.ToTelemetry())

	for _, ev := range alert.Evaluate(r) {
		if i.metrics != nil {
			i.metrics.AlertsRaised.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
		}
		i.logger.Info("alert raised",
			"sensor_id", ev.SensorID,
			"type", ev.Type,
			"severity", ev.Severity,
			"value", ev.Value,
		)

		if err := i.write(ctx, func(ctx context.Context) error {
			_, err := i.store.WriteAlert(ctx, &ev)
			return err
		}); err != nil {
			i.logger.Error("failed to persist alert", "sensor_id", ev.SensorID, "type", ev.Type, "error", err)
		}
		i.publish(hub.Alerts, ev.ToPayload())
	}
}

func (i *Ingestor) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return fn(ctx)
}

// stamp returns now, or one nanosecond past the sensor's previous timestamp
// if the clock did not advance. Time-series stores key points by timestamp,
// so two readings from one sensor never share one.
func (i *Ingestor) stamp(sensorID string) time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()

	ts := i.now().UTC()
	if prev, ok := i.last[sensorID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	i.last[sensorID] = ts
	return ts
}

func (i *Ingestor) publish(channel hub.Channel, payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		i.logger.Error("failed to encode payload", "channel", channel, "error", err)
		return
	}
	if err := i.publisher.Publish(channel, msg); err != nil {
		i.logger.Error("failed to publish", "channel", channel, "error", err)
	}
}

var _ device.Handler = (*Ingestor)(nil)
