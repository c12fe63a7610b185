package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// Breaker defaults.
const (
	DefaultMaxFailures = 5
	DefaultOpenTimeout = 30 * time.Second
)

// GuardedConfig holds the configuration for a Guarded gateway.
type GuardedConfig struct {
	Logger  *slog.Logger
	Gateway Gateway
	Metrics *metrics.StoreMetrics
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Guarded wraps a Gateway with a circuit breaker and metrics. While the
// breaker is open every call fails fast with a PersistenceError, so a dead
// database does not stall ingestion on connection timeouts.
type Guarded struct {
	logger  *slog.Logger
	next    Gateway
	metrics *metrics.StoreMetrics
	cb      *gobreaker.CircuitBreaker
}

// NewGuarded wraps cfg.Gateway.
func NewGuarded(cfg *GuardedConfig) (*Guarded, error) {
	if cfg == nil {
		return nil, errors.New("guarded config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway cannot be nil")
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = DefaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}

	g := &Guarded{
		logger:  logger.ForComponent(cfg.Logger, "store"),
		next:    cfg.Gateway,
		metrics: cfg.Metrics,
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "persistence",
		Timeout: openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		// A bad query range is the caller's fault, not the store's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidRange)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if g.metrics != nil {
				g.metrics.BreakerState.Set(float64(to))
			}
		},
	})
	return g, nil
}

// State returns the breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}

// WriteReading implements Gateway.
func (g *Guarded) WriteReading(ctx context.Context, r *reading.SensorReading) (string, error) {
	return guard(g, OpWriteReading, func() (string, error) {
		return g.next.WriteReading(ctx, r)
	})
}

// WriteAlert implements Gateway.
func (g *Guarded) WriteAlert(ctx context.Context, e *alert.Event) (string, error) {
	return guard(g, OpWriteAlert, func() (string, error) {
		return g.next.WriteAlert(ctx, e)
	})
}

// Readings implements Gateway.
func (g *Guarded) Readings(ctx context.Context, q Query) ([]*reading.SensorReading, error) {
	return guard(g, OpQueryReadings, func() ([]*reading.SensorReading, error) {
		return g.next.Readings(ctx, q)
	})
}

// Alerts implements Gateway.
func (g *Guarded) Alerts(ctx context.Context, q Query) ([]alert.Event, error) {
	return guard(g, OpQueryAlerts, func() ([]alert.Event, error) {
		return g.next.Alerts(ctx, q)
	})
}

// EnsureSensor implements SensorRegistry when the wrapped gateway does.
func (g *Guarded) EnsureSensor(ctx context.Context, s Sensor) (*Sensor, error) {
	reg, ok := g.next.(SensorRegistry)
	if !ok {
		return &s, nil
	}
	return guard(g, OpEnsureSensor, func() (*Sensor, error) {
		return reg.EnsureSensor(ctx, s)
	})
}

// Close implements Gateway.
func (g *Guarded) Close() error {
	return g.next.Close()
}

func guard[T any](g *Guarded, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := g.cb.Execute(func() (interface{}, error) {
		return fn()
	})

	status := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "rejected"
		err = &PersistenceError{Op: op, Err: err}
	case err != nil:
		status = "error"
		var perr *PersistenceError
		if !errors.As(err, &perr) {
			err = &PersistenceError{Op: op, Err: err}
		}
	}

	if g.metrics != nil {
		g.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
		g.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

var (
	_ Gateway        = (*Guarded)(nil)
	_ Gateway        = (*Postgres)(nil)
	_ Gateway        = (*Influx)(nil)
	_ Gateway        = (*Memory)(nil)
	_ SensorRegistry = (*Guarded)(nil)
	_ SensorRegistry = (*Postgres)(nil)
	_ SensorRegistry = (*Memory)(nil)
)
