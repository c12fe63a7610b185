// Package store persists readings and alerts and reads them back for
// historical queries. Writes are append-only.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
)

// Query limits.
const (
	DefaultWindow = 24 * time.Hour
	DefaultLimit  = 500
	MaxLimit      = 5000
)

// Operation names used in errors and metrics.
const (
	OpWriteReading  = "write_reading"
	OpWriteAlert    = "write_alert"
	OpQueryReadings = "query_readings"
	OpQueryAlerts   = "query_alerts"
	OpEnsureSensor  = "ensure_sensor"
)

// ErrInvalidRange is returned for a query whose end precedes its start.
var ErrInvalidRange = errors.New("end time before start time")

// PersistenceError reports a failed storage operation. Callers log it and continue.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Gateway is the persistence boundary of the ingest pipeline.
type Gateway interface {
	// WriteReading appends r and returns its storage id.
	WriteReading(ctx context.Context, r *reading.SensorReading) (string, error)
	// WriteAlert appends e and returns its storage id.
	WriteAlert(ctx context.Context, e *alert.Event) (string, error)
	// Readings returns readings in [Start, End], newest first.
	Readings(ctx context.Context, q Query) ([]*reading.SensorReading, error)
	// Alerts returns alerts in [Start, End], newest first.
	Alerts(ctx context.Context, q Query) ([]alert.Event, error)
	Close() error
}

// Sensor is a registered device.
type Sensor struct {
	CreatedAt time.Time
	ID        string
	Name      string
	Location  string
}

// SensorRegistry records which sensors exist.
type SensorRegistry interface {
	// EnsureSensor creates s or updates its name and location.
	EnsureSensor(ctx context.Context, s Sensor) (*Sensor, error)
}

// Query selects a time range, optionally for one sensor.
type Query struct {
	Start    time.Time
	End      time.Time
	SensorID string
	Limit    int
}

// Normalize fills defaults: End=now, Start=End-DefaultWindow, Limit=DefaultLimit.
func (q Query) Normalize(now time.Time) (Query, error) {
	if q.End.IsZero() {
		q.End = now
	}
	if q.Start.IsZero() {
		q.Start = q.End.Add(-DefaultWindow)
	}
	if q.End.Before(q.Start) {
		return q, ErrInvalidRange
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q, nil
}
