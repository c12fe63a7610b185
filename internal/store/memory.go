package store

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
)

// Memory keeps everything in process. It backs the "memory" driver and tests.
type Memory struct {
	mu       sync.RWMutex
	readings []*reading.SensorReading
	alerts   []alert.Event
	sensors  map[string]*Sensor
	closed   bool
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{sensors: make(map[string]*Sensor)}
}

// ErrStoreClosed is wrapped in the PersistenceError Memory returns after Close.
var ErrStoreClosed = errors.New("store closed")

// WriteReading implements Gateway.
func (m *Memory) WriteReading(_ context.Context, r *reading.SensorReading) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", &PersistenceError{Op: OpWriteReading, Err: ErrStoreClosed}
	}
	cp := *r
	m.readings = append(m.readings, &cp)
	return strconv.Itoa(len(m.readings)), nil
}

// WriteAlert implements Gateway.
func (m *Memory) WriteAlert(_ context.Context, e *alert.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", &PersistenceError{Op: OpWriteAlert, Err: ErrStoreClosed}
	}
	m.alerts = append(m.alerts, *e)
	return strconv.Itoa(len(m.alerts)), nil
}

// Readings implements Gateway.
func (m *Memory) Readings(_ context.Context, q Query) ([]*reading.SensorReading, error) {
	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryReadings, Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*reading.SensorReading
	for _, r := range slices.Backward(m.readings) {
		if len(out) == q.Limit {
			break
		}
		if q.matches(r.SensorID, r.Timestamp) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Alerts implements Gateway.
func (m *Memory) Alerts(_ context.Context, q Query) ([]alert.Event, error) {
	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryAlerts, Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []alert.Event
	for _, e := range slices.Backward(m.alerts) {
		if len(out) == q.Limit {
			break
		}
		if q.matches(e.SensorID, e.Timestamp) {
			out = append(out, e)
		}
	}
	return out, nil
}

// EnsureSensor implements SensorRegistry.
func (m *Memory) EnsureSensor(_ context.Context, s Sensor) (*Sensor, error) {
	if s.ID == "" {
		return nil, &PersistenceError{Op: OpEnsureSensor, Err: errors.New("sensor id cannot be empty")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sensors[s.ID]
	if !ok {
		s.CreatedAt = time.Now().UTC()
		existing = &s
		m.sensors[s.ID] = existing
	}
	existing.Name = s.Name
	existing.Location = s.Location
	cp := *existing
	return &cp, nil
}

// Close implements Gateway.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Writes are appended in arrival order, which is also timestamp order for the
// pipeline, so a reverse scan yields newest first.
func (q Query) matches(sensorID string, ts time.Time) bool {
	if q.SensorID != "" && q.SensorID != sensorID {
		return false
	}
	return !ts.Before(q.Start) && !ts.After(q.End)
}
