// Package history serves stored readings and alerts over HTTP and gRPC and
// streams live hub traffic to gRPC watchers.
package history

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/internal/store"
)

// ErrInvalidQuery wraps every query parameter error.
var ErrInvalidQuery = errors.New("invalid query")

// QueryParams are the raw parameters accepted by both transports.
type QueryParams struct {
	SensorID string
	Start    string
	End      string
	Limit    string
}

// Parse converts p to a store query. Times are RFC 3339; empty values take
// the store defaults.
func (p QueryParams) Parse() (store.Query, error) {
	q := store.Query{SensorID: p.SensorID}

	var err error
	if p.Start != "" {
		if q.Start, err = time.Parse(time.RFC3339, p.Start); err != nil {
			return q, fmt.Errorf("%w: start: %v", ErrInvalidQuery, err)
		}
	}
	if p.End != "" {
		if q.End, err = time.Parse(time.RFC3339, p.End); err != nil {
			return q, fmt.Errorf("%w: end: %v", ErrInvalidQuery, err)
		}
	}
	if p.Limit != "" {
		if q.Limit, err = strconv.Atoi(p.Limit); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("%w: limit must be a non-negative integer", ErrInvalidQuery)
		}
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return q, fmt.Errorf("%w: %v", ErrInvalidQuery, store.ErrInvalidRange)
	}
	return q, nil
}

// ReadingView is the JSON form of a stored reading. Unreported values are null.
type ReadingView struct {
	SensorID       string   `json:"sensorId"`
	Temperature    *float64 `json:"temperature"`
	Humidity       *float64 `json:"humidity"`
	MotionDetected *bool    `json:"motionDetected"`
	SmokeDetected  *bool    `json:"smokeDetected"`
	Timestamp      string   `json:"timestamp"`
}

// NewReadingView converts r.
func NewReadingView(r *reading.SensorReading) ReadingView {
	return ReadingView{
		SensorID:       r.SensorID,
		Temperature:    r.Temperature,
		Humidity:       r.Humidity,
		MotionDetected: r.MotionDetected,
		SmokeDetected:  r.SmokeDetected,
		Timestamp:      r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ReadingsResponse is returned by the readings endpoints.
type ReadingsResponse struct {
	Readings []ReadingView `json:"readings"`
}

// AlertsResponse is returned by the alerts endpoints.
type AlertsResponse struct {
	Alerts []alert.Payload `json:"alerts"`
}

func newReadingsResponse(rs []*reading.SensorReading) ReadingsResponse {
	out := ReadingsResponse{Readings: make([]ReadingView, len(rs))}
	for i, r := range rs {
		out.Readings[i] = NewReadingView(r)
	}
	return out
}

func newAlertsResponse(es []alert.Event) AlertsResponse {
	out := AlertsResponse{Alerts: make([]alert.Payload, len(es))}
	for i := range es {
		out.Alerts[i] = es[i].ToPayload()
	}
	return out
}
