// Package alert evaluates threshold rules against sensor readings.
package alert

import (
	"fmt"
	"strconv"
	"time"

	"procodus.dev/sensor-monitor/internal/reading"
)

// Type identifies which rule an alert came from.
type Type string

// Alert types.
const (
	TempHigh Type = "TEMP_HIGH"
	TempLow  Type = "TEMP_LOW"
	HumHigh  Type = "HUM_HIGH"
	HumLow   Type = "HUM_LOW"
	Motion   Type = "MOTION"
	Smoke    Type = "SMOKE"
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Thresholds. Comparisons are strict: a value equal to a threshold does not alert.
const (
	TempHighThreshold = 30.0
	TempLowThreshold  = 15.0
	HumHighThreshold  = 70.0
	HumLowThreshold   = 30.0
)

// Event is one rule violation derived from a single reading.
// It carries a copy of the triggering value, not a reference to the reading.
type Event struct {
	Timestamp time.Time
	SensorID  string
	Type      Type
	Severity  Severity
	Message   string
	// Value is the literal triggering value as it appears in Message.
	Value string
}

// Payload is the message published on the alerts channel.
type Payload struct {
	SensorID  string   `json:"sensorId"`
	AlertType Type     `json:"alertType"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Timestamp string   `json:"timestamp"`
}

// ToPayload converts the event to its alerts channel payload.
func (e *Event) ToPayload() Payload {
	return Payload{
		SensorID:  e.SensorID,
		AlertType: e.Type,
		Message:   e.Message,
		Severity:  e.Severity,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Evaluate applies every rule to r and returns the alerts it raises, in the order
// temperature, humidity, motion, smoke. Unknown fields never raise alerts.
func Evaluate(r *reading.SensorReading) []Event {
	if r == nil {
		return nil
	}

	var events []Event
	emit := func(t Type, s Severity, value, msg string) {
		events = append(events, Event{
			Timestamp: r.Timestamp,
			SensorID:  r.SensorID,
			Type:      t,
			Severity:  s,
			Message:   msg,
			Value:     value,
		})
	}

	if r.Temperature != nil {
		v := formatFloat(*r.Temperature)
		switch {
		case *r.Temperature > TempHighThreshold:
			emit(TempHigh, SeverityHigh, v, fmt.Sprintf("High temperature detected: %s°C", v))
		case *r.Temperature < TempLowThreshold:
			emit(TempLow, SeverityMedium, v, fmt.Sprintf("Low temperature detected: %s°C", v))
		}
	}

	if r.Humidity != nil {
		v := formatFloat(*r.Humidity)
		switch {
		case *r.Humidity > HumHighThreshold:
			emit(HumHigh, SeverityMedium, v, fmt.Sprintf("High humidity detected: %s%%", v))
		case *r.Humidity < HumLowThreshold:
			emit(HumLow, SeverityMedium, v, fmt.Sprintf("Low humidity detected: %s%%", v))
		}
	}

	if r.MotionDetected != nil && *r.MotionDetected {
		emit(Motion, SeverityLow, "true", "Motion detected (motionDetected=true)")
	}

	if r.SmokeDetected != nil && *r.SmokeDetected {
		emit(Smoke, SeverityCritical, "true", "Smoke detected (smokeDetected=true)")
	}

	return events
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
