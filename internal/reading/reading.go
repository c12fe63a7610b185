// Package reading defines the sensor reading model and decodes raw device lines into it.
package reading

import (
	"encoding/json"
	"time"
)

// DefaultSensorID is the sensor a reading is attributed to when none is configured.
const DefaultSensorID = "1"

// SensorReading is one snapshot of sensor values decoded from a single device line.
// Nil value fields are unknown: the device did not report them.
type SensorReading struct {
	Timestamp      time.Time
	Temperature    *float64
	Humidity       *float64
	MotionDetected *bool
	SmokeDetected  *bool
	SensorID       string
	// Raw is the decoded JSON object exactly as received from the device.
	Raw json.RawMessage
}

// HasTemperature reports whether the reading carries a temperature value.
func (r *SensorReading) HasTemperature() bool { return r.Temperature != nil }

// HasHumidity reports whether the reading carries a humidity value.
func (r *SensorReading) HasHumidity() bool { return r.Humidity != nil }

// Telemetry is the payload published on the telemetry channel.
type Telemetry struct {
	SensorID  string          `json:"sensorId"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ToTelemetry converts the reading to its telemetry channel payload.
func (r *SensorReading) ToTelemetry() Telemetry {
	data := r.Raw
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Telemetry{
		SensorID:  r.SensorID,
		Data:      data,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
