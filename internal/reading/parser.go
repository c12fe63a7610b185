package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Device payload keys.
const (
	KeyTemperature    = "temperature"
	KeyHumidity       = "humidity"
	KeyMotionDetected = "motionDetected"
	KeySmokeDetected  = "smokeDetected"
)

var (
	errEmptyLine = errors.New("empty line")
	errNotObject = errors.New("payload is not a JSON object")
)

// ParseError reports a device line that could not be decoded into a reading.
type ParseError struct {
	Err  error
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed device line %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes one device line (terminator already stripped) into a reading for sensorID.
// Any subset of the known fields may be absent or null; those stay unknown.
// Lines that are not a single JSON object, or that carry a known field with the
// wrong JSON type, return a *ParseError.
func Parse(line []byte, sensorID string) (*SensorReading, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, &ParseError{Line: string(line), Err: errEmptyLine}
	}
	if trimmed[0] != '{' {
		return nil, &ParseError{Line: string(line), Err: errNotObject}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}

	if sensorID == "" {
		sensorID = DefaultSensorID
	}

	r := &SensorReading{
		SensorID: sensorID,
		Raw:      json.RawMessage(append([]byte(nil), trimmed...)),
	}

	var err error
	if r.Temperature, err = decodeField[float64](fields, KeyTemperature); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}
	if r.Humidity, err = decodeField[float64](fields, KeyHumidity); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}
	if r.MotionDetected, err = decodeField[bool](fields, KeyMotionDetected); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}
	if r.SmokeDetected, err = decodeField[bool](fields, KeySmokeDetected); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}

	return r, nil
}

// decodeField returns nil when key is absent or null.
func decodeField[T float64 | bool](fields map[string]json.RawMessage, key string) (*T, error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("field %s: %w", key, err)
	}
	return &v, nil
}
