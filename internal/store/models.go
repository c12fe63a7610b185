package store

import (
	"time"

	"gorm.io/datatypes"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
)

// SensorRecord is a registered sensor.
type SensorRecord struct {
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Location  string    `gorm:"not null"`
}

// TableName specifies the table name for SensorRecord.
func (SensorRecord) TableName() string {
	return "sensors"
}

// ReadingRecord is a stored reading. Nil columns are values the device did not report.
type ReadingRecord struct {
	Timestamp      time.Time      `gorm:"index:idx_reading_sensor_timestamp;index:idx_reading_timestamp;not null"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	Temperature    *float64
	Humidity       *float64
	MotionDetected *bool
	SmokeDetected  *bool
	SensorID       string         `gorm:"index:idx_reading_sensor_timestamp;not null"`
	Raw            datatypes.JSON `gorm:"type:jsonb"`
	ID             uint           `gorm:"primaryKey"`
}

// TableName specifies the table name for ReadingRecord.
func (ReadingRecord) TableName() string {
	return "sensor_readings"
}

// AlertRecord is a stored alert.
type AlertRecord struct {
	Timestamp time.Time `gorm:"index:idx_alert_sensor_timestamp;index:idx_alert_timestamp;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	SensorID  string    `gorm:"index:idx_alert_sensor_timestamp;not null"`
	AlertType string    `gorm:"not null"`
	Severity  string    `gorm:"not null"`
	Message   string    `gorm:"not null"`
	Value     string
	ID        uint `gorm:"primaryKey"`
}

// TableName specifies the table name for AlertRecord.
func (AlertRecord) TableName() string {
	return "alert_events"
}

func newReadingRecord(r *reading.SensorReading) *ReadingRecord {
	rec := &ReadingRecord{
		Timestamp:      r.Timestamp.UTC(),
		SensorID:       r.SensorID,
		Temperature:    r.Temperature,
		Humidity:       r.Humidity,
		MotionDetected: r.MotionDetected,
		SmokeDetected:  r.SmokeDetected,
	}
	if len(r.Raw) > 0 {
		rec.Raw = datatypes.JSON(r.Raw)
	}
	return rec
}

func (rec *ReadingRecord) toReading() *reading.SensorReading {
	r := &reading.SensorReading{
		Timestamp:      rec.Timestamp.UTC(),
		SensorID:       rec.SensorID,
		Temperature:    rec.Temperature,
		Humidity:       rec.Humidity,
		MotionDetected: rec.MotionDetected,
		SmokeDetected:  rec.SmokeDetected,
	}
	if len(rec.Raw) > 0 {
		r.Raw = []byte(rec.Raw)
	}
	return r
}

func newAlertRecord(e *alert.Event) *AlertRecord {
	return &AlertRecord{
		Timestamp: e.Timestamp.UTC(),
		SensorID:  e.SensorID,
		AlertType: string(e.Type),
		Severity:  string(e.Severity),
		Message:   e.Message,
		Value:     e.Value,
	}
}

func (rec *AlertRecord) toEvent() alert.Event {
	return alert.Event{
		Timestamp: rec.Timestamp.UTC(),
		SensorID:  rec.SensorID,
		Type:      alert.Type(rec.AlertType),
		Severity:  alert.Severity(rec.Severity),
		Message:   rec.Message,
		Value:     rec.Value,
	}
}
