package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
)

// Influx measurements.
const (
	MeasurementReading = "sensor_reading"
	MeasurementAlert   = "alert_event"
)

// InfluxConfig holds the configuration for the InfluxDB gateway.
type InfluxConfig struct {
	Logger *slog.Logger
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx is a Gateway backed by an InfluxDB v2 bucket. Writes are blocking so
// a failure reaches the caller.
type Influx struct {
	logger *slog.Logger
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

// NewInflux validates cfg and connects.
func NewInflux(cfg *InfluxConfig) (*Influx, error) {
	if cfg == nil {
		return nil, errors.New("influx config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("influx URL cannot be empty")
	}
	if cfg.Org == "" {
		return nil, errors.New("influx org cannot be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("influx bucket cannot be empty")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	cfg.Logger.Info("influx client created", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)

	return &Influx{
		logger: cfg.Logger,
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		query:  client.QueryAPI(cfg.Org),
		bucket: cfg.Bucket,
	}, nil
}

// Ping reports whether the server is reachable.
func (i *Influx) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx server not ready")
	}
	return nil
}

// WriteReading implements Gateway.
func (i *Influx) WriteReading(ctx context.Context, r *reading.SensorReading) (string, error) {
	id := uuid.NewString()
	fields := map[string]interface{}{"id": id}
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
	}
	if r.MotionDetected != nil {
		fields["motion_detected"] = *r.MotionDetected
	}
	if r.SmokeDetected != nil {
		fields["smoke_detected"] = *r.SmokeDetected
	}
	if len(r.Raw) > 0 {
		fields["raw"] = string(r.Raw)
	}

	point := influxdb2.NewPoint(MeasurementReading, map[string]string{"sensor_id": r.SensorID}, fields, r.Timestamp)
	if err := i.write.WritePoint(ctx, point); err != nil {
		return "", &PersistenceError{Op: OpWriteReading, Err: err}
	}
	return id, nil
}

// WriteAlert implements Gateway.
func (i *Influx) WriteAlert(ctx context.Context, e *alert.Event) (string, error) {
	id := uuid.NewString()
	tags := map[string]string{
		"sensor_id":  e.SensorID,
		"alert_type": string(e.Type),
		"severity":   string(e.Severity),
	}
	fields := map[string]interface{}{
		"id":      id,
		"message": e.Message,
		"value":   e.Value,
	}

	point := influxdb2.NewPoint(MeasurementAlert, tags, fields, e.Timestamp)
	if err := i.write.WritePoint(ctx, point); err != nil {
		return "", &PersistenceError{Op: OpWriteAlert, Err: err}
	}
	return id, nil
}

// Readings implements Gateway.
func (i *Influx) Readings(ctx context.Context, q Query) ([]*reading.SensorReading, error) {
	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryReadings, Err: err}
	}

	var out []*reading.SensorReading
	err = i.run(ctx, FluxQuery(i.bucket, MeasurementReading, q), func(rec *query.FluxRecord) {
		out = append(out, readingFromValues(rec.Time(), rec.Values()))
	})
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryReadings, Err: err}
	}
	return out, nil
}

// Alerts implements Gateway.
func (i *Influx) Alerts(ctx context.Context, q Query) ([]alert.Event, error) {
	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryAlerts, Err: err}
	}

	var out []alert.Event
	err = i.run(ctx, FluxQuery(i.bucket, MeasurementAlert, q), func(rec *query.FluxRecord) {
		out = append(out, alertFromValues(rec.Time(), rec.Values()))
	})
	if err != nil {
		return nil, &PersistenceError{Op: OpQueryAlerts, Err: err}
	}
	return out, nil
}

func (i *Influx) run(ctx context.Context, flux string, each func(*query.FluxRecord)) error {
	res, err := i.query.Query(ctx, flux)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := res.Close(); cerr != nil {
			i.logger.Debug("closing influx result", "error", cerr)
		}
	}()

	for res.Next() {
		each(res.Record())
	}
	return res.Err()
}

// Close implements Gateway.
func (i *Influx) Close() error {
	i.client.Close()
	return nil
}

// FluxQuery builds the range query for measurement, one row per point with
// fields pivoted into columns, newest first.
func FluxQuery(bucket, measurement string, q Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", strconv.Quote(bucket))
	// range stop is exclusive.
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		q.Start.UTC().Format(time.RFC3339Nano),
		q.End.Add(time.Nanosecond).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", strconv.Quote(measurement))
	if q.SensorID != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r.sensor_id == %s)\n", strconv.Quote(q.SensorID))
	}
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> group()\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	fmt.Fprintf(&b, "  |> limit(n: %d)\n", q.Limit)
	return b.String()
}

func readingFromValues(ts time.Time, v map[string]interface{}) *reading.SensorReading {
	r := &reading.SensorReading{
		Timestamp: ts.UTC(),
		SensorID:  stringValue(v["sensor_id"]),
	}
	if f, ok := floatValue(v["temperature"]); ok {
		r.Temperature = &f
	}
	if f, ok := floatValue(v["humidity"]); ok {
		r.Humidity = &f
	}
	if b, ok := v["motion_detected"].(bool); ok {
		r.MotionDetected = &b
	}
	if b, ok := v["smoke_detected"].(bool); ok {
		r.SmokeDetected = &b
	}
	if raw := stringValue(v["raw"]); raw != "" {
		r.Raw = []byte(raw)
	}
	return r
}

func alertFromValues(ts time.Time, v map[string]interface{}) alert.Event {
	return alert.Event{
		Timestamp: ts.UTC(),
		SensorID:  stringValue(v["sensor_id"]),
		Type:      alert.Type(stringValue(v["alert_type"])),
		Severity:  alert.Severity(stringValue(v["severity"])),
		Message:   stringValue(v["message"]),
		Value:     stringValue(v["value"]),
	}
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
