package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DeviceMetrics contains Prometheus metrics for the serial device reader.
type DeviceMetrics struct {
	LinesRead          prometheus.Counter
	ParseErrors        prometheus.Counter
	ReadingsProcessed  prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	TransportErrors    *prometheus.CounterVec
	ConnectionState    prometheus.Gauge
	ProcessingDuration prometheus.Histogram
}

// NewDeviceMetrics creates and registers device reader metrics.
func NewDeviceMetrics(namespace string) *DeviceMetrics {
	m := &DeviceMetrics{
		LinesRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "lines_read_total",
				Help:      "Total number of lines read from the device",
			},
		),
		ParseErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "parse_errors_total",
				Help:      "Total number of device lines dropped as malformed",
			},
		),
		ReadingsProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "readings_processed_total",
				Help:      "Total number of readings forwarded to the pipeline",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of device reconnection attempts",
			},
		),
		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "transport_errors_total",
				Help:      "Total number of device transport errors",
			},
			[]string{"op"}, // op: open, read
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "connection_state",
				Help:      "Current reader state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
			},
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "processing_duration_seconds",
				Help:      "Duration of processing one reading through the pipeline",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.LinesRead,
		m.ParseErrors,
		m.ReadingsProcessed,
		m.ReconnectAttempts,
		m.TransportErrors,
		m.ConnectionState,
		m.ProcessingDuration,
	)

	return m
}

// AlertMetrics contains Prometheus metrics for the alert evaluator.
type AlertMetrics struct {
	AlertsRaised *prometheus.CounterVec
}

// NewAlertMetrics creates and registers alert metrics.
func NewAlertMetrics(namespace string) *AlertMetrics {
	m := &AlertMetrics{
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "raised_total",
				Help:      "Total number of alerts raised",
			},
			[]string{"type", "severity"},
		),
	}

	MustRegister(m.AlertsRaised)

	return m
}
