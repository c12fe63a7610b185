package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics contains Prometheus metrics for live subscriber sessions of
// every transport, including the broker relays.
type SessionMetrics struct {
	Active         *prometheus.GaugeVec
	DeliveryErrors *prometheus.CounterVec
}

// NewSessionMetrics creates and registers subscriber session metrics.
func NewSessionMetrics(namespace string) *SessionMetrics {
	m := &SessionMetrics{
		Active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of live subscriber sessions",
			},
			[]string{"transport"}, // transport: websocket, sse, grpc, amqp, mqtt
		),
		DeliveryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "delivery_errors_total",
				Help:      "Total number of sessions ended by a delivery error",
			},
			[]string{"transport"},
		),
	}

	MustRegister(m.Active, m.DeliveryErrors)

	return m
}
