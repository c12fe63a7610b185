package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics contains Prometheus metrics for the broadcast hub.
type HubMetrics struct {
	Subscribers        *prometheus.GaugeVec
	MessagesPublished  *prometheus.CounterVec
	MessagesDelivered  *prometheus.CounterVec
	SubscribersDropped *prometheus.CounterVec
}

// NewHubMetrics creates and registers broadcast hub metrics.
func NewHubMetrics(namespace string) *HubMetrics {
	m := &HubMetrics{
		Subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "subscribers",
				Help:      "Number of subscribers currently attached to a channel",
			},
			[]string{"channel"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "messages_published_total",
				Help:      "Total number of messages published on a channel",
			},
			[]string{"channel"},
		),
		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "messages_delivered_total",
				Help:      "Total number of messages queued to subscribers",
			},
			[]string{"channel"},
		),
		SubscribersDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "subscribers_dropped_total",
				Help:      "Total number of subscribers removed by the hub",
			},
			[]string{"channel", "reason"}, // reason: slow, closed
		),
	}

	MustRegister(
		m.Subscribers,
		m.MessagesPublished,
		m.MessagesDelivered,
		m.SubscribersDropped,
	)

	return m
}
