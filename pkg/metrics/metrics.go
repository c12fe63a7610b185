// Package metrics provides Prometheus metrics collection for the sensor monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric unless configured otherwise.
const DefaultNamespace = "sensor_monitor"

// Registry is the process-wide Prometheus registry for all metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the process-wide registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// Set bundles every metric group used by the monitor.
type Set struct {
	Device  *DeviceMetrics
	Alerts  *AlertMetrics
	Hub     *HubMetrics
	Session *SessionMetrics
	Store   *StoreMetrics
	HTTP    *HTTPMetrics
	GRPC    *GRPCMetrics
	MQ      *MQMetrics
}

// NewSet creates and registers all metric groups under namespace.
func NewSet(namespace string) *Set {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Set{
		Device:  NewDeviceMetrics(namespace),
		Alerts:  NewAlertMetrics(namespace),
		Hub:     NewHubMetrics(namespace),
		Session: NewSessionMetrics(namespace),
		Store:   NewStoreMetrics(namespace),
		HTTP:    NewHTTPMetrics(namespace),
		GRPC:    NewGRPCMetrics(namespace),
		MQ:      NewMQMetrics(namespace),
	}
}
