package syncserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts sync server traffic.
type Metrics struct {
	requests *prometheus.CounterVec
	received prometheus.Counter
	served   prometheus.Counter
	pushed   prometheus.Counter
	devices  prometheus.Gauge
}

// NewMetrics registers server collectors on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usercache",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Sync requests by operation and outcome.",
		}, []string{"op", "transport", "result"}),
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "usercache",
			Subsystem: "server",
			Name:      "entries_received_total",
			Help:      "Entries stored from device uploads.",
		}),
		served: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "usercache",
			Subsystem: "server",
			Name:      "entries_served_total",
			Help:      "Entries returned to device downloads.",
		}),
		pushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "usercache",
			Subsystem: "server",
			Name:      "documents_pushed_total",
			Help:      "Documents published to device outboxes.",
		}),
		devices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "usercache",
			Subsystem: "server",
			Name:      "devices_open",
			Help:      "Devices with open stores.",
		}),
	}
}

func (m *Metrics) observe(op, transport string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(op, transport, result).Inc()
}

func (m *Metrics) addReceived(n int) {
	if m != nil {
		m.received.Add(float64(n))
	}
}

func (m *Metrics) addServed(n int) {
	if m != nil {
		m.served.Add(float64(n))
	}
}

func (m *Metrics) incPushed() {
	if m != nil {
		m.pushed.Inc()
	}
}

func (m *Metrics) setDevices(n int) {
	if m != nil {
		m.devices.Set(float64(n))
	}
}
