// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as label values.
const (
	DropMalformed  = "malformed"
	DropNotFound   = "not_found"
	DropNoHost     = "no_host"
	DropTooLarge   = "too_large"
	DropSelfTarget = "self_target"
)

// Directions used as label values.
const (
	ToHost   = "to_host"
	ToClient = "to_client"
	Topology = "topology"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	members       prometheus.Gauge
	hostPresent   prometheus.Gauge
	admitted      prometheus.Counter
	rejected      prometheus.Counter
	evicted       *prometheus.CounterVec
	messages      *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
}

// New registers the relay collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "hostrelay"
	}
	factory := promauto.With(reg)

	return &Metrics{
		members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Number of registered peer connections",
		}),
		hostPresent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_present",
			Help:      "1 while a host is connected, 0 otherwise",
		}),
		admitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_total",
			Help:      "Total number of admitted connections",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Total number of connections closed because the relay was full",
		}),
		evicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_total",
			Help:      "Total number of evicted connections",
		}, []string{"role"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of messages written",
		}, []string{"direction"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total number of bytes written",
		}, []string{"direction"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Total number of dropped messages",
		}, []string{"reason"}),
		writeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Total number of failed writes",
		}, []string{"direction"}),
	}
}

func (m *Metrics) Admitted(host bool) {
	if m == nil {
		return
	}
	m.admitted.Inc()
	m.members.Inc()
	if host {
		m.hostPresent.Set(1)
	}
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) Evicted(host bool) {
	if m == nil {
		return
	}
	role := "client"
	if host {
		role = "host"
		m.hostPresent.Set(0)
	}
	m.evicted.WithLabelValues(role).Inc()
	m.members.Dec()
}

// Sent records a successful write of n bytes.
func (m *Metrics) Sent(direction string, n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WriteFailed(direction string) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(direction).Inc()
}
