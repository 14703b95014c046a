package govarlink

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters/gauges a Listener updates as connections
// and calls pass through it. Construct with NewMetrics and register
// the result with whatever prometheus.Registerer the embedding
// program already uses; a nil *Metrics is valid everywhere and simply
// does nothing, so instrumentation is opt-in.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	callsDispatched     *prometheus.CounterVec
	protocolViolations  prometheus.Counter
}

// NewMetrics creates and registers the metric family on reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total varlink connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Varlink connections currently open.",
		}),
		callsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_dispatched_total",
			Help:      "Calls dispatched to a registered interface, by interface and method.",
		}, []string{"interface", "method"}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Connections torn down due to a malformed frame or out-of-order reply.",
		}),
	}
	reg.MustRegister(m.connectionsAccepted, m.connectionsActive, m.callsDispatched, m.protocolViolations)
	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) callDispatched(iface, method string) {
	if m == nil {
		return
	}
	m.callsDispatched.WithLabelValues(iface, method).Inc()
}

func (m *Metrics) violation() {
	if m == nil {
		return
	}
	m.protocolViolations.Inc()
}
