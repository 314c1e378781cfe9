package tunnel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds optional Prometheus instrumentation for a SessionManager.
// Spec §7/§8 note that no metrics are mandated by the core; this type
// exists so an embedder that cares can register it, while SessionManager
// treats a nil *Metrics as a no-op. Fields are exported gauges/counters
// so embedders can also read them directly in tests without scraping.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	ChannelsActive   prometheus.Gauge
	VisitorsTotal    prometheus.Counter
	VisitorsRejected prometheus.Counter
}

// NewMetrics builds a Metrics instance with the given namespace (e.g.
// "libtunnel") and registers every collector with reg. Passing a nil
// reg skips registration, which is useful in tests that just want the
// counters without a live registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live tunnel sessions.",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of live visitor<->client data channels across all sessions.",
		}),
		VisitorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitors_total",
			Help:      "Total number of visitor connections accepted.",
		}),
		VisitorsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitors_rejected_total",
			Help:      "Total number of visitor connections rejected (bad or missing token).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsActive, m.ChannelsActive, m.VisitorsTotal, m.VisitorsRejected)
	}
	return m
}

func (m *Metrics) incSessions() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) decSessions() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) incChannels() {
	if m != nil {
		m.ChannelsActive.Inc()
	}
}

func (m *Metrics) decChannels() {
	if m != nil {
		m.ChannelsActive.Dec()
	}
}

func (m *Metrics) visitorAccepted() {
	if m != nil {
		m.VisitorsTotal.Inc()
	}
}

func (m *Metrics) visitorRejected() {
	if m != nil {
		m.VisitorsRejected.Inc()
	}
}
