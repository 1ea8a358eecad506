package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts evaluation and publish outcomes. A nil *Metrics records
// nothing.
type Metrics struct {
	Evaluations     prometheus.Counter
	AlertsDetected  *prometheus.CounterVec
	AlertsPublished prometheus.Counter
	PublishFailures prometheus.Counter
}

// NewMetrics registers the monitor counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_evaluations_total",
			Help: "Completed margin health evaluations.",
		}),
		AlertsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marginwatch_alerts_detected_total",
			Help: "Alert-worthy transitions detected, by event type.",
		}, []string{"event_type"}),
		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_alerts_published_total",
			Help: "Alert events published to the broker.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_publish_failures_total",
			Help: "Alert events that failed to publish.",
		}),
	}
	reg.MustRegister(m.Evaluations, m.AlertsDetected, m.AlertsPublished, m.PublishFailures)
	return m
}

func (m *Metrics) evaluation() {
	if m != nil {
		m.Evaluations.Inc()
	}
}

func (m *Metrics) detected(eventType string) {
	if m != nil {
		m.AlertsDetected.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.AlertsPublished.Inc()
	}
}

func (m *Metrics) publishFailure() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}
