package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConsumerMetrics exposes pipeline counters so operators observe poison
// messages and handler failures instead of crashes. A nil *ConsumerMetrics is
// valid and records nothing.
type ConsumerMetrics struct {
	Received        prometheus.Counter
	Handled         prometheus.Counter
	PoisonMessages  prometheus.Counter
	HandlerFailures prometheus.Counter
}

// NewConsumerMetrics registers the consumer counters on reg.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	m := &ConsumerMetrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_consumer_messages_received_total",
			Help: "Messages received from the alert topic.",
		}),
		Handled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_consumer_messages_handled_total",
			Help: "Messages handled and acknowledged.",
		}),
		PoisonMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_consumer_poison_messages_total",
			Help: "Undecodable messages permanently rejected.",
		}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginwatch_consumer_handler_failures_total",
			Help: "Handler errors that triggered redelivery.",
		}),
	}
	reg.MustRegister(m.Received, m.Handled, m.PoisonMessages, m.HandlerFailures)
	return m
}

func (m *ConsumerMetrics) received() {
	if m != nil {
		m.Received.Inc()
	}
}

func (m *ConsumerMetrics) handled() {
	if m != nil {
		m.Handled.Inc()
	}
}

func (m *ConsumerMetrics) poison() {
	if m != nil {
		m.PoisonMessages.Inc()
	}
}

func (m *ConsumerMetrics) handlerFailure() {
	if m != nil {
		m.HandlerFailures.Inc()
	}
}
