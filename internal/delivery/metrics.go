package delivery

import "github.com/prometheus/client_golang/prometheus"

// Submit outcomes, used as the "outcome" label.
const (
	OutcomeDelivered = "delivered"
	OutcomeSent      = "sent"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
)

// Metrics holds delivery counters.
type Metrics struct {
	submitted    *prometheus.CounterVec
	seen         prometheus.Counter
	resubscribes prometheus.Counter
	activeViews  prometheus.Gauge
}

// NewMetrics creates the delivery collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "messages_submitted_total",
			Help:      "Submitted messages by final outcome.",
		}, []string{"outcome"}),
		seen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "messages_seen_total",
			Help:      "Messages moved from DELIVERED to SEEN.",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "view_resubscribes_total",
			Help:      "Conversation views that lost their subscription and reconnected.",
		}),
		activeViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duochat",
			Name:      "active_views",
			Help:      "Open conversation views.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.seen, m.resubscribes, m.activeViews)
	}
	return m
}
