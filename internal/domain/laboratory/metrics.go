package laboratory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are counted after commit, so rolled back attempts never show up.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	results     prometheus.Counter
	conflicts   *prometheus.CounterVec
}

// NewMetrics registers the laboratory collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_order_transitions_total",
			Help: "Committed status transitions by entity and target status.",
		}, []string{"entity", "from", "to"}),
		results: f.NewCounter(prometheus.CounterOpts{
			Name: "lis_results_recorded_total",
			Help: "Analysis results recorded.",
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_tx_conflicts_total",
			Help: "Transactions retried after a concurrent modification.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) transition(entity, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, from, to).Inc()
}

func (m *Metrics) resultRecorded() {
	if m == nil {
		return
	}
	m.results.Inc()
}

func (m *Metrics) conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}
