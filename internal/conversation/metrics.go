package conversation

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts orchestrator outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	recoveries prometheus.Counter
	conflicts  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "conversation",
			Name:      "messages_total",
			Help:      "Processed inbound messages by outcome kind.",
		}, []string{"outcome"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "conversation",
			Name:      "stale_recoveries_total",
			Help:      "Stale unanswered user messages answered before a new turn.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "conversation",
			Name:      "version_conflicts_total",
			Help:      "Conditional updates that lost to a concurrent writer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.recoveries, m.conflicts)
	}
	return m
}

func (m *Metrics) outcome(res Result, err error) {
	if m == nil {
		return
	}
	label := "ok"
	switch {
	case err != nil:
		label = string(KindOf(err))
	case res.IsDuplicate:
		label = "duplicate"
	}
	m.outcomes.WithLabelValues(label).Inc()
}

func (m *Metrics) recovered() {
	if m != nil {
		m.recoveries.Inc()
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}
