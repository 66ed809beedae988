package auth

import "github.com/prometheus/client_golang/prometheus"

// GateMetrics counts gate outcomes. A nil *GateMetrics is a no-op.
type GateMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewGateMetrics creates the gate counters and registers them with reg
// when reg is non-nil.
func NewGateMetrics(reg prometheus.Registerer) *GateMetrics {
	m := &GateMetrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "classmarket",
				Subsystem: "auth",
				Name:      "gate_outcomes_total",
				Help:      "Requests seen by the authentication gate, by final state and credential class.",
			},
			[]string{"outcome", "class"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes)
	}
	return m
}

func (m *GateMetrics) observe(outcome GateState, class string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome.String(), class).Inc()
}
