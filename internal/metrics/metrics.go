// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tirs/engine/internal/core"
)

// Metrics holds all Prometheus metrics for the risk engine.
type Metrics struct {
	// Evaluation metrics
	IntentEvaluations *prometheus.CounterVec
	RiskScore         *prometheus.HistogramVec
	EvaluationSeconds prometheus.Histogram

	// Enforcement metrics
	EnforcementActions *prometheus.CounterVec
	AgentRunState      *prometheus.GaugeVec

	// Audit metrics
	AuditAppends prometheus.Counter
	ChainValid   prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. Use
// prometheus.DefaultRegisterer in the server; tests pass their own
// registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntentEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tirs_intent_evaluations_total",
				Help: "Total intents evaluated, by resulting risk level",
			},
			[]string{"risk_level"}, // nominal, elevated, warning, critical, terminal
		),

		RiskScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tirs_risk_score",
				Help:    "Composite risk score distribution by agent type",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.85, 1.0},
			},
			[]string{"agent_type"},
		),

		EvaluationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tirs_evaluation_duration_seconds",
				Help:    "Wall time of one intent evaluation",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),

		EnforcementActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tirs_enforcement_actions_total",
				Help: "Total enforcement actions applied, by verb",
			},
			[]string{"action"}, // throttle, pause, quarantine, kill, resurrect
		),

		AgentRunState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tirs_agent_run_state",
				Help: "Current run-state per agent (1 for the active state, 0 otherwise)",
			},
			[]string{"agent_id", "state"},
		),

		AuditAppends: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tirs_audit_appends_total",
				Help: "Total entries appended to the audit chain",
			},
		),

		ChainValid: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tirs_audit_chain_valid",
				Help: "1 when the last chain verification passed, 0 when tampering was detected",
			},
		),
	}
}

// RecordEvaluation records one completed intent evaluation.
func (m *Metrics) RecordEvaluation(agentType string, level core.RiskLevel, score, seconds float64) {
	m.IntentEvaluations.WithLabelValues(string(level)).Inc()
	m.RiskScore.WithLabelValues(agentType).Observe(score)
	m.EvaluationSeconds.Observe(seconds)
}

// RecordEnforcement records one applied enforcement action.
func (m *Metrics) RecordEnforcement(action core.EnforcementVerb) {
	m.EnforcementActions.WithLabelValues(string(action)).Inc()
}

// SetRunState flips the per-agent state gauges so exactly one state
// reads 1 for the agent.
func (m *Metrics) SetRunState(agentID string, state core.RunState) {
	states := []core.RunState{
		core.StateActive, core.StateThrottled, core.StatePaused,
		core.StateQuarantined, core.StateKilled, core.StateResurrected,
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.AgentRunState.WithLabelValues(agentID, string(s)).Set(v)
	}
}

// RecordAuditAppend counts one durable audit append.
func (m *Metrics) RecordAuditAppend() {
	m.AuditAppends.Inc()
}

// SetChainValid records the outcome of the last chain verification.
func (m *Metrics) SetChainValid(valid bool) {
	if valid {
		m.ChainValid.Set(1)
		return
	}
	m.ChainValid.Set(0)
}
