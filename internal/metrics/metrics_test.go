package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tirs/engine/internal/core"
)

func TestRecordEvaluation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordEvaluation("finance", core.RiskCritical, 0.8, 0.002)
	m.RecordEvaluation("finance", core.RiskCritical, 0.82, 0.002)
	m.RecordEvaluation("legal", core.RiskNominal, 0.1, 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IntentEvaluations.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntentEvaluations.WithLabelValues("nominal")))
}

func TestSetRunStateIsExclusive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetRunState("agent-1", core.StateActive)
	m.SetRunState("agent-1", core.StatePaused)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.AgentRunState.WithLabelValues("agent-1", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentRunState.WithLabelValues("agent-1", "paused")))
}

func TestChainValidGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetChainValid(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainValid))
	m.SetChainValid(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChainValid))
}
