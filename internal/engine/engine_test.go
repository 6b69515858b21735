package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/core"
	"github.com/tirs/engine/internal/enforcement"
	"github.com/tirs/engine/internal/fabric"
	"github.com/tirs/engine/internal/metrics"
)

// scenarioConfig tunes weights and bands so a surprisal-heavy intent
// against an established baseline crosses into enforcement while
// routine traffic stays nominal.
func scenarioConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Weights = config.SignalWeights{
		Embedding: 0.15,
		Surprisal: 0.60,
		Violation: 0.10,
		Velocity:  0.075,
		Context:   0.075,
	}
	cfg.Engine.Bands = config.RiskBands{
		Nominal:  0.15,
		Elevated: 0.20,
		Warning:  0.25,
		Critical: 0.35,
	}
	cfg.Forensics.SnapshotDir = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, Options{
		Store:   audit.NewMemoryStore(),
		Bus:     fabric.NewLocalEventBus(),
		Metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// quietTime is a Tuesday mid-morning: no context deviation.
var quietTime = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

// feedBaseline submits n routine expense intents one minute apart and
// requires every one of them to pass without enforcement.
func feedBaseline(t *testing.T, e *Engine, agentID string, n int) time.Time {
	t.Helper()
	at := quietTime
	for i := 0; i < n; i++ {
		res, err := e.AnalyzeIntent(context.Background(), IntentRequest{
			AgentID:      agentID,
			AgentType:    "finance",
			Text:         fmt.Sprintf("submit expense report lunch receipt %d dollars", 20+i%30),
			Capabilities: []string{"read_ledger", "submit_expense"},
			Allowed:      true,
			Role:         "employee",
			Timestamp:    at,
		})
		require.NoError(t, err)
		require.Nil(t, res.Enforcement, "baseline intent %d triggered enforcement at score %.3f", i, res.RiskScore)
		require.Equal(t, core.StateActive, res.RunState)
		at = at.Add(time.Minute)
	}
	return at
}

// hostileRequest is the never-before-seen capability escalation from an
// otherwise routine-looking intent.
func hostileRequest(agentID string, at time.Time) IntentRequest {
	return IntentRequest{
		AgentID:      agentID,
		AgentType:    "finance",
		Text:         "submit expense report dinner receipt 180 dollars",
		Capabilities: []string{"override_limit", "external_transfer", "bypass_approval"},
		Allowed:      true,
		Role:         "employee",
		Timestamp:    at,
	}
}

func countKind(entries []audit.Entry, kind audit.EventKind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestSurprisalEscalationScenario(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	at := feedBaseline(t, e, "finance_agent_42", 30)

	res, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at))
	require.NoError(t, err)

	// Capability surprisal dominates the composite.
	dominant := res.Signals[0]
	for _, s := range res.Signals[1:] {
		if s.Contribution > dominant.Contribution {
			dominant = s
		}
	}
	assert.Equal(t, core.SignalCapabilitySurprisal, dominant.Name)

	assert.GreaterOrEqual(t, res.RiskLevel.Rank(), core.RiskCritical.Rank())
	assert.Equal(t, core.RiskTerminal, res.RiskLevel)
	assert.NotEmpty(t, res.Anomalies)
	assert.Contains(t, res.Explanation, "never-seen")

	require.NotNil(t, res.Enforcement)
	assert.Equal(t, core.ActionKill, res.Enforcement.Action)
	assert.Equal(t, core.StateKilled, res.RunState)

	// Exactly one enforcement action and one evaluated-intent entry for
	// the escalation.
	assert.Len(t, e.EnforcementHistory("finance_agent_42", 0), 1)
	entries := e.AuditEntries(0)
	assert.Equal(t, 31, countKind(entries, audit.KindIntentEvaluated))
	assert.Equal(t, 1, countKind(entries, audit.KindEnforcement))
	assert.Equal(t, 1, countKind(entries, audit.KindSnapshot))

	status, err := e.GetAgentStatus("finance_agent_42")
	require.NoError(t, err)
	assert.Equal(t, core.StateKilled, status.RunState)
	assert.Equal(t, 31, status.IntentCount)
}

func TestKilledAgentShortCircuits(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	at := feedBaseline(t, e, "finance_agent_42", 30)
	_, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at))
	require.NoError(t, err)

	before := len(e.AuditEntries(0))
	res, err := e.AnalyzeIntent(context.Background(), IntentRequest{
		AgentID:      "finance_agent_42",
		AgentType:    "finance",
		Text:         "submit expense report coffee receipt 4 dollars",
		Capabilities: []string{"submit_expense"},
		Allowed:      true,
		Timestamp:    at.Add(time.Minute),
	})
	require.NoError(t, err)

	assert.Equal(t, core.RiskTerminal, res.RiskLevel)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Empty(t, res.Signals)
	assert.Equal(t, core.StateKilled, res.RunState)
	assert.Nil(t, res.Enforcement)

	// The rejected attempt is still audited.
	entries := e.AuditEntries(0)
	assert.Equal(t, before+1, len(entries))
	assert.Equal(t, 1, countKind(entries, audit.KindIntentRejected))

	// Enforcement fired once for the kill, never for rejections.
	assert.Len(t, e.EnforcementHistory("finance_agent_42", 0), 1)
}

func TestDeniedIntentsAreStillScored(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))

	at := quietTime
	for i := 0; i < 5; i++ {
		res, err := e.AnalyzeIntent(context.Background(), IntentRequest{
			AgentID:         "agent-7",
			AgentType:       "support",
			Text:            fmt.Sprintf("refund order %d beyond policy limit", i),
			Capabilities:    []string{"issue_refund"},
			Allowed:         false,
			PolicyTriggered: "refund_limit",
			Timestamp:       at,
		})
		require.NoError(t, err)
		assert.Greater(t, res.RiskScore, 0.0)
		at = at.Add(time.Minute)
	}

	// The denials shape the violation-rate signal of the next intent.
	res, err := e.AnalyzeIntent(context.Background(), IntentRequest{
		AgentID:      "agent-7",
		AgentType:    "support",
		Text:         "refund order within policy limit",
		Capabilities: []string{"issue_refund"},
		Allowed:      true,
		Timestamp:    at,
	})
	require.NoError(t, err)

	var violation core.Signal
	for _, s := range res.Signals {
		if s.Name == core.SignalViolationRate {
			violation = s
		}
	}
	assert.Greater(t, violation.Raw, 0.5)

	status, err := e.GetAgentStatus("agent-7")
	require.NoError(t, err)
	assert.Equal(t, 5, status.Violations)
}

func TestStateNeverRegressesWithoutResurrection(t *testing.T) {
	cfg := scenarioConfig(t)
	// Bands low enough that even routine intents sit in the critical
	// band, with an unreachable terminal edge.
	cfg.Engine.Bands = config.RiskBands{Nominal: 0.02, Elevated: 0.03, Warning: 0.04, Critical: 0.90}
	e := newTestEngine(t, cfg)

	res, err := e.AnalyzeIntent(context.Background(), IntentRequest{
		AgentID:      "agent-9",
		AgentType:    "support",
		Text:         "routine ticket triage",
		Capabilities: []string{"read_tickets"},
		Allowed:      true,
		Timestamp:    quietTime,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Enforcement)
	paused := res.RunState
	assert.GreaterOrEqual(t, stateOrder(paused), stateOrder(core.StatePaused))

	// Subsequent intents never loosen the state.
	for i := 0; i < 3; i++ {
		res, err = e.AnalyzeIntent(context.Background(), IntentRequest{
			AgentID:      "agent-9",
			AgentType:    "support",
			Text:         "routine ticket triage",
			Capabilities: []string{"read_tickets"},
			Allowed:      true,
			Timestamp:    quietTime.Add(time.Duration(i+1) * time.Minute),
		})
		require.NoError(t, err)
		assert.Nil(t, res.Enforcement)
		assert.GreaterOrEqual(t, stateOrder(res.RunState), stateOrder(paused))
	}
}

func stateOrder(s core.RunState) int {
	switch s {
	case core.StateActive, core.StateResurrected:
		return 0
	case core.StateThrottled:
		return 1
	case core.StatePaused:
		return 2
	case core.StateQuarantined:
		return 3
	case core.StateKilled:
		return 4
	}
	return -1
}

func TestAppealAndResurrection(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	at := feedBaseline(t, e, "finance_agent_42", 30)
	res, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at))
	require.NoError(t, err)
	require.NotNil(t, res.Enforcement)

	appeal, err := e.SubmitResurrectionAppeal("finance_agent_42", "alice", "task was pre-approved", res.Enforcement.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AppealPending, appeal.Status)

	decided, err := e.DecideAppeal(appeal.ID, "admin-1", "verified the approval", true)
	require.NoError(t, err)
	assert.Equal(t, core.AppealApproved, decided.Status)

	status, err := e.GetAgentStatus("finance_agent_42")
	require.NoError(t, err)
	assert.Equal(t, core.StateResurrected, status.RunState)
	assert.Equal(t, 1, status.Resurrections)
	assert.Equal(t, 31, status.IntentCount, "cumulative counters survive resurrection")

	// The agent evaluates normally again.
	res, err = e.AnalyzeIntent(context.Background(), IntentRequest{
		AgentID:      "finance_agent_42",
		AgentType:    "finance",
		Text:         "submit expense report lunch receipt 25 dollars",
		Capabilities: []string{"read_ledger", "submit_expense"},
		Allowed:      true,
		Timestamp:    at.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Signals)
	assert.NotEqual(t, core.RiskTerminal, res.RiskLevel)
}

func TestAppealRequiresKilledAgent(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	feedBaseline(t, e, "finance_agent_42", 3)

	_, err := e.SubmitResurrectionAppeal("finance_agent_42", "alice", "just in case", "")
	assert.ErrorIs(t, err, enforcement.ErrNotKilled)

	_, err = e.SubmitResurrectionAppeal("ghost-agent", "alice", "never existed", "")
	assert.ErrorIs(t, err, ErrAgentUnknown)
}

func TestResurrectionLimit(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Engine.MaxResurrections = 1
	e := newTestEngine(t, cfg)

	at := feedBaseline(t, e, "finance_agent_42", 30)
	_, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at))
	require.NoError(t, err)

	_, err = e.ResurrectAgent("finance_agent_42", "admin-1", "first chance")
	require.NoError(t, err)

	// The same escalation kills the agent again.
	res, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at.Add(time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, res.Enforcement)
	require.Equal(t, core.StateKilled, res.RunState)

	// The (max+1)-th resurrection is rejected.
	_, err = e.ResurrectAgent("finance_agent_42", "admin-1", "second chance")
	assert.ErrorIs(t, err, enforcement.ErrResurrectionLimit)
}

func TestVerifyAuditChainClean(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	feedBaseline(t, e, "finance_agent_42", 5)

	report, err := e.VerifyAuditChain()
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Entries)
}

func TestRiskDashboard(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	at := feedBaseline(t, e, "finance_agent_42", 30)
	_, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at))
	require.NoError(t, err)
	feedBaseline(t, e, "finance_agent_43", 3)

	dash := e.GetRiskDashboard()
	assert.Equal(t, 2, dash.TotalAgents)
	assert.Equal(t, 1, dash.StateCounts[core.StateKilled])
	assert.Equal(t, 1, dash.StateCounts[core.StateActive])
	require.NotEmpty(t, dash.TopRisky)
	assert.Equal(t, "finance_agent_42", dash.TopRisky[0].AgentID)
	assert.Greater(t, dash.AuditSequence, uint64(0))
	assert.NotEmpty(t, dash.AuditHeadHash)
}

func TestExportForensics(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	at := feedBaseline(t, e, "finance_agent_42", 30)
	_, err := e.AnalyzeIntent(context.Background(), hostileRequest("finance_agent_42", at))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, e.ExportAgentForensics("finance_agent_42", out))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "finance_agent_42")

	assert.ErrorIs(t, e.ExportAgentForensics("ghost-agent", out), ErrAgentUnknown)
}

func TestUnknownAgentStatus(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))
	_, err := e.GetAgentStatus("nobody")
	assert.ErrorIs(t, err, ErrAgentUnknown)
}

func TestRequestValidation(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(t))

	_, err := e.AnalyzeIntent(context.Background(), IntentRequest{Text: "no agent"})
	assert.Error(t, err)
	_, err = e.AnalyzeIntent(context.Background(), IntentRequest{AgentID: "agent-1"})
	assert.Error(t, err)
}
