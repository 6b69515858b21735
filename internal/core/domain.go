// Package core holds the shared domain types of the TIRS risk engine.
package core

import "time"

// RiskLevel is the band a composite risk score falls into.
type RiskLevel string

const (
	RiskNominal  RiskLevel = "nominal"
	RiskElevated RiskLevel = "elevated"
	RiskWarning  RiskLevel = "warning"
	RiskCritical RiskLevel = "critical"
	RiskTerminal RiskLevel = "terminal"
)

// Rank orders risk levels for escalation comparisons.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskNominal:
		return 0
	case RiskElevated:
		return 1
	case RiskWarning:
		return 2
	case RiskCritical:
		return 3
	case RiskTerminal:
		return 4
	}
	return -1
}

// RunState is the externally visible operational state of an agent.
type RunState string

const (
	StateActive      RunState = "active"
	StateThrottled   RunState = "throttled"
	StatePaused      RunState = "paused"
	StateQuarantined RunState = "quarantined"
	StateKilled      RunState = "killed"
	StateResurrected RunState = "resurrected"
)

// EnforcementVerb identifies the action the executor applied.
type EnforcementVerb string

const (
	ActionThrottle   EnforcementVerb = "throttle"
	ActionPause      EnforcementVerb = "pause"
	ActionQuarantine EnforcementVerb = "quarantine"
	ActionKill       EnforcementVerb = "kill"
	ActionResurrect  EnforcementVerb = "resurrect"
)

// IntentRecord is one proposed agent action after evaluation.
// Immutable once created; owned by the drift profile's bounded history window.
type IntentRecord struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Timestamp       time.Time `json:"timestamp"`
	Text            string    `json:"text"`
	Embedding       []float64 `json:"-"`
	Capabilities    []string  `json:"capabilities"`
	Allowed         bool      `json:"allowed"`
	PolicyTriggered string    `json:"policy_triggered,omitempty"`
	RiskScore       float64   `json:"risk_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
}

// BusinessContext carries the request-time environment used by the
// contextual deviation signal and threshold adjustment. Derived fresh
// per request, never persisted.
type BusinessContext struct {
	Timestamp  time.Time `json:"timestamp"`
	Hour       int       `json:"hour"`
	AfterHours bool      `json:"after_hours"`
	Weekend    bool      `json:"weekend"`
	Holiday    bool      `json:"holiday"`
	Role       string    `json:"role"` // "employee", "contractor", "external"
	Sensitive  bool      `json:"sensitive"`
}

// Signal is one named, weighted contribution to a composite risk score.
type Signal struct {
	Name         string  `json:"name"`
	Raw          float64 `json:"raw"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Explanation  string  `json:"explanation"`
}

// Signal names emitted by the drift detector.
const (
	SignalEmbeddingDrift      = "embedding_drift"
	SignalCapabilitySurprisal = "capability_surprisal"
	SignalViolationRate       = "violation_rate"
	SignalVelocityAnomaly     = "velocity_anomaly"
	SignalContextDeviation    = "context_deviation"
)

// EnforcementAction records one throttle/pause/quarantine/kill decision.
type EnforcementAction struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Action    EnforcementVerb `json:"action"`
	FromState RunState        `json:"from_state"`
	ToState   RunState        `json:"to_state"`
	Reason    string          `json:"reason"`
	RiskScore float64         `json:"risk_score"`
	Timestamp time.Time       `json:"timestamp"`
}

// RemediationStep is one corrective action with its projected effect.
type RemediationStep struct {
	Priority       int     `json:"priority"`
	Signal         string  `json:"signal"`
	Action         string  `json:"action"`
	Description    string  `json:"description"`
	ExpectedImpact float64 `json:"expected_impact"` // fractional risk reduction
}

// RemediationPlan is an ordered list of steps derived from the top
// contributing signals of one evaluation. Reductions compound with
// diminishing returns and never push the projection below zero.
type RemediationPlan struct {
	AgentID      string            `json:"agent_id"`
	IntentID     string            `json:"intent_id"`
	CurrentScore float64           `json:"current_score"`
	TargetScore  float64           `json:"target_score"`
	Steps        []RemediationStep `json:"steps"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AppealStatus tracks a resurrection appeal through its lifecycle.
type AppealStatus string

const (
	AppealPending  AppealStatus = "pending"
	AppealApproved AppealStatus = "approved"
	AppealDenied   AppealStatus = "denied"
)

// AppealRequest is a human-submitted request to resurrect a killed agent.
type AppealRequest struct {
	ID            string       `json:"id"`
	AgentID       string       `json:"agent_id"`
	RequestedBy   string       `json:"requested_by"`
	Justification string       `json:"justification"`
	EnforcementID string       `json:"enforcement_id"`
	Status        AppealStatus `json:"status"`
	DecidedBy     string       `json:"decided_by,omitempty"`
	DecisionNote  string       `json:"decision_note,omitempty"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	DecidedAt     *time.Time   `json:"decided_at,omitempty"`
}

// AnalysisResult is the unified outcome of one intent evaluation.
type AnalysisResult struct {
	IntentID      string             `json:"intent_id"`
	AgentID       string             `json:"agent_id"`
	RiskScore     float64            `json:"risk_score"`
	RiskLevel     RiskLevel          `json:"risk_level"`
	Confidence    float64            `json:"confidence"`
	Signals       []Signal           `json:"signals"`
	Anomalies     []string           `json:"anomalies,omitempty"`
	Explanation   string             `json:"explanation"`
	RunState      RunState           `json:"run_state"`
	Enforcement   *EnforcementAction `json:"enforcement,omitempty"`
	Remediation   *RemediationPlan   `json:"remediation,omitempty"`
	AuditSequence uint64             `json:"audit_sequence"`
	Timestamp     time.Time          `json:"timestamp"`
}

// AgentStatus is the caller-facing view of one agent.
type AgentStatus struct {
	AgentID       string    `json:"agent_id"`
	RunState      RunState  `json:"run_state"`
	LatestScore   float64   `json:"latest_score"`
	MeanScore     float64   `json:"mean_score"`
	IntentCount   int       `json:"intent_count"`
	Violations    int       `json:"violations"`
	Resurrections int       `json:"resurrections"`
	LastIntentAt  time.Time `json:"last_intent_at"`
}

// Dashboard aggregates system-wide risk posture for operators.
type Dashboard struct {
	TotalAgents    int              `json:"total_agents"`
	StateCounts    map[RunState]int `json:"state_counts"`
	TopRisky       []AgentStatus    `json:"top_risky"`
	PendingAppeals int              `json:"pending_appeals"`
	AuditSequence  uint64           `json:"audit_sequence"`
	AuditHeadHash  string           `json:"audit_head_hash"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// Clip01 clamps v into [0,1]. Every signal and composite score passes
// through this before leaving the detector.
func Clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
