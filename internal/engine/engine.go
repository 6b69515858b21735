// Package engine is the façade over the risk core: it owns the per-agent
// profile registry and runs the full evaluate-enforce-audit cycle for
// every intent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tirs/engine/internal/adaptive"
	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/core"
	"github.com/tirs/engine/internal/drift"
	"github.com/tirs/engine/internal/embedding"
	"github.com/tirs/engine/internal/enforcement"
	"github.com/tirs/engine/internal/fabric"
	"github.com/tirs/engine/internal/forensics"
	"github.com/tirs/engine/internal/metrics"
	"github.com/tirs/engine/internal/temporal"
)

// ErrAgentUnknown is returned for operations on an agent that has never
// submitted an intent.
var ErrAgentUnknown = errors.New("agent unknown")

const systemActor = "tirs-engine"

// velocityWindow is how far back the velocity tracker's recent-rate
// window reaches.
const velocityWindow = 5 * time.Minute

// dashboardTopRisky bounds the dashboard's riskiest-agents list.
const dashboardTopRisky = 5

// IntentRequest is one proposed agent action submitted for evaluation.
// Allowed and PolicyTriggered carry the outer policy layer's verdict:
// denied intents are still scored and still shape the profile.
type IntentRequest struct {
	AgentID         string    `json:"agent_id"`
	AgentType       string    `json:"agent_type"`
	Text            string    `json:"text"`
	Capabilities    []string  `json:"capabilities"`
	Allowed         bool      `json:"allowed"`
	PolicyTriggered string    `json:"policy_triggered,omitempty"`
	Role            string    `json:"role,omitempty"`
	Sensitive       bool      `json:"sensitive,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// Options carries the pluggable pieces of an Engine. Store is required;
// everything else may be nil.
type Options struct {
	Model   embedding.Embedder // semantic embedder; nil falls back to deterministic vectors
	Store   audit.Store
	Bus     fabric.EventBus
	Metrics *metrics.Metrics
}

// Engine wires the drift detector, adaptive thresholds, behavioral
// matcher, enforcement executor, audit chain, and forensics into one
// synchronous evaluation pipeline. Constructed explicitly; there are no
// package-level singletons.
type Engine struct {
	cfg *config.Config

	embedder   *embedding.Provider
	detector   *drift.Detector
	adjuster   *drift.ContextualAdjuster
	velocity   *temporal.VelocityTracker
	thresholds *adaptive.DynamicThresholds
	matcher    *adaptive.Matcher

	executor  *enforcement.Executor
	appeals   *enforcement.AppealManager
	chain     *audit.Chain
	timeline  *forensics.Timeline
	snapshots *forensics.SnapshotManager

	bus     fabric.EventBus
	metrics *metrics.Metrics

	mu       sync.RWMutex
	profiles map[string]*drift.Profile
}

// New validates the config and assembles the engine. Configuration
// errors fail here, not at first use.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if opts.Store == nil {
		return nil, errors.New("engine requires an audit store")
	}

	embedder, err := embedding.NewProvider(cfg.Engine.Embedding.Dimension, cfg.Engine.Embedding.CacheSize, opts.Model)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	chain, err := audit.NewChain(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("audit chain: %w", err)
	}

	velocity := temporal.NewVelocityTracker(velocityWindow)
	timeline := forensics.NewTimeline(time.Duration(cfg.Forensics.PatternWindowMinutes) * time.Minute)
	snapshots := forensics.NewSnapshotManager(cfg.Forensics.SnapshotDir, timeline)

	e := &Engine{
		cfg:        cfg,
		embedder:   embedder,
		detector:   drift.NewDetector(cfg.Engine, velocity),
		adjuster:   drift.NewContextualAdjuster(),
		velocity:   velocity,
		thresholds: adaptive.NewDynamicThresholds(cfg.Engine.Bands, cfg.Adaptive),
		matcher:    adaptive.NewMatcher(cfg.Behavior),
		appeals:    enforcement.NewAppealManager(chain, timeline, cfg.Engine.MaxResurrections),
		chain:      chain,
		timeline:   timeline,
		snapshots:  snapshots,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		profiles:   make(map[string]*drift.Profile),
	}
	e.executor = enforcement.NewExecutor(chain, timeline, snapshots, e)
	return e, nil
}

// EnforcementApplied bridges executor transitions to metrics and the
// event fabric. Implements enforcement.Notifier.
func (e *Engine) EnforcementApplied(action core.EnforcementAction) {
	if e.metrics != nil {
		e.metrics.RecordEnforcement(action.Action)
		e.metrics.SetRunState(action.AgentID, action.ToState)
	}
	e.publish(fabric.EventEnforcement, action.AgentID, map[string]interface{}{
		"enforcement_id": action.ID,
		"action":         string(action.Action),
		"from_state":     string(action.FromState),
		"to_state":       string(action.ToState),
		"risk_score":     action.RiskScore,
		"reason":         action.Reason,
	})
}

// AnalyzeIntent runs the full evaluation pipeline for one intent. A
// killed agent short-circuits to a fixed terminal verdict without signal
// computation; the rejected attempt is still audited.
func (e *Engine) AnalyzeIntent(ctx context.Context, req IntentRequest) (*core.AnalysisResult, error) {
	if req.AgentID == "" {
		return nil, errors.New("agent_id is required")
	}
	if req.Text == "" {
		return nil, errors.New("intent text is required")
	}
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	started := time.Now()

	p := e.profileFor(req.AgentID, req.AgentType)
	p.Lock()
	defer p.Unlock()

	if p.State == core.StateKilled {
		return e.rejectKilled(p, req, now)
	}

	emb, err := e.embedder.Embed(req.Text)
	if err != nil {
		// Failed embeddings degrade to the neutral-contribution path.
		slog.Warn("[Engine] embedding failed", "agent_id", req.AgentID, "error", err)
		emb = nil
	}
	bctx := drift.DeriveContext(now, req.Role, req.Sensitive, nil)

	signals, score := e.detector.Evaluate(p, emb, req.Capabilities, bctx, now)
	confidence := e.detector.Confidence(p)

	bands := e.thresholds.ActiveFor(req.AgentID, req.AgentType)
	bands = e.adjuster.Adjust(bands, bctx)
	level := bands.LevelFor(score)

	anomalies := e.matcher.Check(req.AgentID, req.Capabilities, score, bctx.Hour)

	intentID := uuid.New().String()
	rec := &core.IntentRecord{
		ID:              intentID,
		AgentID:         req.AgentID,
		Timestamp:       now,
		Text:            req.Text,
		Embedding:       emb,
		Capabilities:    req.Capabilities,
		Allowed:         req.Allowed,
		PolicyTriggered: req.PolicyTriggered,
		RiskScore:       score,
		RiskLevel:       level,
	}
	p.Observe(rec)
	e.velocity.Record(req.AgentID, now)
	e.matcher.Observe(req.AgentID, req.AgentType, req.Capabilities, score, bctx.Hour)
	e.thresholds.Record(req.AgentID, score, now)

	intentEvent := e.recordIntentTimeline(rec, level, anomalies)

	result := &core.AnalysisResult{
		IntentID:    intentID,
		AgentID:     req.AgentID,
		RiskScore:   score,
		RiskLevel:   level,
		Confidence:  confidence,
		Signals:     signals,
		Anomalies:   anomalies,
		Explanation: drift.Explain(score, level, signals, bctx),
		Timestamp:   now,
	}

	if verb, ok := enforcement.VerbFor(level, len(anomalies) > 0); ok {
		action, err := e.executor.Apply(p, verb, systemActor,
			fmt.Sprintf("risk %.2f in %s band", score, level), score, intentEvent)
		if err != nil {
			return nil, fmt.Errorf("enforce %s: %w", verb, err)
		}
		result.Enforcement = action
	}
	if level == core.RiskWarning || level == core.RiskCritical {
		result.Remediation = enforcement.BuildPlan(req.AgentID, intentID, score, signals)
	}
	result.RunState = p.State

	entry, err := e.auditEvaluation(rec, result)
	if err != nil {
		return nil, err
	}
	result.AuditSequence = entry.Sequence

	if e.metrics != nil {
		e.metrics.RecordEvaluation(req.AgentType, level, score, time.Since(started).Seconds())
		e.metrics.SetRunState(req.AgentID, p.State)
	}
	e.publish(fabric.EventIntentEvaluated, req.AgentID, map[string]interface{}{
		"intent_id":  intentID,
		"risk_score": score,
		"risk_level": string(level),
		"run_state":  string(p.State),
	})
	return result, nil
}

// rejectKilled is the killed-agent fast path: fixed terminal verdict,
// full confidence, no signal computation, and the attempt is audited.
func (e *Engine) rejectKilled(p *drift.Profile, req IntentRequest, now time.Time) (*core.AnalysisResult, error) {
	result := &core.AnalysisResult{
		IntentID:    uuid.New().String(),
		AgentID:     req.AgentID,
		RiskScore:   1.0,
		RiskLevel:   core.RiskTerminal,
		Confidence:  1.0,
		Explanation: fmt.Sprintf("agent is killed (%s); intent rejected without evaluation", p.KillReason),
		RunState:    core.StateKilled,
		Timestamp:   now,
	}

	data, err := json.Marshal(map[string]interface{}{
		"intent_id": result.IntentID,
		"text":      req.Text,
		"reason":    "agent is killed",
	})
	if err != nil {
		return nil, fmt.Errorf("serialize rejection: %w", err)
	}
	entry, err := e.chain.Append(audit.KindIntentRejected, req.AgentID, systemActor, string(data))
	if err != nil {
		return nil, fmt.Errorf("audit rejected intent: %w", err)
	}
	result.AuditSequence = entry.Sequence
	if e.metrics != nil {
		e.metrics.RecordAuditAppend()
	}

	e.timeline.Record(req.AgentID, forensics.CategoryIntent, forensics.SeverityWarning,
		"intent rejected: agent is killed", "", map[string]string{"intent_id": result.IntentID})
	e.publish(fabric.EventIntentRejected, req.AgentID, map[string]interface{}{
		"intent_id": result.IntentID,
	})
	return result, nil
}

func (e *Engine) recordIntentTimeline(rec *core.IntentRecord, level core.RiskLevel, anomalies []string) string {
	severity := forensics.SeverityInfo
	if level.Rank() >= core.RiskWarning.Rank() {
		severity = forensics.SeverityWarning
	}
	if level.Rank() >= core.RiskCritical.Rank() {
		severity = forensics.SeverityCritical
	}
	id := e.timeline.Record(rec.AgentID, forensics.CategoryIntent, severity,
		fmt.Sprintf("intent evaluated: %s risk %.2f", level, rec.RiskScore), "",
		map[string]string{"intent_id": rec.ID})

	if !rec.Allowed {
		e.timeline.Record(rec.AgentID, forensics.CategoryViolation, forensics.SeverityWarning,
			fmt.Sprintf("policy violation: %s", rec.PolicyTriggered), id,
			map[string]string{"intent_id": rec.ID, "policy": rec.PolicyTriggered})
	}
	for _, a := range anomalies {
		e.timeline.Record(rec.AgentID, forensics.CategoryAnomaly, forensics.SeverityWarning,
			a, id, map[string]string{"intent_id": rec.ID})
	}
	return id
}

func (e *Engine) auditEvaluation(rec *core.IntentRecord, result *core.AnalysisResult) (audit.Entry, error) {
	payload := map[string]interface{}{
		"intent_id":  rec.ID,
		"risk_score": result.RiskScore,
		"risk_level": string(result.RiskLevel),
		"allowed":    rec.Allowed,
		"run_state":  string(result.RunState),
	}
	if rec.PolicyTriggered != "" {
		payload["policy_triggered"] = rec.PolicyTriggered
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("serialize evaluation: %w", err)
	}
	entry, err := e.chain.Append(audit.KindIntentEvaluated, rec.AgentID, systemActor, string(data))
	if err != nil {
		return audit.Entry{}, fmt.Errorf("audit evaluation: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordAuditAppend()
	}
	return entry, nil
}

// GetAgentStatus returns the caller-facing view of one agent.
func (e *Engine) GetAgentStatus(agentID string) (core.AgentStatus, error) {
	e.mu.RLock()
	p, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return core.AgentStatus{}, fmt.Errorf("status for %s: %w", agentID, ErrAgentUnknown)
	}

	p.Lock()
	defer p.Unlock()
	return p.Status(), nil
}

// GetRiskDashboard aggregates system-wide risk posture.
func (e *Engine) GetRiskDashboard() core.Dashboard {
	e.mu.RLock()
	profiles := make([]*drift.Profile, 0, len(e.profiles))
	for _, p := range e.profiles {
		profiles = append(profiles, p)
	}
	e.mu.RUnlock()

	dash := core.Dashboard{
		TotalAgents: len(profiles),
		StateCounts: make(map[core.RunState]int),
		GeneratedAt: time.Now(),
	}

	statuses := make([]core.AgentStatus, 0, len(profiles))
	for _, p := range profiles {
		p.Lock()
		s := p.Status()
		p.Unlock()
		dash.StateCounts[s.RunState]++
		statuses = append(statuses, s)
	}

	for len(dash.TopRisky) < dashboardTopRisky && len(statuses) > 0 {
		best := 0
		for i, s := range statuses {
			if s.LatestScore > statuses[best].LatestScore {
				best = i
			}
		}
		dash.TopRisky = append(dash.TopRisky, statuses[best])
		statuses = append(statuses[:best], statuses[best+1:]...)
	}

	dash.PendingAppeals = e.appeals.PendingCount()
	dash.AuditSequence, dash.AuditHeadHash = e.chain.Head()
	return dash
}

// ResurrectAgent restores a killed agent after a human decision. Risk
// history is trimmed to the configured keep-count; cumulative counters
// survive; velocity and adaptive state restart from scratch.
func (e *Engine) ResurrectAgent(agentID, adminID, reason string) (*core.EnforcementAction, error) {
	e.mu.RLock()
	p, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resurrect %s: %w", agentID, ErrAgentUnknown)
	}

	p.Lock()
	defer p.Unlock()

	if err := e.appeals.Eligible(p.Resurrections); err != nil {
		return nil, fmt.Errorf("resurrect %s: %w", agentID, err)
	}
	action, err := e.executor.Apply(p, core.ActionResurrect, adminID, reason, 0, "")
	if err != nil {
		return nil, err
	}

	p.TrimRiskHistory(e.cfg.Engine.ResurrectionKeepHistory)
	e.velocity.Reset(agentID)
	e.thresholds.Reset(agentID)

	e.publish(fabric.EventResurrection, agentID, map[string]interface{}{
		"admin_id": adminID,
		"reason":   reason,
	})
	return action, nil
}

// SubmitResurrectionAppeal files an appeal for a killed agent.
func (e *Engine) SubmitResurrectionAppeal(agentID, requestedBy, justification, enforcementID string) (*core.AppealRequest, error) {
	e.mu.RLock()
	p, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("appeal for %s: %w", agentID, ErrAgentUnknown)
	}

	p.Lock()
	defer p.Unlock()
	return e.appeals.Submit(p, requestedBy, justification, enforcementID)
}

// DecideAppeal records the human verdict; approval also resurrects the
// agent, so eligibility is checked before the decision lands.
func (e *Engine) DecideAppeal(appealID, decidedBy, note string, approve bool) (*core.AppealRequest, error) {
	if approve {
		req, ok := e.appeals.Get(appealID)
		if !ok {
			return nil, fmt.Errorf("appeal %s not found", appealID)
		}
		e.mu.RLock()
		p, known := e.profiles[req.AgentID]
		e.mu.RUnlock()
		if !known {
			return nil, fmt.Errorf("appeal %s: %w", appealID, ErrAgentUnknown)
		}
		p.Lock()
		eligible := e.appeals.Eligible(p.Resurrections)
		p.Unlock()
		if eligible != nil {
			return nil, fmt.Errorf("approve appeal %s: %w", appealID, eligible)
		}
	}

	decided, err := e.appeals.Decide(appealID, decidedBy, note, approve)
	if err != nil {
		return nil, err
	}
	e.publish(fabric.EventAppealDecided, decided.AgentID, map[string]interface{}{
		"appeal_id": decided.ID,
		"status":    string(decided.Status),
	})

	if decided.Status == core.AppealApproved {
		if _, err := e.ResurrectAgent(decided.AgentID, decidedBy, "appeal approved: "+note); err != nil {
			return decided, fmt.Errorf("resurrect after approval: %w", err)
		}
	}
	return decided, nil
}

// VerifyAuditChain walks the full chain. Tampering is never repaired:
// it is reported, audited as its own event, and surfaced as
// audit.ErrChainTampered.
func (e *Engine) VerifyAuditChain() (audit.VerifyReport, error) {
	report := e.chain.Verify()
	if e.metrics != nil {
		e.metrics.SetChainValid(report.Valid)
	}
	if report.Valid {
		return report, nil
	}

	slog.Error("[Engine] audit chain verification failed",
		"entries", report.Entries, "bad_entry", report.BadEntry, "reason", report.Reason)
	if _, err := e.chain.Append(audit.KindChainTamper, "", systemActor, report.Reason); err != nil {
		slog.Error("[Engine] could not audit tamper detection", "error", err)
	}
	e.publish(fabric.EventChainTamper, "", map[string]interface{}{
		"reason": report.Reason,
	})
	return report, audit.ErrChainTampered
}

// ExportAgentForensics writes the agent's snapshot + timeline bundle.
func (e *Engine) ExportAgentForensics(agentID, path string) error {
	e.mu.RLock()
	_, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("forensics for %s: %w", agentID, ErrAgentUnknown)
	}
	return e.snapshots.Export(agentID, path)
}

// EnforcementHistory returns the agent's enforcement actions, oldest
// first, bounded by limit (0 = all).
func (e *Engine) EnforcementHistory(agentID string, limit int) []core.EnforcementAction {
	return e.executor.History(agentID, limit)
}

// AuditEntries exposes the newest audit entries for inspection.
func (e *Engine) AuditEntries(limit int) []audit.Entry {
	return e.chain.Entries(limit)
}

// SetSystemState switches the adaptive thresholds between normal and
// incident posture.
func (e *Engine) SetSystemState(state adaptive.SystemState) {
	e.thresholds.SetSystemState(state)
}

// Close releases the audit store and the event bus.
func (e *Engine) Close() error {
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			slog.Warn("[Engine] event bus close failed", "error", err)
		}
	}
	return e.chain.Close()
}

func (e *Engine) profileFor(agentID, agentType string) *drift.Profile {
	e.mu.RLock()
	p, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if ok {
		return p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[agentID]; ok {
		return p
	}
	p = drift.NewProfile(agentID, agentType, e.cfg.Engine.HistoryWindow, e.cfg.Engine.Embedding.Dimension)
	e.profiles[agentID] = p
	return p
}

func (e *Engine) publish(eventType fabric.EventType, agentID string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(context.Background(), &fabric.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		slog.Warn("[Engine] event publish failed", "type", eventType, "error", err)
	}
}
