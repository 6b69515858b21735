// Package enforcement owns the agent run-state machine: the executor is
// the only component allowed to change an agent's externally visible
// state, and every transition it applies is audited and timelined.
// Kills are additionally snapshotted.
package enforcement

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/core"
	"github.com/tirs/engine/internal/drift"
	"github.com/tirs/engine/internal/forensics"
)

var (
	// ErrAgentKilled rejects enforcement verbs other than resurrect on a
	// killed agent.
	ErrAgentKilled = errors.New("agent is killed")
	// ErrNotKilled rejects resurrection and appeals targeting an agent
	// that is not currently killed.
	ErrNotKilled = errors.New("agent is not killed")
	// ErrResurrectionLimit rejects resurrections past the configured
	// per-agent maximum.
	ErrResurrectionLimit = errors.New("resurrection limit reached")
)

// Notifier receives enforcement actions after they have been audited.
// Implementations must not block: this is the bridge to the event
// fabric and metrics, not part of the transition's correctness.
type Notifier interface {
	EnforcementApplied(action core.EnforcementAction)
}

// transition is the event value the executor's ordered pipeline runs
// over: state change first, then the best-effort kill snapshot, then
// the mandatory audit append, then timeline, then notification.
type transition struct {
	profile  *drift.Profile
	action   core.EnforcementAction
	causedBy string // timeline event that triggered the transition
}

// Executor applies run-state transitions. Callers must hold the target
// profile's lock across Apply, the same lock discipline the drift
// detector uses for read-evaluate-update.
type Executor struct {
	mu      sync.RWMutex
	history map[string][]core.EnforcementAction

	chain     *audit.Chain
	timeline  *forensics.Timeline
	snapshots *forensics.SnapshotManager
	notifier  Notifier
}

// NewExecutor wires the executor to the audit chain, timeline, and
// snapshot manager. notifier may be nil.
func NewExecutor(chain *audit.Chain, timeline *forensics.Timeline, snapshots *forensics.SnapshotManager, notifier Notifier) *Executor {
	return &Executor{
		history:   make(map[string][]core.EnforcementAction),
		chain:     chain,
		timeline:  timeline,
		snapshots: snapshots,
		notifier:  notifier,
	}
}

// VerbFor maps a risk level to the enforcement verb it triggers.
// Critical-band agents that the behavioral matcher also flagged as
// anomalous are quarantined instead of paused. Returns false for bands
// that carry no enforcement.
func VerbFor(level core.RiskLevel, anomalous bool) (core.EnforcementVerb, bool) {
	switch level {
	case core.RiskWarning:
		return core.ActionThrottle, true
	case core.RiskCritical:
		if anomalous {
			return core.ActionQuarantine, true
		}
		return core.ActionPause, true
	case core.RiskTerminal:
		return core.ActionKill, true
	}
	return "", false
}

// stateRank orders run-states by restrictiveness. Transitions may only
// move up the ranking; loosening requires an explicit resurrection.
func stateRank(s core.RunState) int {
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

func targetState(verb core.EnforcementVerb) core.RunState {
	switch verb {
	case core.ActionThrottle:
		return core.StateThrottled
	case core.ActionPause:
		return core.StatePaused
	case core.ActionQuarantine:
		return core.StateQuarantined
	case core.ActionKill:
		return core.StateKilled
	case core.ActionResurrect:
		return core.StateResurrected
	}
	return ""
}

// Apply runs one verb against the profile. The caller must hold the
// profile's lock. A verb whose target state is no more restrictive than
// the current state is a no-op and returns (nil, nil): sustained high
// risk never loosens an agent's state.
//
// The state change lands before the audit append so a persistence
// failure leaves the agent restricted rather than running; the append
// error is still returned because audit completeness is a correctness
// property.
func (ex *Executor) Apply(p *drift.Profile, verb core.EnforcementVerb, actor, reason string, score float64, causedBy string) (*core.EnforcementAction, error) {
	if verb == core.ActionResurrect {
		return ex.resurrect(p, actor, reason, causedBy)
	}
	if p.State == core.StateKilled {
		return nil, fmt.Errorf("%s agent %s: %w", verb, p.AgentID, ErrAgentKilled)
	}

	to := targetState(verb)
	if stateRank(to) <= stateRank(p.State) {
		return nil, nil
	}

	tr := transition{
		profile: p,
		action: core.EnforcementAction{
			ID:        uuid.New().String(),
			AgentID:   p.AgentID,
			Action:    verb,
			FromState: p.State,
			ToState:   to,
			Reason:    reason,
			RiskScore: score,
			Timestamp: time.Now(),
		},
		causedBy: causedBy,
	}
	return ex.run(tr, actor, audit.KindEnforcement)
}

// resurrect is the only loosening transition. It preserves cumulative
// counters and leaves risk-history trimming to the caller, which owns
// the keep-count policy.
func (ex *Executor) resurrect(p *drift.Profile, actor, reason, causedBy string) (*core.EnforcementAction, error) {
	if p.State != core.StateKilled {
		return nil, fmt.Errorf("resurrect agent %s in state %s: %w", p.AgentID, p.State, ErrNotKilled)
	}

	tr := transition{
		profile: p,
		action: core.EnforcementAction{
			ID:        uuid.New().String(),
			AgentID:   p.AgentID,
			Action:    core.ActionResurrect,
			FromState: p.State,
			ToState:   core.StateResurrected,
			Reason:    reason,
			RiskScore: p.LatestScore(),
			Timestamp: time.Now(),
		},
		causedBy: causedBy,
	}
	act, err := ex.run(tr, actor, audit.KindResurrection)
	if err == nil {
		p.Resurrections++
		p.KillReason = ""
	}
	return act, err
}

// run is the ordered transition pipeline.
func (ex *Executor) run(tr transition, actor string, kind audit.EventKind) (*core.EnforcementAction, error) {
	ex.updateState(tr)
	ex.snapshotOnKill(tr)

	if err := ex.auditTransition(tr, actor, kind); err != nil {
		return &tr.action, err
	}
	ex.recordTimeline(tr)

	ex.mu.Lock()
	ex.history[tr.action.AgentID] = append(ex.history[tr.action.AgentID], tr.action)
	ex.mu.Unlock()

	if ex.notifier != nil {
		ex.notifier.EnforcementApplied(tr.action)
	}

	slog.Info("[Enforcement] applied",
		"agent_id", tr.action.AgentID,
		"action", tr.action.Action,
		"from", tr.action.FromState,
		"to", tr.action.ToState,
		"risk_score", tr.action.RiskScore)
	return &tr.action, nil
}

func (ex *Executor) updateState(tr transition) {
	tr.profile.State = tr.action.ToState
	if tr.action.Action == core.ActionKill {
		tr.profile.KillReason = tr.action.Reason
	}
}

// snapshotOnKill is best-effort: the snapshot manager logs its own
// failures and Capture never propagates them, so a broken snapshot dir
// cannot block a kill.
func (ex *Executor) snapshotOnKill(tr transition) {
	if tr.action.Action != core.ActionKill || ex.snapshots == nil {
		return
	}
	view := struct {
		Status      core.AgentStatus `json:"status"`
		KillReason  string           `json:"kill_reason"`
		Enforcement string           `json:"enforcement_id"`
	}{
		Status:      tr.profile.Status(),
		KillReason:  tr.profile.KillReason,
		Enforcement: tr.action.ID,
	}
	snap := ex.snapshots.Capture(tr.action.AgentID, "kill", view)
	if ex.chain != nil && snap != nil {
		if _, err := ex.chain.Append(audit.KindSnapshot, tr.action.AgentID, "system", snap.ID); err != nil {
			slog.Warn("[Enforcement] snapshot audit append failed",
				"agent_id", tr.action.AgentID, "error", err)
		}
	}
}

func (ex *Executor) auditTransition(tr transition, actor string, kind audit.EventKind) error {
	if ex.chain == nil {
		return nil
	}
	data, err := json.Marshal(tr.action)
	if err != nil {
		return fmt.Errorf("serialize enforcement action: %w", err)
	}
	if _, err := ex.chain.Append(kind, tr.action.AgentID, actor, string(data)); err != nil {
		return fmt.Errorf("audit enforcement action: %w", err)
	}
	return nil
}

func (ex *Executor) recordTimeline(tr transition) {
	if ex.timeline == nil {
		return
	}
	severity := forensics.SeverityWarning
	switch tr.action.Action {
	case core.ActionKill, core.ActionQuarantine:
		severity = forensics.SeverityCritical
	case core.ActionResurrect:
		severity = forensics.SeverityInfo
	}
	ex.timeline.Record(tr.action.AgentID, forensics.CategoryEnforcement, severity,
		fmt.Sprintf("%s: %s", tr.action.Action, tr.action.Reason),
		tr.causedBy,
		map[string]string{
			"enforcement_id": tr.action.ID,
			"from_state":     string(tr.action.FromState),
			"to_state":       string(tr.action.ToState),
		})
}

// History returns copies of the agent's enforcement actions, oldest
// first, bounded by limit (0 = all).
func (ex *Executor) History(agentID string, limit int) []core.EnforcementAction {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	acts := ex.history[agentID]
	if limit > 0 && limit < len(acts) {
		acts = acts[len(acts)-limit:]
	}
	out := make([]core.EnforcementAction, len(acts))
	copy(out, acts)
	return out
}
