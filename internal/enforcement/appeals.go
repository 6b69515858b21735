package enforcement

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/core"
	"github.com/tirs/engine/internal/drift"
	"github.com/tirs/engine/internal/forensics"
)

// ErrAppealDecided rejects a second decision on the same appeal.
var ErrAppealDecided = errors.New("appeal already decided")

// AppealManager governs human-gated resurrection of killed agents.
// Submissions are timelined; every decision is audited.
type AppealManager struct {
	mu      sync.RWMutex
	appeals map[string]*core.AppealRequest

	chain            *audit.Chain
	timeline         *forensics.Timeline
	maxResurrections int
}

// NewAppealManager wires the manager to the audit chain and timeline.
func NewAppealManager(chain *audit.Chain, timeline *forensics.Timeline, maxResurrections int) *AppealManager {
	return &AppealManager{
		appeals:          make(map[string]*core.AppealRequest),
		chain:            chain,
		timeline:         timeline,
		maxResurrections: maxResurrections,
	}
}

// Eligible reports whether an agent with the given resurrection count
// may be resurrected again.
func (am *AppealManager) Eligible(resurrections int) error {
	if resurrections >= am.maxResurrections {
		return fmt.Errorf("agent resurrected %d of %d times: %w",
			resurrections, am.maxResurrections, ErrResurrectionLimit)
	}
	return nil
}

// Submit files an appeal for a killed agent. The caller must hold the
// profile's lock for the state check.
func (am *AppealManager) Submit(p *drift.Profile, requestedBy, justification, enforcementID string) (*core.AppealRequest, error) {
	if p.State != core.StateKilled {
		return nil, fmt.Errorf("appeal for agent %s in state %s: %w", p.AgentID, p.State, ErrNotKilled)
	}

	req := &core.AppealRequest{
		ID:            uuid.New().String(),
		AgentID:       p.AgentID,
		RequestedBy:   requestedBy,
		Justification: justification,
		EnforcementID: enforcementID,
		Status:        core.AppealPending,
		SubmittedAt:   time.Now(),
	}

	am.mu.Lock()
	am.appeals[req.ID] = req
	am.mu.Unlock()

	if am.timeline != nil {
		am.timeline.Record(p.AgentID, forensics.CategoryAppeal, forensics.SeverityInfo,
			fmt.Sprintf("resurrection appeal submitted by %s", requestedBy), "",
			map[string]string{"appeal_id": req.ID, "enforcement_id": enforcementID})
	}
	return am.copyOf(req), nil
}

// Decide records the human verdict on a pending appeal. Approval does
// not itself resurrect the agent; the executor's resurrect path does,
// so the two are separately audited.
func (am *AppealManager) Decide(appealID, decidedBy, note string, approve bool) (*core.AppealRequest, error) {
	am.mu.Lock()
	req, ok := am.appeals[appealID]
	if !ok {
		am.mu.Unlock()
		return nil, fmt.Errorf("appeal %s not found", appealID)
	}
	if req.Status != core.AppealPending {
		am.mu.Unlock()
		return nil, fmt.Errorf("appeal %s is %s: %w", appealID, req.Status, ErrAppealDecided)
	}

	now := time.Now()
	req.Status = core.AppealApproved
	if !approve {
		req.Status = core.AppealDenied
	}
	req.DecidedBy = decidedBy
	req.DecisionNote = note
	req.DecidedAt = &now
	decided := am.copyOf(req)
	am.mu.Unlock()

	if am.chain != nil {
		data, err := json.Marshal(decided)
		if err != nil {
			return nil, fmt.Errorf("serialize appeal decision: %w", err)
		}
		if _, err := am.chain.Append(audit.KindAppeal, decided.AgentID, decidedBy, string(data)); err != nil {
			return nil, fmt.Errorf("audit appeal decision: %w", err)
		}
	}
	if am.timeline != nil {
		am.timeline.Record(decided.AgentID, forensics.CategoryAppeal, forensics.SeverityInfo,
			fmt.Sprintf("appeal %s by %s", decided.Status, decidedBy), "",
			map[string]string{"appeal_id": decided.ID})
	}
	return decided, nil
}

// Get returns a copy of one appeal.
func (am *AppealManager) Get(appealID string) (*core.AppealRequest, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	req, ok := am.appeals[appealID]
	if !ok {
		return nil, false
	}
	return am.copyOf(req), true
}

// ForAgent returns copies of an agent's appeals, newest last.
func (am *AppealManager) ForAgent(agentID string) []core.AppealRequest {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var out []core.AppealRequest
	for _, req := range am.appeals {
		if req.AgentID == agentID {
			out = append(out, *req)
		}
	}
	return out
}

// PendingCount reports the appeal queue depth for the dashboard.
func (am *AppealManager) PendingCount() int {
	am.mu.RLock()
	defer am.mu.RUnlock()

	n := 0
	for _, req := range am.appeals {
		if req.Status == core.AppealPending {
			n++
		}
	}
	return n
}

func (am *AppealManager) copyOf(req *core.AppealRequest) *core.AppealRequest {
	c := *req
	return &c
}
