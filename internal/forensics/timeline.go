// Package forensics provides the investigation surface of TIRS: the
// causal event timeline and point-in-time agent snapshots.
package forensics

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventCategory tags what part of the system produced a timeline event.
type EventCategory string

const (
	CategoryIntent      EventCategory = "intent"
	CategoryViolation   EventCategory = "violation"
	CategoryEnforcement EventCategory = "enforcement"
	CategoryAppeal      EventCategory = "appeal"
	CategorySnapshot    EventCategory = "snapshot"
	CategoryAnomaly     EventCategory = "anomaly"
)

// EventSeverity grades a timeline event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// Event is one node in the per-agent causal DAG. CausedBy points at the
// event that triggered this one; Causes is maintained as the forward
// index so consequence trees can be expanded without a full scan.
type Event struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Category  EventCategory     `json:"category"`
	Severity  EventSeverity     `json:"severity"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CausedBy  string            `json:"caused_by,omitempty"`
	Causes    []string          `json:"causes,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Pattern is one sliding-window heuristic match.
type Pattern struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// Timeline records category/severity-tagged events per agent and
// answers causal and pattern queries over them.
type Timeline struct {
	mu            sync.RWMutex
	events        map[string]*Event
	byAgent       map[string][]*Event
	patternWindow time.Duration
}

// NewTimeline creates an empty timeline with the given pattern-detection
// window.
func NewTimeline(patternWindow time.Duration) *Timeline {
	if patternWindow <= 0 {
		patternWindow = time.Hour
	}
	return &Timeline{
		events:        make(map[string]*Event),
		byAgent:       make(map[string][]*Event),
		patternWindow: patternWindow,
	}
}

// Record appends an event, wiring the causal back-reference into the
// parent's forward index. Returns the event's ID.
func (tl *Timeline) Record(agentID string, category EventCategory, severity EventSeverity, message, causedBy string, details map[string]string) string {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	e := &Event{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Details:   details,
		CausedBy:  causedBy,
		Timestamp: time.Now(),
	}
	if causedBy != "" {
		if parent, ok := tl.events[causedBy]; ok {
			parent.Causes = append(parent.Causes, e.ID)
		} else {
			e.CausedBy = "" // dangling reference, drop rather than corrupt the DAG
		}
	}

	tl.events[e.ID] = e
	tl.byAgent[agentID] = append(tl.byAgent[agentID], e)
	return e.ID
}

// Get returns a copy of one event.
func (tl *Timeline) Get(id string) (Event, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	e, ok := tl.events[id]
	if !ok {
		return Event{}, false
	}
	return copyEvent(e), true
}

// CausalChain walks caused_by backward from the event to its root,
// returning the chain root-first.
func (tl *Timeline) CausalChain(id string) []Event {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	var chain []Event
	seen := make(map[string]bool)
	for cur := tl.events[id]; cur != nil && !seen[cur.ID]; {
		seen[cur.ID] = true
		chain = append(chain, copyEvent(cur))
		if cur.CausedBy == "" {
			break
		}
		cur = tl.events[cur.CausedBy]
	}

	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// ConsequenceTree expands causes forward recursively from the event,
// returning every downstream event in depth-first order (the root event
// excluded).
func (tl *Timeline) ConsequenceTree(id string) []Event {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	var out []Event
	seen := map[string]bool{id: true}
	var walk func(eventID string)
	walk = func(eventID string) {
		e, ok := tl.events[eventID]
		if !ok {
			return
		}
		for _, childID := range e.Causes {
			if seen[childID] {
				continue
			}
			seen[childID] = true
			if child, ok := tl.events[childID]; ok {
				out = append(out, copyEvent(child))
				walk(childID)
			}
		}
	}
	walk(id)
	return out
}

// AgentEvents returns the agent's events newest-last, bounded by limit
// (limit <= 0 returns all).
func (tl *Timeline) AgentEvents(agentID string, limit int) []Event {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	events := tl.byAgent[agentID]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]Event, 0, limit)
	for _, e := range events[len(events)-limit:] {
		out = append(out, copyEvent(e))
	}
	return out
}

// Pattern detection thresholds over the sliding window.
const (
	patternViolationCount   = 5
	patternEnforcementCount = 3
	patternRapidFireCount   = 30
)

// DetectPatterns runs the count-over-window heuristics for one agent:
// high violation count, enforcement escalation, and rapid-fire activity.
func (tl *Timeline) DetectPatterns(agentID string, now time.Time) []Pattern {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	cutoff := now.Add(-tl.patternWindow)
	var violations, enforcements, total int
	for _, e := range tl.byAgent[agentID] {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		total++
		switch e.Category {
		case CategoryViolation:
			violations++
		case CategoryEnforcement:
			enforcements++
		}
	}

	var patterns []Pattern
	if violations >= patternViolationCount {
		patterns = append(patterns, Pattern{
			Name:        "high_violation_count",
			Description: "repeated policy violations inside the detection window",
			Count:       violations,
		})
	}
	if enforcements >= patternEnforcementCount {
		patterns = append(patterns, Pattern{
			Name:        "enforcement_escalation",
			Description: "multiple enforcement actions inside the detection window",
			Count:       enforcements,
		})
	}
	if total >= patternRapidFireCount {
		patterns = append(patterns, Pattern{
			Name:        "rapid_fire_activity",
			Description: "unusually dense event volume inside the detection window",
			Count:       total,
		})
	}
	return patterns
}

func copyEvent(e *Event) Event {
	out := *e
	if e.Causes != nil {
		out.Causes = append([]string(nil), e.Causes...)
	}
	if e.Details != nil {
		out.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	return out
}
