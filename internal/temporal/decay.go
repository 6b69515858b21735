// Package temporal provides time-weighted statistics over agent event
// history: the exponentially decayed violation rate and the action-rate
// anomaly tracker consumed by the drift detector.
package temporal

import (
	"math"
	"sync"
	"time"

	"github.com/tirs/engine/internal/core"
)

// decayWeight returns 2^(-age/halfLife): 1.0 for a fresh event, 0.5 at
// one half-life, approaching 0 for stale events.
func decayWeight(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1.0
	}
	if age < 0 {
		age = 0
	}
	return math.Pow(2, -age.Hours()/halfLife.Hours())
}

// DecayedViolationRate computes the violation rate over the most recent
// window of intents, each weighted by the exponential decay of its age.
// Recent violations dominate; ancient ones fade toward zero influence.
func DecayedViolationRate(history []*core.IntentRecord, window int, halfLife time.Duration, now time.Time) float64 {
	if len(history) == 0 {
		return 0
	}
	start := 0
	if len(history) > window {
		start = len(history) - window
	}

	var weighted, total float64
	for _, rec := range history[start:] {
		w := decayWeight(now.Sub(rec.Timestamp), halfLife)
		total += w
		if !rec.Allowed {
			weighted += w
		}
	}
	if total == 0 {
		return 0
	}
	return core.Clip01(weighted / total)
}

// VelocityTracker compares an agent's recent action rate against its own
// historical baseline. A burst of activity well above the baseline scores
// toward 1; normal cadence scores near 0.
type VelocityTracker struct {
	mu     sync.Mutex
	agents map[string]*velocityRecord

	recentWindow time.Duration
	maxEvents    int
}

type velocityRecord struct {
	firstSeen  time.Time
	totalCount int
	recent     []time.Time // bounded ring of recent event times
}

// NewVelocityTracker creates a tracker. recentWindow defines "recent"
// for the burst rate (5 minutes is the operating default).
func NewVelocityTracker(recentWindow time.Duration) *VelocityTracker {
	if recentWindow <= 0 {
		recentWindow = 5 * time.Minute
	}
	return &VelocityTracker{
		agents:       make(map[string]*velocityRecord),
		recentWindow: recentWindow,
		maxEvents:    256,
	}
}

// Record notes one action for the agent at time now.
func (vt *VelocityTracker) Record(agentID string, now time.Time) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	rec, ok := vt.agents[agentID]
	if !ok {
		rec = &velocityRecord{firstSeen: now}
		vt.agents[agentID] = rec
	}
	rec.totalCount++
	rec.recent = append(rec.recent, now)
	if len(rec.recent) > vt.maxEvents {
		rec.recent = rec.recent[len(rec.recent)-vt.maxEvents:]
	}
}

// Anomaly scores the agent's current action rate against its baseline.
// Returns 0 until enough history exists to make the comparison meaningful.
func (vt *VelocityTracker) Anomaly(agentID string, now time.Time) float64 {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	rec, ok := vt.agents[agentID]
	if !ok || rec.totalCount < 5 {
		return 0
	}

	elapsed := now.Sub(rec.firstSeen)
	if elapsed < vt.recentWindow {
		return 0
	}

	baseline := float64(rec.totalCount) / elapsed.Minutes() // actions/min lifetime
	cutoff := now.Add(-vt.recentWindow)
	recentCount := 0
	for i := len(rec.recent) - 1; i >= 0; i-- {
		if rec.recent[i].Before(cutoff) {
			break
		}
		recentCount++
	}
	recentRate := float64(recentCount) / vt.recentWindow.Minutes()

	if baseline <= 0 {
		if recentRate > 0 {
			return 1
		}
		return 0
	}

	// Score the excess over baseline; 4x the baseline rate saturates to 1.
	excess := (recentRate - baseline) / (baseline * 3)
	return core.Clip01(excess)
}

// Reset drops an agent's velocity history (used on resurrection so the
// fresh start is not judged against the pre-kill burst).
func (vt *VelocityTracker) Reset(agentID string) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	delete(vt.agents, agentID)
}
