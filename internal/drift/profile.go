package drift

import (
	"sync"
	"time"

	"github.com/tirs/engine/internal/core"
)

const riskHistoryMax = 100

// Profile is the per-agent drift state: centroid of recent embeddings,
// capability usage histogram, bounded risk history, run-state, and the
// counters that survive resurrection. Created lazily on an agent's first
// intent and never deleted.
//
// The embedded mutex is held by the engine across the full
// read-evaluate-update cycle so the centroid an evaluation reads is the
// one its update follows.
type Profile struct {
	sync.Mutex

	AgentID   string
	AgentType string
	State     core.RunState

	History     []*core.IntentRecord
	RiskHistory []float64

	CapabilityCounts map[string]int
	CapabilityTotal  int

	TotalIntents   int
	ViolationCount int
	Resurrections  int
	KillReason     string

	CreatedAt    time.Time
	LastIntentAt time.Time

	windowSize  int
	centroidSum []float64
}

// NewProfile creates an empty profile in the active state.
func NewProfile(agentID, agentType string, windowSize, dimension int) *Profile {
	return &Profile{
		AgentID:          agentID,
		AgentType:        agentType,
		State:            core.StateActive,
		CapabilityCounts: make(map[string]int),
		CreatedAt:        time.Now(),
		windowSize:       windowSize,
		centroidSum:      make([]float64, dimension),
	}
}

// Centroid returns the mean of the embeddings in the history window, or
// nil when no embeddings have been observed yet.
func (p *Profile) Centroid() []float64 {
	n := 0
	for _, rec := range p.History {
		if rec.Embedding != nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	out := make([]float64, len(p.centroidSum))
	for i, v := range p.centroidSum {
		out[i] = v / float64(n)
	}
	return out
}

// CapabilityProbability is the observed frequency of cap in the histogram.
// Unseen capabilities get floor instead of zero so surprisal stays finite.
func (p *Profile) CapabilityProbability(cap string, floor float64) float64 {
	if p.CapabilityTotal == 0 {
		return floor
	}
	prob := float64(p.CapabilityCounts[cap]) / float64(p.CapabilityTotal)
	if prob < floor {
		return floor
	}
	return prob
}

// Observe folds a scored intent into the profile: history window (oldest
// evicted), centroid sum, capability histogram, and violation counter.
func (p *Profile) Observe(rec *core.IntentRecord) {
	p.History = append(p.History, rec)
	if rec.Embedding != nil {
		for i, v := range rec.Embedding {
			if i < len(p.centroidSum) {
				p.centroidSum[i] += v
			}
		}
	}
	if len(p.History) > p.windowSize {
		evicted := p.History[0]
		p.History = p.History[1:]
		if evicted.Embedding != nil {
			for i, v := range evicted.Embedding {
				if i < len(p.centroidSum) {
					p.centroidSum[i] -= v
				}
			}
		}
	}

	for _, cap := range rec.Capabilities {
		p.CapabilityCounts[cap]++
		p.CapabilityTotal++
	}

	p.TotalIntents++
	if !rec.Allowed {
		p.ViolationCount++
	}

	p.RiskHistory = append(p.RiskHistory, rec.RiskScore)
	if len(p.RiskHistory) > riskHistoryMax {
		p.RiskHistory = p.RiskHistory[len(p.RiskHistory)-riskHistoryMax:]
	}

	p.LastIntentAt = rec.Timestamp
}

// TrimRiskHistory keeps only the most recent keep entries. Called on
// resurrection; cumulative counters are untouched.
func (p *Profile) TrimRiskHistory(keep int) {
	if keep < 0 {
		keep = 0
	}
	if len(p.RiskHistory) > keep {
		p.RiskHistory = p.RiskHistory[len(p.RiskHistory)-keep:]
	}
}

// LatestScore returns the most recent composite score, or 0.
func (p *Profile) LatestScore() float64 {
	if len(p.RiskHistory) == 0 {
		return 0
	}
	return p.RiskHistory[len(p.RiskHistory)-1]
}

// MeanScore returns the average of the bounded risk history.
func (p *Profile) MeanScore() float64 {
	if len(p.RiskHistory) == 0 {
		return 0
	}
	var sum float64
	for _, s := range p.RiskHistory {
		sum += s
	}
	return sum / float64(len(p.RiskHistory))
}

// Status builds the caller-facing view. Caller must hold the lock.
func (p *Profile) Status() core.AgentStatus {
	return core.AgentStatus{
		AgentID:       p.AgentID,
		RunState:      p.State,
		LatestScore:   p.LatestScore(),
		MeanScore:     p.MeanScore(),
		IntentCount:   p.TotalIntents,
		Violations:    p.ViolationCount,
		Resurrections: p.Resurrections,
		LastIntentAt:  p.LastIntentAt,
	}
}
