// Package adaptive learns per-agent baselines over time: percentile-driven
// dynamic risk thresholds and behavioral profiles with anomaly checks and
// cold-start borrowing from agent-type aggregates.
package adaptive

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/core"
)

// SystemState widens or tightens thresholds fleet-wide.
type SystemState string

const (
	SystemNormal   SystemState = "normal"
	SystemIncident SystemState = "incident"
)

type scoreSample struct {
	score float64
	at    time.Time
}

type agentThresholds struct {
	samples []scoreSample
	learned core.Thresholds
	adapted bool
}

// DynamicThresholds learns per-agent band edges from each agent's own
// recent score distribution and blends them into the configured bands at
// a bounded adaptation rate, so thresholds shift gradually.
type DynamicThresholds struct {
	mu sync.Mutex

	base       core.Thresholds
	agents     map[string]*agentThresholds
	window     time.Duration
	minSamples int
	rate       float64

	typeMultipliers    map[string]float64
	incidentMultiplier float64
	systemState        SystemState
}

// NewDynamicThresholds builds the component from validated config.
func NewDynamicThresholds(bands config.RiskBands, cfg config.AdaptiveConfig) *DynamicThresholds {
	return &DynamicThresholds{
		base: core.Thresholds{
			Nominal:  bands.Nominal,
			Elevated: bands.Elevated,
			Warning:  bands.Warning,
			Critical: bands.Critical,
		},
		agents:             make(map[string]*agentThresholds),
		window:             time.Duration(cfg.LearningWindowHours * float64(time.Hour)),
		minSamples:         cfg.MinSamples,
		rate:               cfg.AdaptationRate,
		typeMultipliers:    cfg.TypeMultipliers,
		incidentMultiplier: cfg.IncidentMultiplier,
		systemState:        SystemNormal,
	}
}

// Base returns the configured (unadapted) band edges.
func (dt *DynamicThresholds) Base() core.Thresholds {
	return dt.base
}

// SetSystemState switches the fleet-wide posture.
func (dt *DynamicThresholds) SetSystemState(state SystemState) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.systemState = state
}

// Record feeds one composite score into the agent's learning window and
// nudges the learned bands toward the window's percentile breakpoints
// once enough samples exist.
func (dt *DynamicThresholds) Record(agentID string, score float64, at time.Time) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	st := dt.agents[agentID]
	if st == nil {
		st = &agentThresholds{learned: dt.base}
		dt.agents[agentID] = st
	}

	st.samples = append(st.samples, scoreSample{score: score, at: at})
	cutoff := at.Add(-dt.window)
	for len(st.samples) > 0 && st.samples[0].at.Before(cutoff) {
		st.samples = st.samples[1:]
	}

	if len(st.samples) < dt.minSamples {
		return
	}

	scores := make([]float64, len(st.samples))
	for i, s := range st.samples {
		scores[i] = s.score
	}
	sort.Float64s(scores)

	// The agent's own p50/p75/p90/p95 become the band targets, but the
	// blend never drops an edge below half of, or above, the configured
	// base edge: learned thresholds adapt, they do not disarm.
	target := core.Thresholds{
		Nominal:  clampEdge(percentile(scores, 0.50), dt.base.Nominal),
		Elevated: clampEdge(percentile(scores, 0.75), dt.base.Elevated),
		Warning:  clampEdge(percentile(scores, 0.90), dt.base.Warning),
		Critical: clampEdge(percentile(scores, 0.95), dt.base.Critical),
	}

	st.learned = core.Thresholds{
		Nominal:  blend(st.learned.Nominal, target.Nominal, dt.rate),
		Elevated: blend(st.learned.Elevated, target.Elevated, dt.rate),
		Warning:  blend(st.learned.Warning, target.Warning, dt.rate),
		Critical: blend(st.learned.Critical, target.Critical, dt.rate),
	}.Sanitize()
	st.adapted = true
}

// ActiveFor returns the thresholds currently in force for the agent:
// learned bands (or base before adaptation) with the agent-type and
// system-state multipliers applied.
func (dt *DynamicThresholds) ActiveFor(agentID, agentType string) core.Thresholds {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	bands := dt.base
	if st, ok := dt.agents[agentID]; ok && st.adapted {
		bands = st.learned
	}

	if m, ok := dt.typeMultipliers[agentType]; ok {
		bands = bands.Scale(m)
	}
	if dt.systemState == SystemIncident {
		bands = bands.Scale(dt.incidentMultiplier)
	}
	return bands.Sanitize()
}

// Reset drops an agent's learning window (used on resurrection).
func (dt *DynamicThresholds) Reset(agentID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	delete(dt.agents, agentID)
}

func blend(current, target, rate float64) float64 {
	return current + rate*(target-current)
}

// clampEdge bounds a learned percentile edge into [base/2, base].
func clampEdge(learned, base float64) float64 {
	return math.Max(base/2, math.Min(learned, base))
}

// percentile computes the q-th percentile of a sorted slice with linear
// interpolation.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
