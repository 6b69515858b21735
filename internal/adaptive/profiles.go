package adaptive

import (
	"fmt"
	"math"
	"sync"

	"github.com/tirs/engine/internal/config"
)

// ProfileState is the observable learning state of a behavioral profile.
type ProfileState string

const (
	StateLearning    ProfileState = "learning"
	StateEstablished ProfileState = "established"
)

const (
	riskSampleMax = 500
	// hourAnomalyMinSamples gates the unusual-hour check: too few total
	// observations and every hour looks unusual.
	hourAnomalyMinSamples = 100
	// minDeviation floors the MAD so a perfectly flat history cannot
	// produce infinite z-scores.
	minDeviation = 0.02
)

// BehaviorProfile is the learned baseline for one agent.
type BehaviorProfile struct {
	AgentID   string
	AgentType string

	CapabilityCounts map[string]int
	capabilityTotal  int

	riskSamples []float64
	HourCounts  [24]int
	Samples     int

	borrowed bool // seeded from a type profile
}

// State reports learning or established against the configured minimum.
func (bp *BehaviorProfile) State(minSamples int) ProfileState {
	if bp.Samples >= minSamples {
		return StateEstablished
	}
	return StateLearning
}

func (bp *BehaviorProfile) riskMean() float64 {
	if len(bp.riskSamples) == 0 {
		return 0
	}
	var sum float64
	for _, r := range bp.riskSamples {
		sum += r
	}
	return sum / float64(len(bp.riskSamples))
}

// riskMAD is the mean absolute deviation around the mean, floored.
func (bp *BehaviorProfile) riskMAD() float64 {
	mean := bp.riskMean()
	if len(bp.riskSamples) == 0 {
		return minDeviation
	}
	var sum float64
	for _, r := range bp.riskSamples {
		sum += math.Abs(r - mean)
	}
	mad := sum / float64(len(bp.riskSamples))
	return math.Max(mad, minDeviation)
}

// typeProfile aggregates the established members of one agent type. It
// is continuously blended so new agents of the type can borrow a
// baseline instead of starting blind.
type typeProfile struct {
	capabilityCounts map[string]int
	capabilityTotal  int
	riskMean         float64
	members          int
}

// Matcher tracks behavioral profiles per agent and per agent type and
// flags intents that do not fit the learned baseline.
type Matcher struct {
	mu sync.Mutex

	cfg    config.BehaviorConfig
	agents map[string]*BehaviorProfile
	types  map[string]*typeProfile
}

// NewMatcher creates an empty matcher.
func NewMatcher(cfg config.BehaviorConfig) *Matcher {
	return &Matcher{
		cfg:    cfg,
		agents: make(map[string]*BehaviorProfile),
		types:  make(map[string]*typeProfile),
	}
}

// Observe folds one evaluated intent into the agent's baseline. Once
// the agent is established it also feeds the type aggregate.
func (m *Matcher) Observe(agentID, agentType string, capabilities []string, risk float64, hour int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp := m.getOrCreate(agentID, agentType)
	for _, cap := range capabilities {
		bp.CapabilityCounts[cap]++
		bp.capabilityTotal++
	}
	bp.riskSamples = append(bp.riskSamples, risk)
	if len(bp.riskSamples) > riskSampleMax {
		bp.riskSamples = bp.riskSamples[len(bp.riskSamples)-riskSampleMax:]
	}
	if hour >= 0 && hour < 24 {
		bp.HourCounts[hour]++
	}
	bp.Samples++

	if bp.State(m.cfg.MinSamples) == StateEstablished {
		m.blendIntoType(bp)
	}
}

// Check returns the anomalies the intent raises against the agent's
// baseline. An agent still in the learning state raises none.
func (m *Matcher) Check(agentID string, capabilities []string, risk float64, hour int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp, ok := m.agents[agentID]
	if !ok || bp.State(m.cfg.MinSamples) != StateEstablished {
		return nil
	}

	var anomalies []string

	for _, cap := range capabilities {
		if bp.CapabilityCounts[cap] == 0 {
			anomalies = append(anomalies, fmt.Sprintf("capability %q absent from baseline", cap))
		}
	}

	mean, mad := bp.riskMean(), bp.riskMAD()
	z := math.Abs(risk-mean) / mad
	if z > m.cfg.ZScoreThreshold {
		anomalies = append(anomalies,
			fmt.Sprintf("risk score %.3f deviates z=%.1f from baseline mean %.3f", risk, z, mean))
	}

	if bp.Samples >= hourAnomalyMinSamples && hour >= 0 && hour < 24 {
		typical := float64(bp.Samples) / 24.0
		if float64(bp.HourCounts[hour]) < typical*0.05 {
			anomalies = append(anomalies, fmt.Sprintf("activity at hour %02d is atypical for this agent", hour))
		}
	}

	return anomalies
}

// StateOf reports the profile's learning state (learning when unknown).
func (m *Matcher) StateOf(agentID string) ProfileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.agents[agentID]
	if !ok {
		return StateLearning
	}
	return bp.State(m.cfg.MinSamples)
}

// Similarity compares two agents: 0.6·Jaccard of capability sets plus
// 0.4·(1 − |Δ mean risk|). Unknown agents score 0.
func (m *Matcher) Similarity(agentA, agentB string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, okA := m.agents[agentA]
	b, okB := m.agents[agentB]
	if !okA || !okB {
		return 0
	}

	union := make(map[string]bool)
	intersect := 0
	for cap := range a.CapabilityCounts {
		union[cap] = true
	}
	for cap := range b.CapabilityCounts {
		if union[cap] {
			intersect++
		}
		union[cap] = true
	}
	jaccard := 0.0
	if len(union) > 0 {
		jaccard = float64(intersect) / float64(len(union))
	}

	riskCloseness := 1.0 - math.Abs(a.riskMean()-b.riskMean())
	return 0.6*jaccard + 0.4*riskCloseness
}

// getOrCreate lazily creates the profile, bootstrapping capabilities from
// the agent-type aggregate when one exists so cold-start agents are not
// blind to their type's normal behavior.
func (m *Matcher) getOrCreate(agentID, agentType string) *BehaviorProfile {
	bp, ok := m.agents[agentID]
	if ok {
		return bp
	}
	bp = &BehaviorProfile{
		AgentID:          agentID,
		AgentType:        agentType,
		CapabilityCounts: make(map[string]int),
	}
	if tp, ok := m.types[agentType]; ok && tp.members > 0 {
		for cap, count := range tp.capabilityCounts {
			// Scale borrowed counts down to a seed weight so the agent's
			// own behavior overtakes the borrowed baseline quickly.
			seed := count / tp.members
			if seed < 1 {
				seed = 1
			}
			bp.CapabilityCounts[cap] = seed
			bp.capabilityTotal += seed
		}
		bp.borrowed = true
	}
	m.agents[agentID] = bp
	return bp
}

// blendIntoType continuously folds an established agent's baseline into
// its type aggregate.
func (m *Matcher) blendIntoType(bp *BehaviorProfile) {
	tp, ok := m.types[bp.AgentType]
	if !ok {
		tp = &typeProfile{capabilityCounts: make(map[string]int)}
		m.types[bp.AgentType] = tp
		tp.members = 1
		tp.riskMean = bp.riskMean()
		for cap, count := range bp.CapabilityCounts {
			tp.capabilityCounts[cap] = count
			tp.capabilityTotal += count
		}
		return
	}

	// EMA blend keeps type profiles tracking their member population.
	const alpha = 0.05
	tp.riskMean = (1-alpha)*tp.riskMean + alpha*bp.riskMean()
	for cap := range bp.CapabilityCounts {
		if tp.capabilityCounts[cap] == 0 {
			tp.capabilityCounts[cap] = 1
			tp.capabilityTotal++
		}
	}
}
