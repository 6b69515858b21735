// Package drift implements the multi-signal behavioral drift detector:
// five independent signals fused into one composite risk score per intent,
// plus the per-agent drift profile and contextual threshold adjustment.
package drift

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tirs/engine/internal/config"
	"github.com/tirs/engine/internal/core"
	"github.com/tirs/engine/internal/embedding"
	"github.com/tirs/engine/internal/temporal"
)

const (
	// noCentroidBaseline is the embedding-drift value used before a
	// profile has any centroid. A small constant instead of zero, so an
	// agent's very first action never reads as perfectly safe.
	noCentroidBaseline = 0.1

	// unseenCapabilityFloor keeps surprisal finite for never-seen
	// capabilities.
	unseenCapabilityFloor = 0.01

	// neutralSignal is the raw value substituted when a signal cannot be
	// computed. Risk-affecting failures bias toward the safe side: an
	// unknown signal is never treated as zero risk.
	neutralSignal = 0.5
)

// Detector computes the five drift signals and their weighted fusion.
type Detector struct {
	weights      config.SignalWeights
	violWindow   int
	violHalfLife time.Duration
	surprisalCap float64
	velocity     *temporal.VelocityTracker
}

// NewDetector wires the detector from validated engine config.
func NewDetector(cfg config.EngineConfig, velocity *temporal.VelocityTracker) *Detector {
	return &Detector{
		weights:      cfg.Weights,
		violWindow:   cfg.ViolationWindow,
		violHalfLife: time.Duration(cfg.ViolationHalfLifeMinutes * float64(time.Minute)),
		surprisalCap: cfg.SurprisalCeilingNats,
		velocity:     velocity,
	}
}

// Evaluate computes all five signals for the intent against the profile
// and returns them with the clipped composite score. The caller must hold
// the profile lock: the centroid read here must be consistent with the
// Observe that follows.
func (d *Detector) Evaluate(p *Profile, emb []float64, capabilities []string, ctx core.BusinessContext, now time.Time) ([]core.Signal, float64) {
	signals := []core.Signal{
		d.embeddingDrift(p, emb),
		d.capabilitySurprisal(p, capabilities),
		d.violationRate(p, now),
		d.velocityAnomaly(p, now),
		d.contextDeviation(ctx),
	}

	var composite float64
	for _, s := range signals {
		composite += s.Contribution
	}
	return signals, core.Clip01(composite)
}

// Confidence reflects how much history backs the evaluation: a brand-new
// profile scores 0.5, a warmed-up one approaches 1.0.
func (d *Detector) Confidence(p *Profile) float64 {
	warm := float64(len(p.History)) / 20.0
	if warm > 1 {
		warm = 1
	}
	return 0.5 + 0.5*warm
}

func (d *Detector) embeddingDrift(p *Profile, emb []float64) core.Signal {
	w := d.weights.Embedding

	centroid := p.Centroid()
	if centroid == nil {
		return newSignal(core.SignalEmbeddingDrift, noCentroidBaseline, w,
			"no behavioral centroid yet, first-action baseline applied")
	}
	if emb == nil {
		return newSignal(core.SignalEmbeddingDrift, neutralSignal, w,
			"embedding unavailable, neutral contribution applied")
	}

	raw := core.Clip01(1.0 - embedding.Similarity(emb, centroid))
	return newSignal(core.SignalEmbeddingDrift, raw, w,
		fmt.Sprintf("intent diverges %.0f%% from behavioral centroid", raw*100))
}

func (d *Detector) capabilitySurprisal(p *Profile, capabilities []string) core.Signal {
	w := d.weights.Surprisal

	if len(capabilities) == 0 {
		return newSignal(core.SignalCapabilitySurprisal, 0, w, "no capabilities requested")
	}
	if p.CapabilityTotal == 0 {
		// Same rule as the missing centroid: an empty histogram means
		// there is no baseline to be surprised against yet.
		return newSignal(core.SignalCapabilitySurprisal, noCentroidBaseline, w,
			"no capability baseline yet, first-action baseline applied")
	}

	var totalNats float64
	var unseen []string
	for _, cap := range capabilities {
		prob := p.CapabilityProbability(cap, unseenCapabilityFloor)
		totalNats += -math.Log(prob)
		if p.CapabilityCounts[cap] == 0 {
			unseen = append(unseen, cap)
		}
	}
	meanNats := totalNats / float64(len(capabilities))
	raw := core.Clip01(meanNats / d.surprisalCap)

	expl := fmt.Sprintf("mean capability surprisal %.2f nats", meanNats)
	if len(unseen) > 0 {
		expl = fmt.Sprintf("%s; never-seen capabilities: %s", expl, strings.Join(unseen, ", "))
	}
	return newSignal(core.SignalCapabilitySurprisal, raw, w, expl)
}

func (d *Detector) violationRate(p *Profile, now time.Time) core.Signal {
	w := d.weights.Violation
	raw := temporal.DecayedViolationRate(p.History, d.violWindow, d.violHalfLife, now)
	return newSignal(core.SignalViolationRate, raw, w,
		fmt.Sprintf("decayed violation rate %.2f over last %d intents", raw, d.violWindow))
}

func (d *Detector) velocityAnomaly(p *Profile, now time.Time) core.Signal {
	w := d.weights.Velocity
	raw := d.velocity.Anomaly(p.AgentID, now)
	return newSignal(core.SignalVelocityAnomaly, raw, w,
		fmt.Sprintf("action rate anomaly %.2f vs own baseline", raw))
}

func (d *Detector) contextDeviation(ctx core.BusinessContext) core.Signal {
	w := d.weights.Context
	raw, detail := ContextDeviation(ctx)
	return newSignal(core.SignalContextDeviation, raw, w, detail)
}

func newSignal(name string, raw, weight float64, explanation string) core.Signal {
	raw = core.Clip01(raw)
	return core.Signal{
		Name:         name,
		Raw:          raw,
		Weight:       weight,
		Contribution: raw * weight,
		Explanation:  explanation,
	}
}

// Explain renders a human-reviewable summary, dominant signals first.
func Explain(score float64, level core.RiskLevel, signals []core.Signal, ctx core.BusinessContext) string {
	sorted := make([]core.Signal, len(signals))
	copy(sorted, signals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Contribution > sorted[j].Contribution
	})

	var b strings.Builder
	fmt.Fprintf(&b, "composite risk %.3f (%s)", score, level)
	for i, s := range sorted {
		if s.Contribution <= 0 || i >= 3 {
			break
		}
		fmt.Fprintf(&b, "; %s %.3f: %s", s.Name, s.Contribution, s.Explanation)
	}
	b.WriteString("; context: ")
	b.WriteString(describeContext(ctx))
	return b.String()
}
