package enforcement

import (
	"sort"
	"time"

	"github.com/tirs/engine/internal/core"
)

// remediationRule is one fixed corrective action for a signal. Impact
// is the fractional risk reduction the action yields if the signal were
// the whole of the risk; plans scale it by the signal's actual share.
type remediationRule struct {
	Action      string
	Description string
	Impact      float64
}

var remediationRules = map[string][]remediationRule{
	core.SignalCapabilitySurprisal: {
		{"request_authorization", "request explicit authorization for the unusual capabilities", 0.50},
		{"narrow_capabilities", "resubmit with only the capabilities this task strictly needs", 0.30},
	},
	core.SignalViolationRate: {
		{"modify_payload", "modify the payload to comply with the policies recently triggered", 0.40},
		{"escalate_review", "escalate to a human reviewer before retrying", 0.30},
	},
	core.SignalEmbeddingDrift: {
		{"realign_intent", "rephrase the intent to match the agent's established task domain", 0.35},
		{"rebaseline_profile", "have an operator confirm the new task domain and rebaseline", 0.25},
	},
	core.SignalVelocityAnomaly: {
		{"reduce_rate", "reduce request rate to the agent's historical baseline", 0.40},
	},
	core.SignalContextDeviation: {
		{"defer_to_business_hours", "defer non-urgent work to business hours", 0.30},
		{"require_human_approval", "require human approval for sensitive off-hours operations", 0.25},
	},
}

// maxPlanSignals bounds a plan to the highest contributors; anything
// past the top three is noise relative to the composite.
const maxPlanSignals = 3

// BuildPlan derives an ordered remediation plan from an evaluation's
// signals. Steps come from the fixed per-signal rule table, impacts are
// scaled by each signal's share of the total contribution, and the
// projected target score compounds the reductions rather than adding
// them, so it never crosses zero.
func BuildPlan(agentID, intentID string, score float64, signals []core.Signal) *core.RemediationPlan {
	ranked := make([]core.Signal, len(signals))
	copy(ranked, signals)
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Contribution > ranked[j].Contribution
	})

	var total float64
	for _, s := range ranked {
		total += s.Contribution
	}

	plan := &core.RemediationPlan{
		AgentID:      agentID,
		IntentID:     intentID,
		CurrentScore: score,
		CreatedAt:    time.Now(),
	}

	target := score
	priority := 1
	for i, s := range ranked {
		if i >= maxPlanSignals || s.Contribution <= 0 || total <= 0 {
			break
		}
		share := s.Contribution / total
		for _, r := range remediationRules[s.Name] {
			impact := r.Impact * share
			plan.Steps = append(plan.Steps, core.RemediationStep{
				Priority:       priority,
				Signal:         s.Name,
				Action:         r.Action,
				Description:    r.Description,
				ExpectedImpact: impact,
			})
			target *= 1 - impact
			priority++
		}
	}

	plan.TargetScore = target
	return plan
}
