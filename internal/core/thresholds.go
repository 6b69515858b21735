package core

// Thresholds are the active risk-band upper edges. Terminal is everything
// at or above Critical. Adjusters may move the edges but must keep them
// monotonically increasing, which Sanitize enforces.
type Thresholds struct {
	Nominal  float64 `json:"nominal"`
	Elevated float64 `json:"elevated"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// LevelFor maps a composite score to the unique band containing it.
func (t Thresholds) LevelFor(score float64) RiskLevel {
	switch {
	case score < t.Nominal:
		return RiskNominal
	case score < t.Elevated:
		return RiskElevated
	case score < t.Warning:
		return RiskWarning
	case score < t.Critical:
		return RiskCritical
	default:
		return RiskTerminal
	}
}

// Scale multiplies every edge by factor, clamped into (0,1].
func (t Thresholds) Scale(factor float64) Thresholds {
	scale := func(v float64) float64 {
		v *= factor
		if v > 1 {
			v = 1
		}
		if v < 0.01 {
			v = 0.01
		}
		return v
	}
	return Thresholds{
		Nominal:  scale(t.Nominal),
		Elevated: scale(t.Elevated),
		Warning:  scale(t.Warning),
		Critical: scale(t.Critical),
	}
}

// Sanitize restores strict monotonic ordering after adjustment, nudging
// each edge above its predecessor when blending has collapsed them.
func (t Thresholds) Sanitize() Thresholds {
	const step = 1e-4
	out := t
	if out.Nominal <= 0 {
		out.Nominal = step
	}
	if out.Elevated <= out.Nominal {
		out.Elevated = out.Nominal + step
	}
	if out.Warning <= out.Elevated {
		out.Warning = out.Elevated + step
	}
	if out.Critical <= out.Warning {
		out.Critical = out.Warning + step
	}
	if out.Critical > 1 {
		out.Critical = 1
	}
	if out.Warning >= out.Critical {
		out.Warning = out.Critical - step
	}
	if out.Elevated >= out.Warning {
		out.Elevated = out.Warning - step
	}
	if out.Nominal >= out.Elevated {
		out.Nominal = out.Elevated - step
	}
	return out
}
