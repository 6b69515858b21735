package drift

import (
	"fmt"
	"strings"
	"time"

	"github.com/tirs/engine/internal/core"
)

// Context deviation contributions. Additive, capped at 1.0.
const (
	afterHoursRisk = 0.3
	weekendRisk    = 0.4
	holidayRisk    = 0.5
	contractorRisk = 0.2
	externalRisk   = 0.3
	sensitiveRisk  = 0.2
)

// defaultHolidays is the MM-DD set used when the caller supplies none.
var defaultHolidays = map[string]bool{
	"01-01": true,
	"07-04": true,
	"12-25": true,
}

// DeriveContext builds the business context for one request. Derived
// fresh every time, never persisted.
func DeriveContext(at time.Time, role string, sensitive bool, holidays map[string]bool) core.BusinessContext {
	if holidays == nil {
		holidays = defaultHolidays
	}
	hour := at.Hour()
	weekday := at.Weekday()

	return core.BusinessContext{
		Timestamp:  at,
		Hour:       hour,
		AfterHours: hour < 7 || hour >= 19,
		Weekend:    weekday == time.Saturday || weekday == time.Sunday,
		Holiday:    holidays[at.Format("01-02")],
		Role:       strings.ToLower(role),
		Sensitive:  sensitive,
	}
}

// ContextDeviation scores how far outside normal operating conditions
// this request sits, with a short explanation of what contributed.
func ContextDeviation(ctx core.BusinessContext) (float64, string) {
	var risk float64
	var parts []string

	if ctx.AfterHours {
		risk += afterHoursRisk
		parts = append(parts, "after-hours activity")
	}
	if ctx.Weekend {
		risk += weekendRisk
		parts = append(parts, "weekend activity")
	}
	if ctx.Holiday {
		risk += holidayRisk
		parts = append(parts, "holiday activity")
	}
	switch ctx.Role {
	case "contractor":
		risk += contractorRisk
		parts = append(parts, "contractor role")
	case "external":
		risk += externalRisk
		parts = append(parts, "external role")
	}
	if ctx.Sensitive {
		risk += sensitiveRisk
		parts = append(parts, "sensitive operation")
	}

	if len(parts) == 0 {
		return 0, "normal business context"
	}
	return core.Clip01(risk), strings.Join(parts, ", ")
}

// ContextualAdjuster tightens the active risk bands when the business
// context is itself risky, so an off-hours sensitive request trips
// enforcement at a lower composite score.
type ContextualAdjuster struct {
	// MaxTightening is the largest fractional reduction applied to the
	// band edges when context deviation saturates.
	MaxTightening float64
}

// NewContextualAdjuster returns an adjuster with the default 25% ceiling.
func NewContextualAdjuster() *ContextualAdjuster {
	return &ContextualAdjuster{MaxTightening: 0.25}
}

// Adjust scales the band edges down in proportion to context deviation.
// Scaling all edges by one factor preserves monotonic ordering; Sanitize
// guards the degenerate corners anyway.
func (a *ContextualAdjuster) Adjust(bands core.Thresholds, ctx core.BusinessContext) core.Thresholds {
	deviation, _ := ContextDeviation(ctx)
	if deviation == 0 {
		return bands
	}
	factor := 1.0 - a.MaxTightening*deviation
	return bands.Scale(factor).Sanitize()
}

// describeContext renders the context for explanations and audit payloads.
func describeContext(ctx core.BusinessContext) string {
	return fmt.Sprintf("hour=%d role=%s sensitive=%t after_hours=%t weekend=%t holiday=%t",
		ctx.Hour, ctx.Role, ctx.Sensitive, ctx.AfterHours, ctx.Weekend, ctx.Holiday)
}
