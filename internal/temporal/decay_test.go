package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tirs/engine/internal/core"
)

func record(agentID string, age time.Duration, allowed bool, now time.Time) *core.IntentRecord {
	return &core.IntentRecord{
		AgentID:   agentID,
		Timestamp: now.Add(-age),
		Allowed:   allowed,
	}
}

func TestDecayedViolationRateEmptyHistory(t *testing.T) {
	assert.Equal(t, 0.0, DecayedViolationRate(nil, 20, 30*time.Minute, time.Now()))
}

func TestDecayedViolationRateAllViolations(t *testing.T) {
	now := time.Now()
	var history []*core.IntentRecord
	for i := 0; i < 10; i++ {
		history = append(history, record("a", time.Duration(i)*time.Minute, false, now))
	}

	rate := DecayedViolationRate(history, 20, 30*time.Minute, now)
	assert.InDelta(t, 1.0, rate, 1e-9)
}

func TestDecayedViolationRateRecentViolationsDominate(t *testing.T) {
	now := time.Now()
	halfLife := 30 * time.Minute

	// One fresh violation among fresh compliant intents...
	recentViolation := []*core.IntentRecord{
		record("a", time.Minute, false, now),
		record("a", 2*time.Minute, true, now),
		record("a", 3*time.Minute, true, now),
	}
	// ...versus one stale violation among the same compliant intents.
	staleViolation := []*core.IntentRecord{
		record("a", 6*time.Hour, false, now),
		record("a", 2*time.Minute, true, now),
		record("a", 3*time.Minute, true, now),
	}

	fresh := DecayedViolationRate(recentViolation, 20, halfLife, now)
	stale := DecayedViolationRate(staleViolation, 20, halfLife, now)
	assert.Greater(t, fresh, stale)
}

func TestDecayedViolationRateWindowBound(t *testing.T) {
	now := time.Now()
	// 30 old violations outside the window, 5 fresh compliant intents inside.
	var history []*core.IntentRecord
	for i := 0; i < 30; i++ {
		history = append(history, record("a", time.Minute, false, now))
	}
	for i := 0; i < 5; i++ {
		history = append(history, record("a", time.Second, true, now))
	}

	rate := DecayedViolationRate(history, 5, 30*time.Minute, now)
	assert.Equal(t, 0.0, rate)
}

func TestVelocityAnomalyColdStart(t *testing.T) {
	vt := NewVelocityTracker(5 * time.Minute)
	now := time.Now()

	assert.Equal(t, 0.0, vt.Anomaly("ghost", now))

	vt.Record("a", now)
	vt.Record("a", now)
	assert.Equal(t, 0.0, vt.Anomaly("a", now), "too few events to judge")
}

func TestVelocityAnomalyDetectsBurst(t *testing.T) {
	vt := NewVelocityTracker(5 * time.Minute)
	start := time.Now().Add(-2 * time.Hour)

	// Baseline: one action every 10 minutes for ~2 hours.
	for i := 0; i < 12; i++ {
		vt.Record("a", start.Add(time.Duration(i)*10*time.Minute))
	}

	now := start.Add(2 * time.Hour)
	calm := vt.Anomaly("a", now)

	// Burst: 30 actions in the last two minutes.
	for i := 0; i < 30; i++ {
		vt.Record("a", now.Add(-time.Duration(i)*4*time.Second))
	}
	burst := vt.Anomaly("a", now)

	assert.Greater(t, burst, calm)
	assert.LessOrEqual(t, burst, 1.0)
	assert.Greater(t, burst, 0.5)
}

func TestVelocityResetForgetsHistory(t *testing.T) {
	vt := NewVelocityTracker(5 * time.Minute)
	now := time.Now()
	for i := 0; i < 50; i++ {
		vt.Record("a", now.Add(-time.Duration(i)*time.Second))
	}

	vt.Reset("a")
	assert.Equal(t, 0.0, vt.Anomaly("a", now))
}
