package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Engine.Weights.Embedding = 0.5 // sum now 1.2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidateRejectsNegativeWeight(t *testing.T) {
	cfg := Default()
	cfg.Engine.Weights.Velocity = -0.15
	cfg.Engine.Weights.Embedding = 0.60 // keep the sum at 1.0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-negative")
}

func TestValidateRejectsNonMonotonicBands(t *testing.T) {
	cfg := Default()
	cfg.Engine.Bands.Warning = 0.45 // below elevated

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestValidateRejectsUnknownAuditDriver(t *testing.T) {
	cfg := Default()
	cfg.Audit.Driver = "spanner"
	require.Error(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tirs.yaml")
	yaml := `
server:
  port: "9090"
engine:
  history_window: 25
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Engine.HistoryWindow)
	// Untouched defaults survive the overlay.
	assert.Equal(t, 0.30, cfg.Engine.Weights.Embedding)
	assert.Equal(t, 50, cfg.Adaptive.MinSamples)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tirs.yaml")
	yaml := `
engine:
  bands:
    nominal: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
