// Package config loads and validates the TIRS engine configuration.
//
// Configuration errors (weights not summing to 1.0, non-monotonic risk
// bands) are construction-time failures: Validate is called by Load and
// by the engine constructor, never deferred to the hot path.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Adaptive  AdaptiveConfig  `yaml:"adaptive"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
	Audit     AuditConfig     `yaml:"audit"`
	Forensics ForensicsConfig `yaml:"forensics"`
	Fabric    FabricConfig    `yaml:"fabric"`
}

type ServerConfig struct {
	Port               string   `yaml:"port"`
	Env                string   `yaml:"env"`
	CORSAllowOrigins   []string `yaml:"cors_allow_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"` // 0 disables rate limiting
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
}

type EngineConfig struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	Weights   SignalWeights   `yaml:"weights"`
	Bands     RiskBands       `yaml:"bands"`

	// HistoryWindow bounds the per-agent intent history (oldest evicted).
	HistoryWindow int `yaml:"history_window"`

	// ViolationWindow is the number of recent intents the decayed
	// violation-rate signal looks at.
	ViolationWindow          int     `yaml:"violation_window"`
	ViolationHalfLifeMinutes float64 `yaml:"violation_half_life_minutes"`

	// SurprisalCeilingNats normalizes capability surprisal into [0,1].
	SurprisalCeilingNats float64 `yaml:"surprisal_ceiling_nats"`

	// ResurrectionKeepHistory is how many risk-history entries survive a
	// resurrection. Source heuristic, kept configurable.
	ResurrectionKeepHistory int `yaml:"resurrection_keep_history"`
	MaxResurrections        int `yaml:"max_resurrections"`
}

type EmbeddingConfig struct {
	Dimension int `yaml:"dimension"`
	CacheSize int `yaml:"cache_size"`
}

// SignalWeights must sum to 1.0. Each is independently configurable.
type SignalWeights struct {
	Embedding float64 `yaml:"embedding"`
	Surprisal float64 `yaml:"surprisal"`
	Violation float64 `yaml:"violation"`
	Velocity  float64 `yaml:"velocity"`
	Context   float64 `yaml:"context"`
}

// RiskBands are the upper edges of each band; terminal is everything at
// or above Critical. Must be strictly increasing.
type RiskBands struct {
	Nominal  float64 `yaml:"nominal"`
	Elevated float64 `yaml:"elevated"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

type AdaptiveConfig struct {
	LearningWindowHours float64            `yaml:"learning_window_hours"`
	MinSamples          int                `yaml:"min_samples"`
	AdaptationRate      float64            `yaml:"adaptation_rate"`
	TypeMultipliers     map[string]float64 `yaml:"type_multipliers"`
	IncidentMultiplier  float64            `yaml:"incident_multiplier"`
}

type BehaviorConfig struct {
	// MinSamples gates the learning → established transition.
	MinSamples      int     `yaml:"min_samples"`
	ZScoreThreshold float64 `yaml:"zscore_threshold"`
}

type AuditConfig struct {
	// Driver is "file" or "postgres".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ForensicsConfig struct {
	SnapshotDir          string `yaml:"snapshot_dir"`
	PatternWindowMinutes int    `yaml:"pattern_window_minutes"`
}

type FabricConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Default returns the configuration the engine ships with.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "dev", CORSAllowOrigins: []string{"*"}, RateLimitPerMinute: 240},
		Engine: EngineConfig{
			Embedding: EmbeddingConfig{Dimension: 256, CacheSize: 2048},
			Weights: SignalWeights{
				Embedding: 0.30,
				Surprisal: 0.25,
				Violation: 0.20,
				Velocity:  0.15,
				Context:   0.10,
			},
			Bands: RiskBands{
				Nominal:  0.30,
				Elevated: 0.50,
				Warning:  0.70,
				Critical: 0.85,
			},
			HistoryWindow:            50,
			ViolationWindow:          20,
			ViolationHalfLifeMinutes: 30,
			SurprisalCeilingNats:     7.0,
			ResurrectionKeepHistory:  5,
			MaxResurrections:         3,
		},
		Adaptive: AdaptiveConfig{
			LearningWindowHours: 24,
			MinSamples:          50,
			AdaptationRate:      0.1,
			TypeMultipliers: map[string]float64{
				"finance": 0.85,
				"legal":   0.85,
			},
			IncidentMultiplier: 0.80,
		},
		Behavior: BehaviorConfig{
			MinSamples:      30,
			ZScoreThreshold: 2.5,
		},
		Audit: AuditConfig{Driver: "file", Path: "data/audit.jsonl"},
		Forensics: ForensicsConfig{
			SnapshotDir:          "data/snapshots",
			PatternWindowMinutes: 60,
		},
		Fabric: FabricConfig{ChannelPrefix: "tirs:events:"},
	}
}

// Load reads a YAML config file, layers it over the defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configurations the engine must not run with.
func (c *Config) Validate() error {
	w := c.Engine.Weights
	sum := w.Embedding + w.Surprisal + w.Violation + w.Velocity + w.Context
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("signal weights must sum to 1.0, got %.6f", sum)
	}
	for name, v := range map[string]float64{
		"embedding": w.Embedding, "surprisal": w.Surprisal,
		"violation": w.Violation, "velocity": w.Velocity, "context": w.Context,
	} {
		if v < 0 {
			return fmt.Errorf("signal weight %q must be non-negative, got %f", name, v)
		}
	}

	b := c.Engine.Bands
	if !(b.Nominal > 0 && b.Nominal < b.Elevated && b.Elevated < b.Warning &&
		b.Warning < b.Critical && b.Critical <= 1.0) {
		return fmt.Errorf("risk bands must be strictly increasing in (0,1]: %+v", b)
	}

	if c.Engine.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be positive, got %d", c.Engine.HistoryWindow)
	}
	if c.Engine.ViolationWindow <= 0 {
		return fmt.Errorf("violation_window must be positive, got %d", c.Engine.ViolationWindow)
	}
	if c.Engine.ViolationHalfLifeMinutes <= 0 {
		return fmt.Errorf("violation_half_life_minutes must be positive, got %f", c.Engine.ViolationHalfLifeMinutes)
	}
	if c.Engine.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Engine.Embedding.Dimension)
	}
	if c.Engine.MaxResurrections < 0 {
		return fmt.Errorf("max_resurrections must be non-negative, got %d", c.Engine.MaxResurrections)
	}

	if r := c.Adaptive.AdaptationRate; r < 0 || r > 1 {
		return fmt.Errorf("adaptation_rate must be in [0,1], got %f", r)
	}
	for agentType, m := range c.Adaptive.TypeMultipliers {
		if m <= 0 || m > 1 {
			return fmt.Errorf("type multiplier for %q must be in (0,1], got %f", agentType, m)
		}
	}

	switch c.Audit.Driver {
	case "file", "postgres":
	default:
		return fmt.Errorf("audit driver must be \"file\" or \"postgres\", got %q", c.Audit.Driver)
	}

	return nil
}
