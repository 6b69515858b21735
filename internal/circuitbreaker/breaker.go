// Package circuitbreaker guards calls to external dependencies so a
// flapping backend cannot slow down intent evaluation.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's current mode.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // failure threshold tripped, requests blocked
	StateHalfOpen              // probing whether the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the wrapped call while the
// breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes trip and recovery behavior.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before tripping
	Cooldown         time.Duration // open duration before a half-open probe
	ProbeSuccesses   int           // successes in half-open before closing
}

// DefaultConfig trips after 5 consecutive failures, waits 30 seconds,
// and closes again after 2 successful probes.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeSuccesses:   2,
	}
}

// Breaker is a consecutive-failure circuit breaker. Safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 2
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn if the breaker admits it and records the outcome.
// While open, it returns ErrOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current state, promoting open to half-open once
// the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	if b.state == StateOpen {
		return ErrOpen
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	if ok {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.ProbeSuccesses {
				b.transitionLocked(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	if b.state == StateHalfOpen {
		b.transitionLocked(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		b.failures = 0
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
	}
	slog.Warn("[CircuitBreaker] state change",
		"name", b.cfg.Name, "from", from.String(), "to", to.String())
}
