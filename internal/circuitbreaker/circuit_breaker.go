// Package circuitbreaker implements the per-upstream circuit breaker state
// machine. Each upstream gets its own Breaker; a Registry holds the set
// keyed by upstream id.
//
// State transitions:
//
//	Closed   → Open       on reaching FailureThreshold consecutive failures
//	Open     → HalfOpen   when ProbeInterval has elapsed, admitting one probe
//	HalfOpen → Closed     on reaching SuccessThreshold consecutive successes
//	HalfOpen → Open       on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents a breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned when admit() refuses a request.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config carries the thresholds for one breaker. Durations are in
// milliseconds to match the in-memory convention spec §9 settles on.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDurationMs   int64
	ProbeIntervalMs  int64
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenDurationMs <= 0 {
		c.OpenDurationMs = 30000
	}
	if c.ProbeIntervalMs <= 0 {
		c.ProbeIntervalMs = 5000
	}
	return c
}

// Breaker guards a single upstream. An outstanding probe blocks further
// admission until it records success or failure — this is the one
// meaningful deviation from a plain timeout-based half-open: spec §4.3
// requires "admit one probe" per interval, not unlimited half-open traffic.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failureCount  int
	successCount  int
	openedAt      time.Time
	lastProbeAt   time.Time
	probeInFlight bool
}

// New creates a Breaker with the given config, applying spec defaults for
// zero fields.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.normalized(), state: StateClosed}
}

// State returns the breaker's current externally-visible state without
// mutating it (no probe is admitted as a side effect of inspection).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Admit reports whether a request may proceed. In Open, at most one probe
// is admitted per ProbeIntervalMs (invariant 2, spec §8); admitting a
// probe transitions the breaker to HalfOpen and marks it in-flight so a
// second concurrent caller in the same window is refused. In HalfOpen, the
// next probe is admitted once the previous one has recorded its outcome
// and ProbeIntervalMs has passed since it was admitted.
func (b *Breaker) Admit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probeInFlight || now.Sub(b.lastProbeAt).Milliseconds() < b.cfg.ProbeIntervalMs {
			return false
		}
		b.lastProbeAt = now
		b.probeInFlight = true
		return true
	case StateOpen:
		if b.probeInFlight {
			return false
		}
		since := now.Sub(b.lastProbeAt)
		if b.lastProbeAt.IsZero() {
			since = now.Sub(b.openedAt)
		}
		if since.Milliseconds() < b.cfg.ProbeIntervalMs {
			return false
		}
		b.state = StateHalfOpen
		b.lastProbeAt = now
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess notifies the breaker of a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		b.probeInFlight = false
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notifies the breaker of a failed call.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.lastProbeAt = time.Time{}
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.successCount = 0
		b.probeInFlight = false
	}
}

// Counts returns the current failure/success counters, mainly for tests
// and the RoutingDecisionLog shell (spec §4.7).
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

// Registry holds one Breaker per upstream id, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a Registry that applies defaultCfg to breakers
// created for upstreams without an explicit per-upstream config.
func NewRegistry(defaultCfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), defaults: defaultCfg}
}

// Get returns the breaker for id, creating it with cfg (or the registry
// default if cfg is zero) on first access.
func (r *Registry) Get(id string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	if cfg == (Config{}) {
		cfg = r.defaults
	}
	b := New(cfg)
	r.breakers[id] = b
	return b
}

// Snapshot returns the current state of every known breaker, for metrics
// export and the RoutingDecisionLog shell.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}
