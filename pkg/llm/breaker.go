package llm

import (
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// BreakerConfig tunes the circuit breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	FailureRatio        float64       // trip when failures/total exceeds this (default 0.5)
	MinSamples          int           // ratio only evaluated at this sample size (default 20)
	ConsecutiveFailures int           // trip regardless of ratio (default 5)
	Window              time.Duration // rolling failure-count window (default 30s)
	Cooldown            time.Duration // open duration before half-open (default 15s)
	MaxCooldown         time.Duration // ceiling for doubled cooldowns (default 2m)
	ProbeMax            int           // concurrent probes admitted in half-open (default 3)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 2 * time.Minute
	}
	if c.ProbeMax <= 0 {
		c.ProbeMax = 3
	}
	return c
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker is a three-state circuit breaker over the upstream LLM.
//
//	Closed    — all requests pass; failures counted in a rolling window.
//	Open      — requests rejected until cooldown elapses.
//	HalfOpen  — up to ProbeMax concurrent probes admitted; all succeeding
//	            closes the circuit, any failing reopens it with the cooldown
//	            doubled up to MaxCooldown.
type Breaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	state          State
	outcomes       []outcome
	consecutive    int
	openedAt       time.Time
	cooldown       time.Duration
	probesInFlight int
	probeSuccesses int
	logger         *slog.Logger
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		cooldown: cfg.Cooldown,
		logger:   slog.Default().With("component", "llm-breaker"),
	}
}

// Allow reports whether a request may proceed at the given time. In
// half-open, each admitted request is a probe and must be concluded with
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		b.probeSuccesses = 0
		b.logger.Info("Circuit half-open, admitting probes", "probe_max", b.cfg.ProbeMax)
		fallthrough
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.ProbeMax {
			return false
		}
		b.probesInFlight++
		return true
	default:
		return true
	}
}

// RecordSuccess concludes a request that succeeded.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probesInFlight--
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.ProbeMax {
			b.state = StateClosed
			b.cooldown = b.cfg.Cooldown
			b.outcomes = b.outcomes[:0]
			b.consecutive = 0
			b.logger.Info("Circuit closed after successful probes")
		}
	case StateClosed:
		b.consecutive = 0
		b.record(now, false)
	}
}

// RecordFailure concludes a request that failed.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// One failed probe reopens with a doubled cooldown.
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.reopen(now)
		b.logger.Warn("Probe failed, circuit reopened", "cooldown", b.cooldown)
	case StateClosed:
		b.consecutive++
		b.record(now, true)
		if b.shouldTrip() {
			b.cooldown = b.cfg.Cooldown
			b.reopen(now)
			b.logger.Warn("Circuit opened",
				"consecutive_failures", b.consecutive,
				"window_samples", len(b.outcomes))
		}
	}
}

// CancelProbe frees a half-open probe slot for a request that was admitted
// by Allow but never reached upstream (local deadline while waiting on the
// overload delay or a concurrency permit, or a malformed request). Not a
// verdict on upstream health: state and counters are otherwise unchanged.
// Every Allow that returns true must be concluded by exactly one of
// RecordSuccess, RecordFailure, or CancelProbe — a leaked slot would wedge
// the breaker in half-open once leaks reach ProbeMax.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// CurrentState returns the breaker state without admitting anything.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// record appends an outcome and prunes entries outside the rolling window.
// Caller holds the lock.
func (b *Breaker) record(now time.Time, failure bool) {
	cutoff := now.Add(-b.cfg.Window)
	valid := 0
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			b.outcomes[valid] = o
			valid++
		}
	}
	b.outcomes = b.outcomes[:valid]
	b.outcomes = append(b.outcomes, outcome{at: now, failure: failure})
}

// shouldTrip evaluates the trip conditions. Caller holds the lock.
func (b *Breaker) shouldTrip() bool {
	if b.consecutive >= b.cfg.ConsecutiveFailures {
		return true
	}
	if len(b.outcomes) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, o := range b.outcomes {
		if o.failure {
			failures++
		}
	}
	return float64(failures)/float64(len(b.outcomes)) > b.cfg.FailureRatio
}

// reopen transitions to Open. Caller holds the lock and has set cooldown.
func (b *Breaker) reopen(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.probesInFlight = 0
	b.probeSuccesses = 0
	b.consecutive = 0
	b.outcomes = b.outcomes[:0]
}
