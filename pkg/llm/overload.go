package llm

import (
	"sort"
	"sync"
	"time"
)

// OverloadConfig tunes the upstream-pressure tracker. Zero values fall back
// to defaults.
type OverloadConfig struct {
	SlowThreshold time.Duration // p95 latency above this counts as pressure (default 2s)
	Window        time.Duration // observation window (default 30s)
	OverloadMin   int           // 429/503/pending signals in window before pressure (default 3)
	BaseDelay     time.Duration // first injected delay step (default 100ms)
	MaxDelay      time.Duration // injected delay ceiling (default 2s)
	PendingMarker string        // substring in response bodies signalling a queued upstream (default "pending")
}

func (c OverloadConfig) withDefaults() OverloadConfig {
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 2 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.OverloadMin <= 0 {
		c.OverloadMin = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.PendingMarker == "" {
		c.PendingMarker = "pending"
	}
	return c
}

type latencySample struct {
	at time.Time
	d  time.Duration
}

// overloadTracker watches upstream pressure signals — sustained p95 latency,
// 429/503 frequency, pending-queue markers — and answers with an adaptive,
// bounded per-request delay plus a widened permit weight while pressured.
// This is the mechanism that keeps a saturated upstream from cascading into
// the pipeline.
type overloadTracker struct {
	cfg OverloadConfig

	mu        sync.Mutex
	latencies []latencySample
	signals   []time.Time
}

func newOverloadTracker(cfg OverloadConfig) *overloadTracker {
	return &overloadTracker{cfg: cfg.withDefaults()}
}

// Observe records one completed upstream attempt. overloaded marks a 429/503
// status or a pending-queue marker in the body.
func (t *overloadTracker) Observe(now time.Time, latency time.Duration, overloaded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	t.latencies = append(t.latencies, latencySample{at: now, d: latency})
	if overloaded {
		t.signals = append(t.signals, now)
	}
}

// Pressured reports whether the upstream currently looks saturated.
func (t *overloadTracker) Pressured(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	return t.pressuredLocked()
}

// Delay returns the additional delay to inject before the next request.
// Zero when not pressured; otherwise scales with the signal count, bounded
// by MaxDelay.
func (t *overloadTracker) Delay(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	if !t.pressuredLocked() {
		return 0
	}
	steps := len(t.signals)
	if steps < 1 {
		steps = 1
	}
	d := t.cfg.BaseDelay * time.Duration(steps)
	if d > t.cfg.MaxDelay {
		d = t.cfg.MaxDelay
	}
	return d
}

func (t *overloadTracker) pressuredLocked() bool {
	if len(t.signals) >= t.cfg.OverloadMin {
		return true
	}
	if len(t.latencies) < 4 {
		return false
	}
	return t.p95Locked() > t.cfg.SlowThreshold
}

func (t *overloadTracker) p95Locked() time.Duration {
	ds := make([]time.Duration, len(t.latencies))
	for i, s := range t.latencies {
		ds[i] = s.d
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	idx := (len(ds) * 95) / 100
	if idx >= len(ds) {
		idx = len(ds) - 1
	}
	return ds[idx]
}

func (t *overloadTracker) prune(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	valid := 0
	for _, s := range t.latencies {
		if s.at.After(cutoff) {
			t.latencies[valid] = s
			valid++
		}
	}
	t.latencies = t.latencies[:valid]

	valid = 0
	for _, s := range t.signals {
		if s.After(cutoff) {
			t.signals[valid] = s
			valid++
		}
	}
	t.signals = t.signals[:valid]
}
