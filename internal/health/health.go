// Package health implements the Health Tracker (C4): passive liveness
// derived from completed forward attempts, plus an optional active
// prober. Active results are informational only — spec §9 notes active
// health checks were never consistently wired to the circuit breaker in
// the source system, and this module preserves that boundary rather than
// "fixing" it.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/logging"
	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// Tracker holds per-upstream UpstreamHealth, protected by a mutex shared
// across all upstreams to match the circuit breaker's discipline of short,
// no-I/O critical sections (spec §5).
type Tracker struct {
	mu     sync.Mutex
	byID   map[string]*model.UpstreamHealth
	strict bool // if true, Filter excludes unhealthy upstreams
}

// NewTracker creates an empty Tracker. strict controls whether an
// unhealthy upstream is excluded from candidate filtering (spec §4.7 step
// 6: "beyond a configurable strict mode").
func NewTracker(strict bool) *Tracker {
	return &Tracker{byID: make(map[string]*model.UpstreamHealth), strict: strict}
}

func (t *Tracker) entry(id string) *model.UpstreamHealth {
	h, ok := t.byID[id]
	if !ok {
		h = &model.UpstreamHealth{IsHealthy: true}
		t.byID[id] = h
	}
	return h
}

// RecordSuccess updates passive health after a successful forward attempt.
func (t *Tracker) RecordSuccess(id string, latency time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(id)
	h.IsHealthy = true
	h.FailureCount = 0
	h.LastCheckAt = &at
	h.LastSuccessAt = &at
	ms := latency.Milliseconds()
	h.LatencyMs = &ms
	h.ErrorMessage = ""
}

// RecordFailure updates passive health after a failed forward attempt.
func (t *Tracker) RecordFailure(id string, errMsg string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(id)
	h.FailureCount++
	h.LastCheckAt = &at
	h.ErrorMessage = errMsg
	if h.FailureCount >= 3 {
		h.IsHealthy = false
	}
}

// Get returns a copy of the current health for id.
func (t *Tracker) Get(id string) model.UpstreamHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byID[id]; ok {
		return *h
	}
	return model.UpstreamHealth{IsHealthy: true}
}

// IsHealthy reports whether id passes strict-mode filtering (false means
// the upstream is excluded).
// When strict mode is off this always returns true — spec §4.7 step 6
// treats strictness as opt-in.
func (t *Tracker) IsHealthy(id string) bool {
	if !t.strict {
		return true
	}
	return t.Get(id).IsHealthy
}

// Prober is the optional active health checker (spec §4.4, §3 supplement):
// a background goroutine per upstream hitting a cheap provider endpoint at
// a configured interval.
type Prober struct {
	tracker  *Tracker
	client   *http.Client
	interval time.Duration
}

// NewProber creates a Prober that writes its results into tracker.
func NewProber(tracker *Tracker, interval time.Duration) *Prober {
	return &Prober{
		tracker:  tracker,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
	}
}

// Run probes upstream at p.interval until ctx is cancelled. probeURL is the
// cheap endpoint to HEAD (e.g. baseURL + "/v1/models" style path);
// outcomes update the same UpstreamHealth fields RecordSuccess/RecordFailure
// do, but never touch the circuit breaker.
func (p *Prober) Run(ctx context.Context, upstreamID, probeURL string) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx, upstreamID, probeURL)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, upstreamID, probeURL string) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		p.tracker.RecordFailure(upstreamID, err.Error(), time.Now())
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.tracker.RecordFailure(upstreamID, err.Error(), time.Now())
		logging.FromContext(ctx).Debug("active health probe failed", "upstream", upstreamID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		p.tracker.RecordFailure(upstreamID, resp.Status, time.Now())
		return
	}
	p.tracker.RecordSuccess(upstreamID, time.Since(start), time.Now())
}
