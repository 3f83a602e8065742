// Package selector implements the Selector (C8): picking one upstream
// from an ordered-by-priority candidate list using a configurable
// in-group strategy. Weighted selection is adapted directly from the
// teacher's load-balance strategy (cumulative-weight scan); round-robin
// and least-connections are new, required by spec §4.8.
package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// Strategy names the in-priority-group selection algorithm.
type Strategy string

const (
	StrategyWeighted        Strategy = "weighted"
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
)

// InFlightCounter exposes the Forwarder's published in-flight counts, read
// by the least_connections strategy (spec §4.8).
type InFlightCounter interface {
	InFlight(upstreamID string) int64
}

// Selector picks one upstream from a priority-grouped candidate list.
type Selector struct {
	strategy Strategy
	inFlight InFlightCounter

	mu       sync.Mutex
	rrIndex  map[string]*atomic.Uint64 // keyed by priority-group+upstream-set hash
}

// New creates a Selector using strategy as the default in-group algorithm.
// inFlight may be nil unless strategy is StrategyLeastConnections.
func New(strategy Strategy, inFlight InFlightCounter) *Selector {
	if strategy == "" {
		strategy = StrategyWeighted
	}
	return &Selector{strategy: strategy, inFlight: inFlight, rrIndex: make(map[string]*atomic.Uint64)}
}

// lowestPriorityGroup returns the subset of candidates sharing the lowest
// Priority value present (spec §4.8: "operate on the lowest-numbered
// non-empty group").
func lowestPriorityGroup(candidates []model.Upstream) []model.Upstream {
	if len(candidates) == 0 {
		return nil
	}
	lowest := candidates[0].Priority
	for _, c := range candidates {
		if c.Priority < lowest {
			lowest = c.Priority
		}
	}
	group := make([]model.Upstream, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority == lowest {
			group = append(group, c)
		}
	}
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	return group
}

// Select picks one upstream from candidates' lowest-numbered priority
// group. requestID is used as the stable-hash tiebreak for weighted
// selection, so that repeated calls with the same request id and
// candidate set are deterministic (spec §4.8, and the S1 scenario's "stub
// weighted RNG").
func (s *Selector) Select(candidates []model.Upstream, requestID string) (model.Upstream, bool) {
	group := lowestPriorityGroup(candidates)
	if len(group) == 0 {
		return model.Upstream{}, false
	}

	switch s.strategy {
	case StrategyRoundRobin:
		return s.selectRoundRobin(group), true
	case StrategyLeastConnections:
		return s.selectLeastConnections(group), true
	default:
		return s.selectWeighted(group, requestID), true
	}
}

func (s *Selector) selectWeighted(group []model.Upstream, requestID string) model.Upstream {
	total := 0
	for _, u := range group {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return group[0]
	}

	r := stableHash(requestID, groupKey(group)) % uint64(total)
	cumulative := uint64(0)
	for _, u := range group {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		cumulative += uint64(w)
		if r < cumulative {
			return u
		}
	}
	return group[len(group)-1]
}

func (s *Selector) selectRoundRobin(group []model.Upstream) model.Upstream {
	key := groupKey(group)
	s.mu.Lock()
	counter, ok := s.rrIndex[key]
	if !ok {
		counter = &atomic.Uint64{}
		s.rrIndex[key] = counter
	}
	s.mu.Unlock()

	idx := counter.Add(1) - 1
	return group[int(idx%uint64(len(group)))]
}

func (s *Selector) selectLeastConnections(group []model.Upstream) model.Upstream {
	best := group[0]
	bestCount := s.inFlightOf(best.ID)
	for _, u := range group[1:] {
		c := s.inFlightOf(u.ID)
		if c < bestCount || (c == bestCount && u.ID < best.ID) {
			best = u
			bestCount = c
		}
	}
	return best
}

func (s *Selector) inFlightOf(id string) int64 {
	if s.inFlight == nil {
		return 0
	}
	return s.inFlight.InFlight(id)
}

func groupKey(group []model.Upstream) string {
	ids := make([]string, len(group))
	for i, u := range group {
		ids[i] = u.ID
	}
	sort.Strings(ids)
	key := ""
	for _, id := range ids {
		key += id + ","
	}
	return key
}

func stableHash(requestID, groupKey string) uint64 {
	sum := sha256.Sum256([]byte(requestID + "|" + groupKey))
	return binary.BigEndian.Uint64(sum[:8])
}

// AtomicInFlight is a simple InFlightCounter backed by per-upstream atomic
// counters, published by internal/forwarder.
type AtomicInFlight struct {
	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

// NewAtomicInFlight creates an empty AtomicInFlight tracker.
func NewAtomicInFlight() *AtomicInFlight {
	return &AtomicInFlight{counts: make(map[string]*atomic.Int64)}
}

func (a *AtomicInFlight) counter(id string) *atomic.Int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counts[id]
	if !ok {
		c = &atomic.Int64{}
		a.counts[id] = c
	}
	return c
}

// Inc increments the in-flight count for id, returning the new value.
func (a *AtomicInFlight) Inc(id string) int64 { return a.counter(id).Add(1) }

// Dec decrements the in-flight count for id, returning the new value.
func (a *AtomicInFlight) Dec(id string) int64 { return a.counter(id).Add(-1) }

// InFlight implements InFlightCounter.
func (a *AtomicInFlight) InFlight(id string) int64 { return a.counter(id).Load() }
