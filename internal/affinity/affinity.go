// Package affinity implements the Session Affinity Store (C6): a sticky
// upstream binding per (apiKeyId, capability, sessionId), with sliding and
// absolute TTLs and the migration policy that moves an established
// session to a higher-priority upstream when permitted.
package affinity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// Key formats an AffinityKey into a single string for wire/storage use
// (e.g. as a Redis key).
func Key(k model.AffinityKey) string {
	return k.APIKeyID + "\x00" + string(k.Capability) + "\x00" + k.SessionID
}

const shardCount = 32

func shardFor(k model.AffinityKey) int {
	sum := sha256.Sum256([]byte(Key(k)))
	return int(binary.BigEndian.Uint32(sum[:4]) % shardCount)
}

// Store is a concurrent, sharded in-memory affinity store (spec §5: "a
// concurrent map sharded by hash of key tuple, per-shard mutex").
type Store struct {
	shards     [shardCount]shard
	slidingTTL time.Duration
	maxTTL     time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[model.AffinityKey]*model.AffinityEntry
}

// NewStore creates an in-memory Store with the given TTLs. Defaults match
// spec §4.6: sliding 5 min, absolute 30 min.
func NewStore(slidingTTL, maxTTL time.Duration) *Store {
	if slidingTTL <= 0 {
		slidingTTL = 5 * time.Minute
	}
	if maxTTL <= 0 {
		maxTTL = 30 * time.Minute
	}
	s := &Store{slidingTTL: slidingTTL, maxTTL: maxTTL}
	for i := range s.shards {
		s.shards[i].entries = make(map[model.AffinityKey]*model.AffinityEntry)
	}
	return s
}

// Get returns the entry for key if present and not expired, refreshing its
// sliding TTL (spec §4.6: "return entry if not expired (sliding-TTL
// refresh)").
func (s *Store) Get(key model.AffinityKey, now time.Time) (model.AffinityEntry, bool) {
	sh := &s.shards[shardFor(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return model.AffinityEntry{}, false
	}
	if e.Expired(now, s.slidingTTL, s.maxTTL) {
		delete(sh.entries, key)
		return model.AffinityEntry{}, false
	}
	e.LastAccessedAt = now
	return *e, true
}

// Set installs or updates the binding for key. If an entry already exists,
// CumulativeTokens is preserved and CreatedAt is untouched; otherwise a new
// entry is created (spec §4.6).
func (s *Store) Set(key model.AffinityKey, upstreamID string, contentLength int64, now time.Time) {
	sh := &s.shards[shardFor(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		e.UpstreamID = upstreamID
		e.ContentLength = contentLength
		e.LastAccessedAt = now
		return
	}
	sh.entries[key] = &model.AffinityEntry{
		UpstreamID:     upstreamID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ContentLength:  contentLength,
	}
}

// UpdateCumulativeTokens adds newTokens to the stored cumulative total for
// key, if the entry still exists. Cumulative tokens are monotonically
// non-decreasing across the entry's lifetime (invariant 3, spec §8).
func (s *Store) UpdateCumulativeTokens(key model.AffinityKey, newTokens int64, now time.Time) {
	if newTokens <= 0 {
		return
	}
	sh := &s.shards[shardFor(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		e.CumulativeTokens += newTokens
		e.LastAccessedAt = now
	}
}

// Delete removes the binding for key, if present.
func (s *Store) Delete(key model.AffinityKey) {
	sh := &s.shards[shardFor(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
}

// Sweep removes every entry across all shards that has aged out under the
// sliding/absolute TTL pair as of now. Intended to run on a ticker.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.Expired(now, s.slidingTTL, s.maxTTL) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// RunSweeper starts a background loop calling Sweep at the given interval
// until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

var sessionIDRegex = regexp.MustCompile(`_session_([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)

// ExtractSessionID pulls a session id out of an inbound request per spec
// §4.6's capability-dispatched rules. userID is the anthropic_messages
// body's metadata.user_id field (empty if absent/not applicable); header
// is the session_id header value for the OpenAI/Codex-family capabilities.
func ExtractSessionID(cap model.RouteCapability, userID, header string) string {
	switch cap {
	case model.CapabilityAnthropicMessages:
		m := sessionIDRegex.FindStringSubmatch(userID)
		if len(m) != 2 {
			return ""
		}
		return toLower(m[1])
	case model.CapabilityCodexResponses, model.CapabilityOpenAIChatCompatible, model.CapabilityOpenAIExtended:
		return header
	default:
		return ""
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ShouldMigrate implements spec §4.6's migration decision. candidates is
// the current filtered candidate set (including upstreams at or below
// current's priority, which this function filters internally);
// currentPriority is the affinity-bound upstream's priority.
//
// This is a pure function of its inputs (spec §8 round-trip law).
func ShouldMigrate(currentPriority int, candidates []model.Upstream, contentLength, cumulativeTokens int64) *model.Upstream {
	higher := make([]model.Upstream, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority < currentPriority {
			higher = append(higher, c)
		}
	}
	if len(higher) == 0 {
		return nil
	}
	sort.Slice(higher, func(i, j int) bool {
		if higher[i].Priority != higher[j].Priority {
			return higher[i].Priority < higher[j].Priority
		}
		return higher[i].ID < higher[j].ID
	})
	for i := range higher {
		cand := higher[i]
		cfg := cand.AffinityMigration
		if cfg == nil || !cfg.Enabled {
			continue
		}
		switch cfg.Metric {
		case "tokens":
			if cumulativeTokens < cfg.Threshold {
				return &higher[i]
			}
		case "length":
			if contentLength < cfg.Threshold {
				return &higher[i]
			}
		}
	}
	return nil
}
