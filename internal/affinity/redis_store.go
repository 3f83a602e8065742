package affinity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a distributed affinity store for multi-replica gateway
// deployments, where an in-process sharded map cannot provide a shared
// view of which upstream a session is bound to (SPEC_FULL.md §2: "C6 ...
// distributed session-affinity backend"). It implements the same
// operations as Store against a Redis keyspace, using the sliding TTL as
// the key expiry and the absolute TTL as a stored creation timestamp
// checked on read.
type RedisStore struct {
	client     *redis.Client
	slidingTTL time.Duration
	maxTTL     time.Duration
	prefix     string
}

// NewRedisStore creates a RedisStore using client for storage.
func NewRedisStore(client *redis.Client, slidingTTL, maxTTL time.Duration) *RedisStore {
	if slidingTTL <= 0 {
		slidingTTL = 5 * time.Minute
	}
	if maxTTL <= 0 {
		maxTTL = 30 * time.Minute
	}
	return &RedisStore{client: client, slidingTTL: slidingTTL, maxTTL: maxTTL, prefix: "autorouter:affinity:"}
}

func (s *RedisStore) redisKey(key model.AffinityKey) string {
	return s.prefix + Key(key)
}

type wireEntry struct {
	UpstreamID       string    `json:"upstream_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	ContentLength    int64     `json:"content_length"`
	CumulativeTokens int64     `json:"cumulative_tokens"`
}

// Get returns the entry for key, refreshing its sliding TTL on read.
func (s *RedisStore) Get(ctx context.Context, key model.AffinityKey, now time.Time) (model.AffinityEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return model.AffinityEntry{}, false, nil
	}
	if err != nil {
		return model.AffinityEntry{}, false, fmt.Errorf("affinity: redis get: %w", err)
	}
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.AffinityEntry{}, false, fmt.Errorf("affinity: decode entry: %w", err)
	}
	entry := model.AffinityEntry{
		UpstreamID:       w.UpstreamID,
		CreatedAt:        w.CreatedAt,
		LastAccessedAt:   now,
		ContentLength:    w.ContentLength,
		CumulativeTokens: w.CumulativeTokens,
	}
	if entry.Expired(now, s.slidingTTL, s.maxTTL) {
		_ = s.client.Del(ctx, s.redisKey(key)).Err()
		return model.AffinityEntry{}, false, nil
	}
	if err := s.persist(ctx, key, entry); err != nil {
		return entry, true, err
	}
	return entry, true, nil
}

func (s *RedisStore) persist(ctx context.Context, key model.AffinityKey, entry model.AffinityEntry) error {
	w := wireEntry{
		UpstreamID:       entry.UpstreamID,
		CreatedAt:        entry.CreatedAt,
		LastAccessedAt:   entry.LastAccessedAt,
		ContentLength:    entry.ContentLength,
		CumulativeTokens: entry.CumulativeTokens,
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("affinity: encode entry: %w", err)
	}
	ttl := s.slidingTTL
	if remaining := s.maxTTL - entry.LastAccessedAt.Sub(entry.CreatedAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.redisKey(key), raw, ttl).Err()
}

// Set installs or updates the binding for key, preserving CumulativeTokens
// from any existing entry.
func (s *RedisStore) Set(ctx context.Context, key model.AffinityKey, upstreamID string, contentLength int64, now time.Time) error {
	existing, ok, err := s.Get(ctx, key, now)
	if err != nil {
		return err
	}
	entry := model.AffinityEntry{
		UpstreamID:     upstreamID,
		ContentLength:  contentLength,
		LastAccessedAt: now,
		CreatedAt:      now,
	}
	if ok {
		entry.CreatedAt = existing.CreatedAt
		entry.CumulativeTokens = existing.CumulativeTokens
	}
	return s.persist(ctx, key, entry)
}

// UpdateCumulativeTokens adds newTokens to the stored cumulative total.
func (s *RedisStore) UpdateCumulativeTokens(ctx context.Context, key model.AffinityKey, newTokens int64, now time.Time) error {
	if newTokens <= 0 {
		return nil
	}
	existing, ok, err := s.Get(ctx, key, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	existing.CumulativeTokens += newTokens
	existing.LastAccessedAt = now
	return s.persist(ctx, key, existing)
}

// Delete removes the binding for key.
func (s *RedisStore) Delete(ctx context.Context, key model.AffinityKey) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}
