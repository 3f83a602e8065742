package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSetPreservesCumulativeTokens(t *testing.T) {
	s := NewStore(5*time.Minute, 30*time.Minute)
	now := time.Now()
	key := model.AffinityKey{APIKeyID: "k1", Capability: model.CapabilityAnthropicMessages, SessionID: "sess-a"}

	s.Set(key, "u1", 100, now)
	s.UpdateCumulativeTokens(key, 500, now)

	s.Set(key, "u2", 200, now.Add(time.Second))
	entry, ok := s.Get(key, now.Add(time.Second))
	require.True(t, ok)
	require.Equal(t, "u2", entry.UpstreamID)
	require.EqualValues(t, 500, entry.CumulativeTokens)
}

func TestGetExpiresOnSlidingTTL(t *testing.T) {
	s := NewStore(time.Minute, time.Hour)
	now := time.Now()
	key := model.AffinityKey{APIKeyID: "k1", Capability: model.CapabilityAnthropicMessages, SessionID: "sess-a"}
	s.Set(key, "u1", 10, now)

	_, ok := s.Get(key, now.Add(2*time.Minute))
	require.False(t, ok)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := NewStore(time.Minute, time.Hour)
	now := time.Now()
	key := model.AffinityKey{APIKeyID: "k1", Capability: model.CapabilityAnthropicMessages, SessionID: "sess-a"}
	s.Set(key, "u1", 10, now)

	removed := s.Sweep(now.Add(2 * time.Minute))
	require.Equal(t, 1, removed)
	_, ok := s.Get(key, now.Add(2*time.Minute))
	require.False(t, ok)
}

func TestExtractSessionIDAnthropic(t *testing.T) {
	userID := "x_session_11111111-2222-3333-4444-555555555555"
	id := ExtractSessionID(model.CapabilityAnthropicMessages, userID, "")
	require.Equal(t, "11111111-2222-3333-4444-555555555555", id)
}

func TestExtractSessionIDOpenAIFromHeader(t *testing.T) {
	id := ExtractSessionID(model.CapabilityOpenAIChatCompatible, "", "sess-header-123")
	require.Equal(t, "sess-header-123", id)
}

func TestExtractSessionIDNoMatch(t *testing.T) {
	id := ExtractSessionID(model.CapabilityAnthropicMessages, "not-a-session-string", "")
	require.Empty(t, id)
}

func TestShouldMigratePicksFirstAcceptingHigherPriorityCandidate(t *testing.T) {
	candidates := []model.Upstream{
		{ID: "u-low", Priority: 1},
		{ID: "u-high", Priority: 0, AffinityMigration: &model.AffinityMigrationConfig{
			Enabled: true, Metric: "tokens", Threshold: 50000,
		}},
	}
	got := ShouldMigrate(1, candidates, 2000, 30000)
	require.NotNil(t, got)
	require.Equal(t, "u-high", got.ID)
}

func TestShouldMigrateReturnsNilWhenThresholdNotMet(t *testing.T) {
	candidates := []model.Upstream{
		{ID: "u-high", Priority: 0, AffinityMigration: &model.AffinityMigrationConfig{
			Enabled: true, Metric: "tokens", Threshold: 10000,
		}},
	}
	got := ShouldMigrate(1, candidates, 2000, 30000)
	require.Nil(t, got)
}

func TestShouldMigrateReturnsNilWhenNoHigherPriorityCandidates(t *testing.T) {
	candidates := []model.Upstream{{ID: "u-same", Priority: 1}}
	got := ShouldMigrate(1, candidates, 0, 0)
	require.Nil(t, got)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, 5*time.Minute, 30*time.Minute)
	ctx := context.Background()
	now := time.Now()
	key := model.AffinityKey{APIKeyID: "k1", Capability: model.CapabilityAnthropicMessages, SessionID: "sess-a"}

	require.NoError(t, store.Set(ctx, key, "u1", 100, now))
	require.NoError(t, store.UpdateCumulativeTokens(ctx, key, 500, now))

	entry, ok, err := store.Get(ctx, key, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", entry.UpstreamID)
	require.EqualValues(t, 500, entry.CumulativeTokens)

	require.NoError(t, store.Delete(ctx, key))
	_, ok, err = store.Get(ctx, key, now)
	require.NoError(t, err)
	require.False(t, ok)
}
