package identity

import (
	"context"
	"testing"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestKey(id, presented string, active bool, expiresAt *time.Time) model.APIKey {
	return model.APIKey{
		ID:                 id,
		KeyHash:            HashKey(presented),
		KeyPrefix:          presented[:2],
		Name:               "test-key-" + id,
		IsActive:           active,
		ExpiresAt:          expiresAt,
		AllowedUpstreamIDs: map[string]struct{}{"u1": {}},
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	store := New()
	store.Load([]model.APIKey{newTestKey("k1", "secret-abc", true, nil)})

	ctx, err := store.Authorize(context.Background(), "secret-abc")
	require.NoError(t, err)
	require.Equal(t, "k1", ctx.APIKey.ID)
	require.Contains(t, ctx.AllowedUpstreamIDs, "u1")
}

func TestAuthorizeUnknownKey(t *testing.T) {
	store := New()
	store.Load([]model.APIKey{newTestKey("k1", "secret-abc", true, nil)})

	_, err := store.Authorize(context.Background(), "wrong-key")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeRevokedKey(t *testing.T) {
	store := New()
	store.Load([]model.APIKey{newTestKey("k1", "secret-abc", false, nil)})

	_, err := store.Authorize(context.Background(), "secret-abc")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeExpiredKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := New()
	store.Load([]model.APIKey{newTestKey("k1", "secret-abc", true, &past)})

	_, err := store.Authorize(context.Background(), "secret-abc")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeEmptyCredential(t *testing.T) {
	store := New()
	_, err := store.Authorize(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoadReplacesContentsAtomically(t *testing.T) {
	store := New()
	store.Load([]model.APIKey{newTestKey("k1", "secret-abc", true, nil)})
	store.Load([]model.APIKey{newTestKey("k2", "secret-def", true, nil)})

	_, err := store.Authorize(context.Background(), "secret-abc")
	require.ErrorIs(t, err, ErrUnauthorized)

	ctx, err := store.Authorize(context.Background(), "secret-def")
	require.NoError(t, err)
	require.Equal(t, "k2", ctx.APIKey.ID)
}
