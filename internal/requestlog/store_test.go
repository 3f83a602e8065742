package requestlog

import (
	"context"
	"testing"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteAndListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	log := model.RequestLog{
		ID: "req-1", APIKeyID: "key-1", UpstreamID: "u1", Method: "POST", Path: "/v1/messages",
		Model: "claude-3-5-sonnet", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
		StatusCode: 200, DurationMs: 120, CreatedAt: time.Now().UTC(),
		FailoverHistory: []model.FailoverAttempt{{UpstreamID: "u0", StatusCode: 502, ErrorType: "http_5xx"}},
	}
	cost := 0.05
	billing := &model.BillingSnapshot{RequestLogID: "req-1", BillingStatus: model.BillingStatusBilled, BilledInputTokens: 10, FinalCost: &cost, Currency: "USD"}

	require.NoError(t, s.Write(ctx, log, billing))

	result, err := s.List(ctx, Query{APIKeyID: "key-1"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Equal(t, "req-1", result.Data[0].ID)
	require.Len(t, result.Data[0].FailoverHistory, 1)
	require.Equal(t, "u0", result.Data[0].FailoverHistory[0].UpstreamID)
}

func TestWriteUpsertsOnSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	log := model.RequestLog{ID: "req-1", APIKeyID: "key-1", Method: "POST", Path: "/v1/messages", StatusCode: 502, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Write(ctx, log, nil))

	log.StatusCode = 200
	require.NoError(t, s.Write(ctx, log, nil))

	result, err := s.List(ctx, Query{APIKeyID: "key-1"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Equal(t, 200, result.Data[0].StatusCode)
}

func TestListFiltersByUpstream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, model.RequestLog{ID: "r1", APIKeyID: "k", UpstreamID: "u1", Method: "GET", Path: "/x", CreatedAt: time.Now().UTC()}, nil))
	require.NoError(t, s.Write(ctx, model.RequestLog{ID: "r2", APIKeyID: "k", UpstreamID: "u2", Method: "GET", Path: "/x", CreatedAt: time.Now().UTC()}, nil))

	result, err := s.List(ctx, Query{UpstreamID: "u2"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Equal(t, "r2", result.Data[0].ID)
}

func TestNoopWriterNeverErrors(t *testing.T) {
	var w Writer = NoopWriter{}
	require.NoError(t, w.Write(context.Background(), model.RequestLog{}, nil))
}
