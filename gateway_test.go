package autorouter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/g1331/AutoRouter-sub005/internal/identity"
	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/g1331/AutoRouter-sub005/internal/requestlog"
	"github.com/stretchr/testify/require"
)

func testAPIKey(id string, allowed ...string) model.APIKey {
	set := make(map[string]struct{}, len(allowed))
	for _, u := range allowed {
		set[u] = struct{}{}
	}
	return model.APIKey{
		ID:                 id,
		KeyHash:            identity.HashKey("test-key-" + id),
		IsActive:           true,
		AllowedUpstreamIDs: set,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{}, nil, requestlog.NoopWriter{})
	require.NoError(t, err)
	return e
}

func TestEngine_Dispatch_SuccessPassesThroughUpstreamBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	e := newTestEngine(t)
	e.LoadAPIKeys([]model.APIKey{testAPIKey("k1", "u1")})
	require.NoError(t, e.LoadUpstreams([]model.Upstream{{
		ID:                "u1",
		ProviderType:      model.ProviderAnthropic,
		BaseURL:           srv.URL,
		IsActive:          true,
		Priority:          0,
		RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
	}}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet","messages":[]}`))
	req.Header.Set("Authorization", "Bearer test-key-k1")
	rec := httptest.NewRecorder()

	e.Dispatch(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`, rec.Body.String())
}

func TestEngine_Dispatch_UnauthorizedWithoutCredential(t *testing.T) {
	e := newTestEngine(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"x"}`))
	rec := httptest.NewRecorder()

	e.Dispatch(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEngine_Dispatch_UnmappedPathIsProtocolError(t *testing.T) {
	e := newTestEngine(t)
	e.LoadAPIKeys([]model.APIKey{testAPIKey("k1")})
	req := httptest.NewRequest(http.MethodPost, "/not/a/known/route", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer test-key-k1")
	rec := httptest.NewRecorder()

	e.Dispatch(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEngine_Dispatch_NoCandidatesIsForbidden(t *testing.T) {
	e := newTestEngine(t)
	e.LoadAPIKeys([]model.APIKey{testAPIKey("k1")})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet"}`))
	req.Header.Set("Authorization", "Bearer test-key-k1")
	rec := httptest.NewRecorder()

	e.Dispatch(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEngine_Dispatch_FailsOverToSecondUpstream(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"msg_ok","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer good.Close()

	e := newTestEngine(t)
	e.LoadAPIKeys([]model.APIKey{testAPIKey("k1", "bad", "good")})
	require.NoError(t, e.LoadUpstreams([]model.Upstream{
		{
			ID:                "bad",
			ProviderType:      model.ProviderAnthropic,
			BaseURL:           bad.URL,
			IsActive:          true,
			Priority:          0,
			RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
		},
		{
			ID:                "good",
			ProviderType:      model.ProviderAnthropic,
			BaseURL:           good.URL,
			IsActive:          true,
			Priority:          1,
			RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
		},
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet","messages":[]}`))
	req.Header.Set("Authorization", "Bearer test-key-k1")
	rec := httptest.NewRecorder()

	e.Dispatch(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"id":"msg_ok","usage":{"input_tokens":1,"output_tokens":1}}`, rec.Body.String())
}

func TestEngine_Dispatch_ExcludedStatusDoesNotFailover(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	e := newTestEngine(t)
	e.LoadAPIKeys([]model.APIKey{testAPIKey("k1", "u1", "u2")})
	require.NoError(t, e.LoadUpstreams([]model.Upstream{
		{
			ID:                "u1",
			ProviderType:      model.ProviderAnthropic,
			BaseURL:           srv.URL,
			IsActive:          true,
			Priority:          0,
			RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
		},
		{
			ID:                "u2",
			ProviderType:      model.ProviderAnthropic,
			BaseURL:           srv.URL,
			IsActive:          true,
			Priority:          1,
			RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
		},
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet","messages":[]}`))
	req.Header.Set("Authorization", "Bearer test-key-k1")
	rec := httptest.NewRecorder()

	e.Dispatch(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, `{"error":"bad request"}`, rec.Body.String())
	require.Equal(t, 1, calls)
}

func TestEngine_Close_DrainsWithoutPanic(t *testing.T) {
	e := newTestEngine(t)
	e.Close()
}
