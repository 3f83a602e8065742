package capability

import (
	"testing"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/circuitbreaker"
	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/g1331/AutoRouter-sub005/internal/quota"
	"github.com/g1331/AutoRouter-sub005/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestClassifyAnthropicMessagesWithSession(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet","metadata":{"user_id":"x_session_11111111-2222-3333-4444-555555555555"}}`)
	c, err := Classify("POST", "/v1/messages", body, "")
	require.NoError(t, err)
	require.Equal(t, model.CapabilityAnthropicMessages, c.Capability)
	require.Equal(t, "claude-3-5-sonnet", c.Model)
	require.Equal(t, "11111111-2222-3333-4444-555555555555", c.SessionID)
}

func TestClassifyOpenAIChatUsesHeaderSession(t *testing.T) {
	body := []byte(`{"model":"gpt-4o"}`)
	c, err := Classify("POST", "/v1/chat/completions", body, "sess-xyz")
	require.NoError(t, err)
	require.Equal(t, model.CapabilityOpenAIChatCompatible, c.Capability)
	require.Equal(t, "sess-xyz", c.SessionID)
}

func TestClassifyGeminiModelFromPath(t *testing.T) {
	c, err := Classify("POST", "/v1beta/models/gemini-1.5-pro:generateContent", nil, "")
	require.NoError(t, err)
	require.Equal(t, model.CapabilityGeminiNativeGenerate, c.Capability)
	require.Equal(t, "gemini-1.5-pro", c.Model)
}

func TestClassifyUnmappedPathIsProtocolError(t *testing.T) {
	_, err := Classify("POST", "/unknown", []byte(`{}`), "")
	require.ErrorIs(t, err, ErrProtocolError)
}

func TestClassifyMissingModelIsProtocolError(t *testing.T) {
	_, err := Classify("POST", "/v1/messages", []byte(`{}`), "")
	require.ErrorIs(t, err, ErrProtocolError)
}

func testSnapshot(t *testing.T, upstreams ...model.Upstream) *registry.Snapshot {
	reg := registry.NewRegistry()
	require.NoError(t, reg.Publish(upstreams))
	return reg.Snapshot()
}

func TestFilterExcludesInactive(t *testing.T) {
	snap := testSnapshot(t, model.Upstream{
		ID: "u1", IsActive: false,
		RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
	})
	result := Filter(snap, model.CapabilityAnthropicMessages, "m", map[string]struct{}{"u1": {}}, nil, nil, nil, time.Now())
	require.Empty(t, result.Candidates)
	require.Equal(t, ExclusionInactive, result.Exclusions[0].Reason)
}

func TestFilterExcludesNotInAllowedSet(t *testing.T) {
	snap := testSnapshot(t, model.Upstream{
		ID: "u1", IsActive: true,
		RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
	})
	result := Filter(snap, model.CapabilityAnthropicMessages, "m", map[string]struct{}{"other": {}}, nil, nil, nil, time.Now())
	require.Empty(t, result.Candidates)
	require.Equal(t, ExclusionNotAllowed, result.Exclusions[0].Reason)
}

func TestFilterEmptyRouteCapabilitiesMatchesNone(t *testing.T) {
	snap := testSnapshot(t, model.Upstream{ID: "u1", IsActive: true})
	result := Filter(snap, model.CapabilityAnthropicMessages, "m", map[string]struct{}{"u1": {}}, nil, nil, nil, time.Now())
	require.Empty(t, result.Candidates)
}

func TestFilterCircuitOpenExcludes(t *testing.T) {
	snap := testSnapshot(t, model.Upstream{
		ID: "u1", IsActive: true,
		RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
	})
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, ProbeIntervalMs: 60000})
	now := time.Now()
	b := breakers.Get("u1", circuitbreaker.Config{})
	b.RecordFailure(now)

	result := Filter(snap, model.CapabilityAnthropicMessages, "m", map[string]struct{}{"u1": {}}, breakers, nil, nil, now)
	require.Empty(t, result.Candidates)
	require.Equal(t, ExclusionCircuitOpen, result.Exclusions[0].Reason)
}

func TestFilterQuotaExceededExcludes(t *testing.T) {
	snap := testSnapshot(t, model.Upstream{
		ID: "u1", IsActive: true,
		RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}},
	})
	qt := quota.NewTracker(quota.Config{}, nil)
	qt.Configure("u1", []model.SpendingRule{{PeriodType: "daily", Limit: 1}})
	qt.RecordSpending("u1", 2)

	result := Filter(snap, model.CapabilityAnthropicMessages, "m", map[string]struct{}{"u1": {}}, nil, nil, qt, time.Now())
	require.Empty(t, result.Candidates)
	require.Equal(t, ExclusionQuotaExceeded, result.Exclusions[0].Reason)
}

func TestFilterOrdersByPriorityThenID(t *testing.T) {
	snap := testSnapshot(t,
		model.Upstream{ID: "u2", IsActive: true, Priority: 0, RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}}},
		model.Upstream{ID: "u1", IsActive: true, Priority: 0, RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}}},
		model.Upstream{ID: "u3", IsActive: true, Priority: 1, RouteCapabilities: map[model.RouteCapability]struct{}{model.CapabilityAnthropicMessages: {}}},
	)
	allowed := map[string]struct{}{"u1": {}, "u2": {}, "u3": {}}
	result := Filter(snap, model.CapabilityAnthropicMessages, "m", allowed, nil, nil, nil, time.Now())
	require.Len(t, result.Candidates, 3)
	require.Equal(t, []string{"u1", "u2", "u3"}, []string{result.Candidates[0].ID, result.Candidates[1].ID, result.Candidates[2].ID})
}
