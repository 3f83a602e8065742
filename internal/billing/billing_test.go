package billing

import (
	"testing"

	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestBilledInputTokensAnthropicFullCacheHit(t *testing.T) {
	u := Usage{PromptTokens: 100, CacheReadTokens: 100}
	require.Equal(t, 0, BilledInputTokens(model.ProviderAnthropic, u))
}

func TestBilledInputTokensAnthropicPartialCache(t *testing.T) {
	u := Usage{PromptTokens: 100, CacheReadTokens: 40}
	require.Equal(t, 60, BilledInputTokens(model.ProviderAnthropic, u))
}

func TestBilledInputTokensNeverNegative(t *testing.T) {
	u := Usage{PromptTokens: 10, CacheReadTokens: 20}
	require.Equal(t, 0, BilledInputTokens(model.ProviderOpenAI, u))
}

func TestResolvePrefersManualOverride(t *testing.T) {
	r := NewPriceResolver(
		map[string]Pricing{"gpt-4o": {InputPerMTokens: ptr(1)}},
		map[string]Pricing{"gpt-4o": {InputPerMTokens: ptr(5)}},
	)
	p, source := r.Resolve("gpt-4o")
	require.Equal(t, PriceSourceManualOverride, source)
	require.Equal(t, 1.0, *p.InputPerMTokens)
}

func TestResolveFallsBackToSyncedCatalog(t *testing.T) {
	r := NewPriceResolver(nil, map[string]Pricing{"gpt-4o": {InputPerMTokens: ptr(5)}})
	p, source := r.Resolve("gpt-4o")
	require.Equal(t, PriceSourceSyncedCatalog, source)
	require.Equal(t, 5.0, *p.InputPerMTokens)
}

func TestResolveReturnsNoneWhenUnpriced(t *testing.T) {
	r := NewPriceResolver(nil, nil)
	_, source := r.Resolve("unknown-model")
	require.Equal(t, PriceSourceNone, source)
}

func TestComputeAppliesMultipliersAndCachePrices(t *testing.T) {
	price := Pricing{
		InputPerMTokens:      ptr(10),
		OutputPerMTokens:     ptr(30),
		CacheReadPerMTokens:  ptr(1),
		CacheWritePerMTokens: ptr(12.5),
	}
	u := Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000, CacheReadTokens: 200_000, CacheWriteTokens: 100_000}
	mult := model.BillingMultipliers{InputMultiplier: 2, OutputMultiplier: 1}

	result := Compute(model.ProviderOpenAI, u, price, PriceSourceSyncedCatalog, mult)

	// billed input = 1,000,000 - 200,000 - 100,000 = 700,000 tokens @ $10/M * 2x = 14
	// output = 500,000 @ $30/M = 15
	// cache read = 200,000 @ $1/M = 0.2
	// cache write = 100,000 @ $12.5/M = 1.25
	require.InDelta(t, 14+15+0.2+1.25, result.FinalCost, 0.0001)
	require.Equal(t, 700_000, result.BilledInputTokens)
}

func TestComputeDefaultsZeroMultiplierToOne(t *testing.T) {
	price := Pricing{InputPerMTokens: ptr(10)}
	u := Usage{PromptTokens: 1_000_000}
	result := Compute(model.ProviderOpenAI, u, price, PriceSourceSyncedCatalog, model.BillingMultipliers{})
	require.InDelta(t, 10.0, result.FinalCost, 0.0001)
}

func TestParseUsageAnthropic(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":20,"cache_creation_input_tokens":5}}`)
	u, ok := ParseUsage(model.CapabilityAnthropicMessages, body)
	require.True(t, ok)
	require.Equal(t, 100, u.PromptTokens)
	require.Equal(t, 50, u.CompletionTokens)
	require.Equal(t, 20, u.CacheReadTokens)
	require.Equal(t, 5, u.CacheWriteTokens)
}

func TestParseUsageOpenAIChat(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"prompt_tokens_details":{"cached_tokens":2}}}`)
	u, ok := ParseUsage(model.CapabilityOpenAIChatCompatible, body)
	require.True(t, ok)
	require.Equal(t, 10, u.PromptTokens)
	require.Equal(t, 2, u.CacheReadTokens)
}

func TestParseUsageCodexResponseCompleted(t *testing.T) {
	body := []byte(`{"response":{"usage":{"input_tokens":8,"output_tokens":4}}}`)
	u, ok := ParseUsage(model.CapabilityCodexResponses, body)
	require.True(t, ok)
	require.Equal(t, 8, u.PromptTokens)
	require.Equal(t, 4, u.CompletionTokens)
}

func TestParseUsageMissingReturnsFalse(t *testing.T) {
	_, ok := ParseUsage(model.CapabilityOpenAIChatCompatible, []byte(`{}`))
	require.False(t, ok)
}
