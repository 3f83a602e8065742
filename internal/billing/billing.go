// Package billing implements the cost-computation half of the Billing & Log
// Emitter (C12): usage extraction, price resolution, and final cost
// arithmetic. The per-million-token scaling and nullable-pointer Pricing
// shape are kept directly from the teacher's models/calculator.go and
// models/catalog.go — generalized from a fixed model-mode dispatch table
// to spec §4.12's single billed-input-token rule shared by all capabilities.
package billing

import (
	"encoding/json"

	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// Usage carries the token counts observed from one completed attempt.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Pricing holds per-million-token costs in USD. A nil field means "not
// priced", not "free" — callers must treat a missing required field as
// price_not_found rather than silently billing zero.
type Pricing struct {
	InputPerMTokens      *float64
	OutputPerMTokens     *float64
	CacheReadPerMTokens  *float64
	CacheWritePerMTokens *float64
}

// PriceSource names where a Pricing value came from, for BillingSnapshot's
// PriceSource field (spec §4.12 step 2).
type PriceSource string

const (
	PriceSourceManualOverride PriceSource = "manual_override"
	PriceSourceSyncedCatalog  PriceSource = "synced_catalog"
	PriceSourceNone           PriceSource = "none"
)

// PriceResolver resolves a model's current Pricing, checking manual
// overrides first and falling back to a synced catalog (spec §4.12 step 2:
// "manual override by model > synced price source > none").
type PriceResolver struct {
	overrides map[string]Pricing
	catalog   map[string]Pricing
}

// NewPriceResolver creates a resolver seeded with an optional set of manual
// per-model overrides (keyed by resolved model name) plus a synced catalog.
func NewPriceResolver(overrides, catalog map[string]Pricing) *PriceResolver {
	if overrides == nil {
		overrides = map[string]Pricing{}
	}
	if catalog == nil {
		catalog = map[string]Pricing{}
	}
	return &PriceResolver{overrides: overrides, catalog: catalog}
}

// Resolve returns the Pricing for modelName and which source provided it.
func (r *PriceResolver) Resolve(modelName string) (Pricing, PriceSource) {
	if p, ok := r.overrides[modelName]; ok {
		return p, PriceSourceManualOverride
	}
	if p, ok := r.catalog[modelName]; ok {
		return p, PriceSourceSyncedCatalog
	}
	return Pricing{}, PriceSourceNone
}

// SetCatalog replaces the synced catalog wholesale, e.g. after a periodic
// resync from an upstream pricing source.
func (r *PriceResolver) SetCatalog(catalog map[string]Pricing) {
	r.catalog = catalog
}

// perM converts a nullable price-per-million-tokens to a cost for n tokens.
func perM(price *float64, n int) float64 {
	if price == nil || n == 0 {
		return 0
	}
	return *price * float64(n) / 1_000_000
}

// BilledInputTokens computes the billable prompt-token count per spec
// §4.12 step 3. providerType only matters for the anthropic full-cache-hit
// case; every other provider uses the same max(0, prompt-cacheRead-cacheWrite)
// formula.
func BilledInputTokens(providerType model.ProviderType, u Usage) int {
	remainder := u.PromptTokens - u.CacheReadTokens - u.CacheWriteTokens
	if providerType == model.ProviderAnthropic && u.CacheReadTokens+u.CacheWriteTokens >= u.PromptTokens && u.PromptTokens > 0 {
		return 0
	}
	if remainder < 0 {
		return 0
	}
	return remainder
}

// Result is the fully resolved cost breakdown for one billed attempt.
type Result struct {
	BilledInputTokens int
	FinalCost         float64
	PriceSource       PriceSource
}

// Compute applies spec §4.12 steps 3-4: resolves billed input tokens, then
// computes the final cost scaled by the upstream's billing multipliers.
func Compute(providerType model.ProviderType, u Usage, price Pricing, source PriceSource, mult model.BillingMultipliers) Result {
	billedInput := BilledInputTokens(providerType, u)

	inputMult := mult.InputMultiplier
	if inputMult == 0 {
		inputMult = 1
	}
	outputMult := mult.OutputMultiplier
	if outputMult == 0 {
		outputMult = 1
	}

	cost := perM(price.InputPerMTokens, billedInput)*inputMult +
		perM(price.OutputPerMTokens, u.CompletionTokens)*outputMult +
		perM(price.CacheReadPerMTokens, u.CacheReadTokens) +
		perM(price.CacheWritePerMTokens, u.CacheWriteTokens)

	return Result{BilledInputTokens: billedInput, FinalCost: cost, PriceSource: source}
}

// anthropicUsageEvent captures the usage object of one Anthropic message
// body or stream event (message_start / message_delta). ParseUsage reads a
// single such payload; usage split across several stream events is not
// summed.
type anthropicUsageEvent struct {
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// openAIUsageEvent captures the `response.completed` / final-chunk usage
// object shared by the OpenAI chat and responses families.
type openAIUsageEvent struct {
	Usage struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		TotalTokens             int `json:"total_tokens"`
		PromptTokensDetails     struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Response struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

// ParseUsage extracts token counts from one capability's final JSON body or
// its last streamed usage-bearing event (spec §4.12 step 1). Returns false
// when no usage information could be found, so callers can mark the
// snapshot unbillable with usage_missing.
func ParseUsage(cap model.RouteCapability, body []byte) (Usage, bool) {
	switch cap {
	case model.CapabilityAnthropicMessages:
		var evt anthropicUsageEvent
		if json.Unmarshal(body, &evt) != nil {
			return Usage{}, false
		}
		if evt.Usage.InputTokens == 0 && evt.Usage.OutputTokens == 0 {
			return Usage{}, false
		}
		return Usage{
			PromptTokens:     evt.Usage.InputTokens,
			CompletionTokens: evt.Usage.OutputTokens,
			TotalTokens:      evt.Usage.InputTokens + evt.Usage.OutputTokens,
			CacheReadTokens:  evt.Usage.CacheReadInputTokens,
			CacheWriteTokens: evt.Usage.CacheCreationInputTokens,
		}, true
	default:
		var evt openAIUsageEvent
		if json.Unmarshal(body, &evt) != nil {
			return Usage{}, false
		}
		if evt.Usage.PromptTokens > 0 || evt.Usage.CompletionTokens > 0 {
			return Usage{
				PromptTokens:     evt.Usage.PromptTokens,
				CompletionTokens: evt.Usage.CompletionTokens,
				TotalTokens:      evt.Usage.TotalTokens,
				CacheReadTokens:  evt.Usage.PromptTokensDetails.CachedTokens,
			}, true
		}
		if evt.Response.Usage.InputTokens > 0 || evt.Response.Usage.OutputTokens > 0 {
			return Usage{
				PromptTokens:     evt.Response.Usage.InputTokens,
				CompletionTokens: evt.Response.Usage.OutputTokens,
				TotalTokens:      evt.Response.Usage.InputTokens + evt.Response.Usage.OutputTokens,
			}, true
		}
		return Usage{}, false
	}
}
