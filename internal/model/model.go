// Package model holds the data types shared across the dispatch engine:
// identities, upstream configuration, per-request state, and the audit
// records emitted once a request completes. Nothing in this package talks
// to a network or a database — it is pure data plus the small pure
// functions (ttl checks, rule-key formatting) that other packages build on.
package model

import "time"

// RouteCapability identifies a provider-flavored wire protocol. The set is
// closed: a capability tag that isn't one of these is a protocol error.
type RouteCapability string

const (
	CapabilityAnthropicMessages     RouteCapability = "anthropic_messages"
	CapabilityCodexResponses        RouteCapability = "codex_responses"
	CapabilityOpenAIChatCompatible  RouteCapability = "openai_chat_compatible"
	CapabilityOpenAIExtended        RouteCapability = "openai_extended"
	CapabilityGeminiNativeGenerate  RouteCapability = "gemini_native_generate"
	CapabilityGeminiCodeAssist      RouteCapability = "gemini_code_assist_internal"
)

// ProviderType names the outbound wire family an upstream speaks.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "google"
	ProviderCustom    ProviderType = "custom"
)

// APIKey is a gateway-issued credential. KeyHash is the SHA-256 of the
// presented secret's UTF-8 bytes; the plaintext is never stored or logged.
type APIKey struct {
	ID                string
	KeyHash           [32]byte
	KeyPrefix         string
	Name              string
	IsActive          bool
	ExpiresAt         *time.Time
	AllowedUpstreamIDs map[string]struct{}
}

// Expired reports whether the key's expiry has passed as of now.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Allows reports whether upstreamID is in this key's authorization scope.
// This is the exclusive authorization boundary — invariant 1 in spec §8.
func (k APIKey) Allows(upstreamID string) bool {
	_, ok := k.AllowedUpstreamIDs[upstreamID]
	return ok
}

// AffinityMigrationConfig governs when an established session affinity may
// be moved to a higher-priority upstream.
type AffinityMigrationConfig struct {
	Enabled   bool
	Metric    string // "tokens" or "length"
	Threshold int64
}

// CircuitBreakerConfig carries per-upstream circuit breaker thresholds. All
// durations are milliseconds once normalized into memory (see DESIGN.md
// Open Question 2).
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDurationMs   int64
	ProbeIntervalMs  int64
}

// SpendingRule bounds an upstream's spend over a period.
type SpendingRule struct {
	PeriodType string // "daily", "monthly", "rolling"
	PeriodHours int   // only meaningful when PeriodType == "rolling"
	Limit       float64
}

// RuleKey returns the QuotaEntry map key for this rule, per spec §4.5.
func (r SpendingRule) RuleKey() string {
	switch r.PeriodType {
	case "rolling":
		return "rolling:" + itoa(r.PeriodHours)
	default:
		return r.PeriodType
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// BillingMultipliers scale computed cost before it is recorded against
// quota. A zero value behaves as 1.0 (no scaling).
type BillingMultipliers struct {
	InputMultiplier  float64
	OutputMultiplier float64
}

// Upstream is a configured remote provider account.
type Upstream struct {
	ID                      string
	Name                    string
	ProviderType            ProviderType
	BaseURL                 string
	APIKeyEncrypted         []byte
	Timeout                 time.Duration
	IsActive                bool
	Weight                  int
	Priority                int // lower = higher rank
	RouteCapabilities       map[RouteCapability]struct{}
	AllowedModels           map[string]struct{} // nil means unrestricted
	ModelRedirects          map[string]string
	CircuitBreaker          CircuitBreakerConfig
	AffinityMigration       *AffinityMigrationConfig
	BillingMultipliers      BillingMultipliers
	SpendingRules           []SpendingRule
}

// SupportsCapability reports whether cap is explicitly declared. Spec's
// Open Question 1 resolves empty RouteCapabilities as "accept none".
func (u Upstream) SupportsCapability(cap RouteCapability) bool {
	if len(u.RouteCapabilities) == 0 {
		return false
	}
	_, ok := u.RouteCapabilities[cap]
	return ok
}

// AllowsModel reports whether model is permitted. An unset AllowedModels
// set means every model is permitted.
func (u Upstream) AllowsModel(model string) bool {
	if u.AllowedModels == nil {
		return true
	}
	_, ok := u.AllowedModels[model]
	return ok
}

// Redirect returns the substituted model name for model, if a redirect is
// configured, and whether one was applied.
func (u Upstream) Redirect(model string) (string, bool) {
	if u.ModelRedirects == nil {
		return model, false
	}
	if dst, ok := u.ModelRedirects[model]; ok {
		return dst, true
	}
	return model, false
}

// CircuitState mirrors circuitbreaker.State without importing that package,
// so model stays leaf-level and dependency-free.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// UpstreamHealth is the passive/active liveness signal for one upstream.
type UpstreamHealth struct {
	IsHealthy     bool
	LastCheckAt   *time.Time
	LastSuccessAt *time.Time
	FailureCount  int
	LatencyMs     *int64
	ErrorMessage  string
}

// QuotaEntry is the in-memory spend tracker for one (upstream, rule) pair.
type QuotaEntry struct {
	CurrentSpending float64
	LastSyncedAt    time.Time
}

// AffinityKey identifies one sticky-session binding.
type AffinityKey struct {
	APIKeyID   string
	Capability RouteCapability
	SessionID  string
}

// AffinityEntry is a sticky upstream binding for one session.
type AffinityEntry struct {
	UpstreamID        string
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	ContentLength     int64
	CumulativeTokens  int64
}

// Expired reports whether the entry has aged out under the sliding/absolute
// TTL pair, evaluated at now.
func (e AffinityEntry) Expired(now time.Time, slidingTTL, maxTTL time.Duration) bool {
	if now.Sub(e.LastAccessedAt) > slidingTTL {
		return true
	}
	return now.Sub(e.CreatedAt) > maxTTL
}

// FailoverAttempt records one attempt made by the Failover Controller.
type FailoverAttempt struct {
	UpstreamID       string
	AttemptedAt      time.Time
	ErrorType        string
	StatusCode       int
	ResponseBodyText string
}

// RequestLog is the immutable post-flight audit record for one request.
type RequestLog struct {
	ID                string
	APIKeyID          string
	UpstreamID        string
	Method            string
	Path              string
	Model             string
	OriginalModel     string
	PromptTokens      int
	CompletionTokens  int
	TotalTokens        int
	CacheReadTokens   int
	CacheWriteTokens  int
	StatusCode        int
	DurationMs        int64
	RoutingDurationMs int64
	TTFTMs            *int64
	IsStream          bool
	ErrorMessage      string
	FailoverAttempts  int
	FailoverHistory   []FailoverAttempt
	RoutingDecision   string
	SessionID         string
	AffinityHit       bool
	AffinityMigrated  bool
	CreatedAt         time.Time
}

// BillingStatus enumerates whether a BillingSnapshot carries a real cost.
type BillingStatus string

const (
	BillingStatusBilled   BillingStatus = "billed"
	BillingStatusUnbilled BillingStatus = "unbilled"
)

// Unbillable reasons, per spec §4.12 step 5.
const (
	UnbillableModelMissing   = "model_missing"
	UnbillableUsageMissing   = "usage_missing"
	UnbillablePriceNotFound  = "price_not_found"
)

// BillingSnapshot is the immutable 1:1 cost record for a RequestLog.
type BillingSnapshot struct {
	RequestLogID      string
	BillingStatus     BillingStatus
	UnbillableReason  string
	PriceSource       string
	BilledInputTokens int
	FinalCost         *float64
	Currency          string
}
