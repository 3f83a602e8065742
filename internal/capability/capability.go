// Package capability implements the Capability Router (C7): classifying
// an inbound request into a RouteCapability, resolving its model, and
// filtering the registry snapshot down to admissible candidate upstreams.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/affinity"
	"github.com/g1331/AutoRouter-sub005/internal/circuitbreaker"
	"github.com/g1331/AutoRouter-sub005/internal/health"
	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/g1331/AutoRouter-sub005/internal/quota"
	"github.com/g1331/AutoRouter-sub005/internal/registry"
)

// ErrProtocolError is returned when a path doesn't map to a known
// capability, or the body can't be parsed well enough to resolve a model.
var ErrProtocolError = fmt.Errorf("capability: protocol error")

// pathPrefixes is the closed path→capability mapping (spec §3, §6.1).
var pathPrefixes = []struct {
	prefix string
	cap    model.RouteCapability
}{
	{"/v1/messages", model.CapabilityAnthropicMessages},
	{"/v1/responses", model.CapabilityCodexResponses},
	{"/v1/chat/completions", model.CapabilityOpenAIChatCompatible},
	{"/v1/completions", model.CapabilityOpenAIExtended},
	{"/v1beta/models/", model.CapabilityGeminiNativeGenerate},
	{"/v1internal/", model.CapabilityGeminiCodeAssist},
}

// Classification is the result of classifying one inbound request.
type Classification struct {
	Capability      model.RouteCapability
	Model           string
	OriginalModel   string
	RedirectApplied bool
	SessionID       string
}

// Classify maps method/path/body to a Classification. sessionHeader is the
// request's "session_id" header value, relevant only to the OpenAI/Codex
// family of capabilities (spec §4.6).
func Classify(method, path string, body []byte, sessionHeader string) (Classification, error) {
	cap, ok := capabilityForPath(path)
	if !ok {
		return Classification{}, fmt.Errorf("%w: unmapped path %q", ErrProtocolError, path)
	}

	resolved, err := resolveModel(cap, path, body)
	if err != nil {
		return Classification{}, err
	}

	userID := ""
	if cap == model.CapabilityAnthropicMessages {
		userID = extractAnthropicUserID(body)
	}

	return Classification{
		Capability:    cap,
		Model:         resolved,
		OriginalModel: resolved,
		SessionID:     affinity.ExtractSessionID(cap, userID, sessionHeader),
	}, nil
}

func capabilityForPath(path string) (model.RouteCapability, bool) {
	for _, p := range pathPrefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.cap, true
		}
	}
	return "", false
}

// resolveModel extracts the model field from body at the capability's
// appropriate location (spec §4.7).
func resolveModel(cap model.RouteCapability, path string, body []byte) (string, error) {
	switch cap {
	case model.CapabilityGeminiNativeGenerate, model.CapabilityGeminiCodeAssist:
		// Gemini generate variants carry the model in the URL path segment,
		// e.g. /v1beta/models/gemini-1.5-pro:generateContent
		seg := path
		if i := strings.LastIndex(seg, "/"); i >= 0 {
			seg = seg[i+1:]
		}
		if i := strings.Index(seg, ":"); i >= 0 {
			seg = seg[:i]
		}
		if seg == "" {
			return "", fmt.Errorf("%w: missing gemini model path segment", ErrProtocolError)
		}
		return seg, nil
	default:
		var payload struct {
			Model string `json:"model"`
		}
		if len(body) == 0 {
			return "", fmt.Errorf("%w: empty body", ErrProtocolError)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("%w: malformed body: %v", ErrProtocolError, err)
		}
		if payload.Model == "" {
			return "", fmt.Errorf("%w: missing model field", ErrProtocolError)
		}
		return payload.Model, nil
	}
}

func extractAnthropicUserID(body []byte) string {
	var payload struct {
		Metadata struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Metadata.UserID
}

// ExclusionReason enumerates why a candidate was filtered out, for the
// RoutingDecisionLog shell (spec §4.7).
type ExclusionReason string

const (
	ExclusionInactive            ExclusionReason = "inactive"
	ExclusionNotAllowed          ExclusionReason = "not_allowed"
	ExclusionCapabilityUnmatched ExclusionReason = "capability_unmatched"
	ExclusionModelNotAllowed     ExclusionReason = "model_not_allowed"
	ExclusionCircuitOpen         ExclusionReason = "circuit_open"
	ExclusionUnhealthy           ExclusionReason = "unhealthy"
	ExclusionQuotaExceeded       ExclusionReason = "quota_exceeded"
)

// Exclusion pairs an excluded upstream id with why it was dropped.
type Exclusion struct {
	UpstreamID string
	Reason     ExclusionReason
}

// FilterResult is the output of Filter: the admissible candidates, ordered
// by priority then id, plus the full exclusion list for logging.
type FilterResult struct {
	Candidates []model.Upstream
	Exclusions []Exclusion
}

// Filter applies spec §4.7's candidate filter to a registry snapshot for
// one request. breakers/healthTracker/quotaTracker may be nil to skip that
// stage of filtering (useful in tests exercising one concern at a time).
func Filter(
	snap *registry.Snapshot,
	cap model.RouteCapability,
	resolvedModel string,
	allowedUpstreamIDs map[string]struct{},
	breakers *circuitbreaker.Registry,
	healthTracker *health.Tracker,
	quotaTracker *quota.Tracker,
	now time.Time,
) FilterResult {
	ids := snap.ByCapability(cap)
	result := FilterResult{}

	for _, id := range ids {
		u, ok := snap.Get(id)
		if !ok {
			continue
		}
		if !u.IsActive {
			result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionInactive})
			continue
		}
		if _, allowed := allowedUpstreamIDs[id]; !allowed {
			result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionNotAllowed})
			continue
		}
		if !u.SupportsCapability(cap) {
			result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionCapabilityUnmatched})
			continue
		}
		if !u.AllowsModel(resolvedModel) {
			result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionModelNotAllowed})
			continue
		}
		if breakers != nil {
			b := breakers.Get(id, circuitbreaker.Config{
				FailureThreshold: u.CircuitBreaker.FailureThreshold,
				SuccessThreshold: u.CircuitBreaker.SuccessThreshold,
				OpenDurationMs:   u.CircuitBreaker.OpenDurationMs,
				ProbeIntervalMs:  u.CircuitBreaker.ProbeIntervalMs,
			})
			if !b.Admit(now) {
				result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionCircuitOpen})
				continue
			}
		}
		if healthTracker != nil && !healthTracker.IsHealthy(id) {
			result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionUnhealthy})
			continue
		}
		if quotaTracker != nil && !quotaTracker.IsWithinQuota(id) {
			result.Exclusions = append(result.Exclusions, Exclusion{id, ExclusionQuotaExceeded})
			continue
		}
		result.Candidates = append(result.Candidates, u)
	}

	sort.Slice(result.Candidates, func(i, j int) bool {
		if result.Candidates[i].Priority != result.Candidates[j].Priority {
			return result.Candidates[i].Priority < result.Candidates[j].Priority
		}
		return result.Candidates[i].ID < result.Candidates[j].ID
	})
	return result
}
