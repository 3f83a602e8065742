// Package dispatch implements the Failover Controller (C11): the attempt
// loop that wraps the Forwarder, consulting session affinity before each
// pick, feeding outcomes back into the circuit breaker and health
// tracker, and deciding whether another upstream is worth
// trying. It is the closest analog in this module to the teacher's
// strategy-execution loop in gateway.go's Route/RouteStream, generalized
// from "pick one strategy object and call Execute" into a per-attempt
// state machine across priority groups.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/affinity"
	"github.com/g1331/AutoRouter-sub005/internal/circuitbreaker"
	"github.com/g1331/AutoRouter-sub005/internal/forwarder"
	"github.com/g1331/AutoRouter-sub005/internal/health"
	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/g1331/AutoRouter-sub005/internal/quota"
	"github.com/g1331/AutoRouter-sub005/internal/selector"
)

// Kind enumerates the terminal error taxonomy of spec §7. It never
// triggers failover on its own — Config.shouldTriggerFailover decides that
// from the status code and a forwarder.Category instead.
type Kind string

const (
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindProtocolError       Kind = "ProtocolError"
	KindExcludedStatus      Kind = "ExcludedStatus"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindConnectionError     Kind = "ConnectionError"
	KindHttp5xx             Kind = "Http5xx"
	KindHttp429             Kind = "Http429"
	KindHttp4xxOther        Kind = "Http4xxOther"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindAborted             Kind = "Aborted"
	KindAllUpstreamsFailed  Kind = "AllUpstreamsFailed"
)

// Error is dispatch's typed terminal outcome, carrying enough detail to
// render both the downstream error body and the RequestLog.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Strategy governs how many attempts the controller is willing to make.
type Strategy string

const (
	StrategyExhaustAll  Strategy = "exhaust_all"
	StrategyMaxAttempts Strategy = "max_attempts"
)

// Config tunes one Controller.
type Config struct {
	Strategy            Strategy
	MaxAttempts         int
	ExcludeStatusCodes  map[int]struct{}
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyExhaustAll
	}
	if c.ExcludeStatusCodes == nil {
		c.ExcludeStatusCodes = map[int]struct{}{400: {}}
	}
	return c
}

// shouldTriggerFailover reports whether statusCode/category warrants
// retrying against another upstream (spec §4.11 step 4).
func (c Config) shouldTriggerFailover(statusCode int, category forwarder.Category) bool {
	if statusCode >= 200 && statusCode < 300 {
		return false
	}
	if _, excluded := c.ExcludeStatusCodes[statusCode]; excluded {
		return false
	}
	switch category {
	case forwarder.CategoryTimeout, forwarder.CategoryConnectionError,
		forwarder.CategoryHTTP5xx, forwarder.CategoryHTTP429:
		return true
	case forwarder.CategoryAborted:
		return false
	default:
		// non-excluded 4xx still retries (Http4xxOther, spec §7)
		return statusCode >= 400
	}
}

// shouldContinue implements spec §4.11 step 5.
func (c Config) shouldContinue(attemptCount int, hasMoreCandidates bool, cancelled bool) bool {
	if cancelled || !hasMoreCandidates {
		return false
	}
	if c.Strategy == StrategyMaxAttempts && c.MaxAttempts > 0 && attemptCount >= c.MaxAttempts {
		return false
	}
	return true
}

// AttemptContext carries the per-request dependencies the Controller
// needs to build an outbound request for one chosen upstream. Building
// the actual *http.Request is left to the caller (the root package's
// Engine.buildOutboundRequest builds it from the inbound request,
// headers.Compensate, and the upstream's base URL).
type AttemptContext struct {
	RequestID    string
	Capability   model.RouteCapability
	ResolvedModel string
	SessionID    string
	AffinityKeyAPIKeyID string
	BuildRequest func(ctx context.Context, upstream model.Upstream) (*http.Request, error)
	Downstream   io.Writer
	// OnHeader fires for a 2xx attempt only, right after the upstream's
	// status code and headers are known but before any response byte
	// reaches Downstream — the caller's chance to set its own response
	// status before the body starts streaming. A non-2xx attempt does not
	// call it; its status, headers and body come back on the Attempt.
	OnHeader func(statusCode int, header http.Header)
	Flush        func()
	IsStream     bool
}

// Dependencies bundles the component handles the Controller drives.
type Dependencies struct {
	Breakers   *circuitbreaker.Registry
	Health     *health.Tracker
	Quota      *quota.Tracker
	Affinity   *affinity.Store
	Selector   *selector.Selector
	Forwarder  *forwarder.Forwarder
}

// Result is the outcome of Run: either a successful final attempt or a
// terminal *Error, plus the full failover history for logging.
type Result struct {
	Attempt          forwarder.Attempt
	Upstream         model.Upstream
	FailoverHistory  []model.FailoverAttempt
	AffinityHit      bool
	AffinityMigrated bool
	TerminalErr      *Error
}

// Controller runs the attempt loop for one request.
type Controller struct {
	cfg  Config
	deps Dependencies
}

// New creates a Controller.
func New(cfg Config, deps Dependencies) *Controller {
	return &Controller{cfg: cfg.withDefaults(), deps: deps}
}

// Run drives the attempt loop over candidates (already filtered and
// ordered by internal/capability.Filter) until a committed/successful
// response, an exhaustion, or a cancellation.
func (c *Controller) Run(ctx context.Context, candidates []model.Upstream, ac AttemptContext) Result {
	result := Result{}
	remaining := append([]model.Upstream(nil), candidates...)
	if len(remaining) == 0 {
		result.TerminalErr = &Error{Kind: KindForbidden, StatusCode: http.StatusForbidden, Message: "no candidate upstream after filtering"}
		return result
	}

	var affinityKey model.AffinityKey
	hasAffinityKey := ac.SessionID != ""
	if hasAffinityKey {
		affinityKey = model.AffinityKey{APIKeyID: ac.AffinityKeyAPIKeyID, Capability: ac.Capability, SessionID: ac.SessionID}
	}

	attemptCount := 0
	for {
		if ctx.Err() != nil {
			result.TerminalErr = &Error{Kind: KindAborted, Message: "downstream cancelled before attempt"}
			return result
		}

		chosen, idx, ok := c.pickUpstream(remaining, affinityKey, hasAffinityKey, ac.RequestID, &result)
		if !ok {
			result.TerminalErr = &Error{Kind: KindForbidden, StatusCode: http.StatusForbidden, Message: "no candidate upstream available"}
			return result
		}

		req, err := ac.BuildRequest(ctx, chosen)
		if err != nil {
			result.TerminalErr = &Error{Kind: KindProtocolError, StatusCode: http.StatusBadRequest, Message: err.Error()}
			return result
		}

		attemptCount++
		now := time.Now()
		attempt := c.deps.Forwarder.Forward(ctx, chosen.ID, req, ac.Downstream, ac.OnHeader, ac.Flush, ac.IsStream)

		if attempt.Err == nil && attempt.StatusCode >= 200 && attempt.StatusCode < 300 {
			c.onSuccess(chosen, now)
			if hasAffinityKey && c.deps.Affinity != nil {
				c.deps.Affinity.Set(affinityKey, chosen.ID, attempt.BytesWritten, now)
			}
			result.Attempt = attempt
			result.Upstream = chosen
			return result
		}

		if !c.cfg.shouldTriggerFailover(attempt.StatusCode, attempt.Category) {
			// excluded status or a 2xx-adjacent pass-through: no retry.
			result.Attempt = attempt
			result.Upstream = chosen
			if attempt.StatusCode >= 200 && attempt.StatusCode < 300 {
				c.onSuccess(chosen, now)
			}
			return result
		}

		c.onFailure(chosen, now, attempt)
		result.FailoverHistory = append(result.FailoverHistory, model.FailoverAttempt{
			UpstreamID:  chosen.ID,
			AttemptedAt: now,
			ErrorType:   string(attempt.Category),
			StatusCode:  attempt.StatusCode,
		})

		if attempt.Committed {
			result.TerminalErr = &Error{Kind: KindAborted, Message: "stream already committed, cannot retry"}
			result.Attempt = attempt
			return result
		}

		remaining = removeAt(remaining, idx)
		if !c.cfg.shouldContinue(attemptCount, len(remaining) > 0, ctx.Err() != nil) {
			result.TerminalErr = c.terminalErrFor(attempt)
			return result
		}
	}
}

func (c *Controller) pickUpstream(candidates []model.Upstream, key model.AffinityKey, hasKey bool, requestID string, result *Result) (model.Upstream, int, bool) {
	if hasKey && c.deps.Affinity != nil {
		if entry, ok := c.deps.Affinity.Get(key, time.Now()); ok {
			if idx := indexOf(candidates, entry.UpstreamID); idx >= 0 {
				result.AffinityHit = true
				chosen := candidates[idx]
				if target := affinity.ShouldMigrate(chosen.Priority, candidates, entry.ContentLength, entry.CumulativeTokens); target != nil {
					result.AffinityMigrated = true
					c.deps.Affinity.Delete(key)
					if mi := indexOf(candidates, target.ID); mi >= 0 {
						return candidates[mi], mi, true
					}
				}
				return chosen, idx, true
			}
		}
	}

	picked, ok := c.deps.Selector.Select(candidates, requestID)
	if !ok {
		return model.Upstream{}, -1, false
	}
	idx := indexOf(candidates, picked.ID)
	return picked, idx, true
}

func indexOf(upstreams []model.Upstream, id string) int {
	for i, u := range upstreams {
		if u.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(upstreams []model.Upstream, idx int) []model.Upstream {
	if idx < 0 || idx >= len(upstreams) {
		return upstreams
	}
	out := make([]model.Upstream, 0, len(upstreams)-1)
	out = append(out, upstreams[:idx]...)
	out = append(out, upstreams[idx+1:]...)
	return out
}

func (c *Controller) onSuccess(u model.Upstream, now time.Time) {
	if c.deps.Breakers != nil {
		c.deps.Breakers.Get(u.ID, breakerConfig(u)).RecordSuccess()
	}
	if c.deps.Health != nil {
		c.deps.Health.RecordSuccess(u.ID, 0, now)
	}
}

func (c *Controller) onFailure(u model.Upstream, now time.Time, attempt forwarder.Attempt) {
	if c.deps.Breakers != nil {
		c.deps.Breakers.Get(u.ID, breakerConfig(u)).RecordFailure(now)
	}
	if c.deps.Health != nil {
		msg := ""
		if attempt.Err != nil {
			msg = attempt.Err.Error()
		}
		c.deps.Health.RecordFailure(u.ID, msg, now)
	}
}

func breakerConfig(u model.Upstream) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: u.CircuitBreaker.FailureThreshold,
		SuccessThreshold: u.CircuitBreaker.SuccessThreshold,
		OpenDurationMs:   u.CircuitBreaker.OpenDurationMs,
		ProbeIntervalMs:  u.CircuitBreaker.ProbeIntervalMs,
	}
}

func (c *Controller) terminalErrFor(last forwarder.Attempt) *Error {
	switch last.Category {
	case forwarder.CategoryTimeout:
		return &Error{Kind: KindUpstreamTimeout, StatusCode: http.StatusGatewayTimeout, Message: "all upstreams timed out"}
	case forwarder.CategoryConnectionError:
		return &Error{Kind: KindConnectionError, StatusCode: http.StatusBadGateway, Message: "all upstreams unreachable"}
	case forwarder.CategoryHTTP429:
		return &Error{Kind: KindHttp429, StatusCode: http.StatusTooManyRequests, Message: "all upstreams rate-limited"}
	case forwarder.CategoryHTTP5xx:
		return &Error{Kind: KindHttp5xx, StatusCode: http.StatusBadGateway, Message: "all upstreams returned server errors"}
	default:
		if errors.Is(last.Err, context.Canceled) {
			return &Error{Kind: KindAborted, Message: "downstream cancelled"}
		}
		return &Error{Kind: KindAllUpstreamsFailed, StatusCode: http.StatusBadGateway, Message: "all upstream attempts failed"}
	}
}
