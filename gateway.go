// Package autorouter wires the twelve dispatch components into a single
// request-routing engine for LLM inference APIs.
//
// Construct one with New, warm it from persisted state with LoadAPIKeys and
// LoadUpstreams, and serve requests with Dispatch. Configuration is loaded
// from a YAML or JSON file with LoadConfig.
package autorouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g1331/AutoRouter-sub005/internal/affinity"
	"github.com/g1331/AutoRouter-sub005/internal/billing"
	"github.com/g1331/AutoRouter-sub005/internal/capability"
	"github.com/g1331/AutoRouter-sub005/internal/circuitbreaker"
	"github.com/g1331/AutoRouter-sub005/internal/dispatch"
	"github.com/g1331/AutoRouter-sub005/internal/forwarder"
	"github.com/g1331/AutoRouter-sub005/internal/headers"
	"github.com/g1331/AutoRouter-sub005/internal/health"
	"github.com/g1331/AutoRouter-sub005/internal/identity"
	"github.com/g1331/AutoRouter-sub005/internal/logging"
	"github.com/g1331/AutoRouter-sub005/internal/metrics"
	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/g1331/AutoRouter-sub005/internal/quota"
	"github.com/g1331/AutoRouter-sub005/internal/registry"
	"github.com/g1331/AutoRouter-sub005/internal/requestlog"
	"github.com/g1331/AutoRouter-sub005/internal/secrets"
	"github.com/g1331/AutoRouter-sub005/internal/selector"
)

// hardBodyReadCap bounds how much of an inbound request body Dispatch will
// ever hold in memory, independent of ReplayBufferMaxBytes (which governs
// retry eligibility, not memory safety).
const hardBodyReadCap = 64 << 20

// Engine is the composition root: one instance per process, wired from one
// Config, driving every request through C1-C12.
type Engine struct {
	cfg Config

	identity  *identity.Store
	registry  *registry.Registry
	breakers  *circuitbreaker.Registry
	health    *health.Tracker
	quota     *quota.Tracker
	affinity  *affinity.Store
	selector  *selector.Selector
	inFlight  *selector.AtomicInFlight
	forward   *forwarder.Forwarder
	prices    *billing.PriceResolver
	logs      *requestlog.AsyncEmitter
	secretBox *secrets.Box

	denyList          []string
	compensationRules []headers.CompensationRule
	dispatchCfg       dispatch.Config
}

// New wires every component from cfg. aggregator backs the Quota Tracker's
// reconciliation (pass nil to disable background reconciliation). logs
// persists RequestLog/BillingSnapshot pairs (pass requestlog.NoopWriter{}
// to disable persistence).
func New(cfg Config, aggregator quota.Aggregator, logs requestlog.Writer) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("autorouter: invalid config: %w", err)
	}

	var box *secrets.Box
	if cfg.EncryptionKey != "" {
		b, err := secrets.NewBox(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("autorouter: build credential box: %w", err)
		}
		box = b
	}

	if logs == nil {
		logs = requestlog.NoopWriter{}
	}

	inFlight := selector.NewAtomicInFlight()
	e := &Engine{
		cfg:      cfg,
		identity: identity.New(),
		registry: registry.NewRegistry(),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			FailureThreshold: cfg.Circuit.Default.FailureThreshold,
			SuccessThreshold: cfg.Circuit.Default.SuccessThreshold,
			OpenDurationMs:   cfg.Circuit.Default.OpenDurationMs,
			ProbeIntervalMs:  cfg.Circuit.Default.ProbeIntervalMs,
		}),
		health: health.NewTracker(false),
		quota: quota.NewTracker(quota.Config{
			UrgentThresholdPercent: cfg.Quota.UrgentThresholdPercent,
			UrgentSyncInterval:     time.Duration(cfg.Quota.UrgentSyncIntervalMs) * time.Millisecond,
			NormalSyncInterval:     time.Duration(cfg.Quota.NormalSyncIntervalMs) * time.Millisecond,
		}, aggregator),
		affinity:  affinity.NewStore(cfg.affinitySlidingTTL(), cfg.affinityMaxTTL()),
		inFlight:  inFlight,
		prices:    billing.NewPriceResolver(nil, nil),
		logs:      requestlog.NewAsyncEmitter(logs, 2, 1024, 3, 500*time.Millisecond),
		secretBox: box,
		dispatchCfg: dispatch.Config{
			Strategy:           dispatch.Strategy(cfg.Failover.Strategy),
			MaxAttempts:        cfg.Failover.MaxAttempts,
			ExcludeStatusCodes: toStatusSet(cfg.Failover.ExcludeStatusCodes),
		},
	}
	e.selector = selector.New(selector.StrategyWeighted, inFlight)
	e.forward = forwarder.New(forwarder.Config{
		ChunkReadTimeout:     forwarder.DefaultChunkReadTimeout,
		ReplayBufferMaxBytes: int(cfg.ReplayBufferMaxBytes),
	}, &http.Client{}, inFlight)
	return e, nil
}

func toStatusSet(codes []int) map[int]struct{} {
	if len(codes) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// LoadAPIKeys replaces the identity store's contents, e.g. at startup or
// after an admin mutation.
func (e *Engine) LoadAPIKeys(keys []model.APIKey) {
	e.identity.Load(keys)
}

// LoadUpstreams publishes a new registry snapshot and (re)configures the
// Quota Tracker's spending rules for each upstream. Existing in-flight
// spend for unchanged rules is preserved.
func (e *Engine) LoadUpstreams(upstreams []model.Upstream) error {
	if err := e.registry.Publish(upstreams); err != nil {
		return err
	}
	for _, u := range upstreams {
		e.quota.Configure(u.ID, u.SpendingRules)
	}
	return nil
}

// SetCompensationRules replaces the Header Compensator's rule set.
func (e *Engine) SetCompensationRules(rules []headers.CompensationRule) {
	e.compensationRules = rules
}

// SetDenyList replaces the extra header names the Header Compensator
// strips from every outbound request, beyond the always-dropped set.
func (e *Engine) SetDenyList(names []string) {
	e.denyList = names
}

// SetPriceCatalog replaces the synced pricing catalog consulted when no
// manual override exists for a model.
func (e *Engine) SetPriceCatalog(catalog map[string]billing.Pricing) {
	e.prices.SetCatalog(catalog)
}

// RunBackground starts the affinity sweeper and quota reconciler, blocking
// until ctx is cancelled. Intended to run in its own goroutine.
func (e *Engine) RunBackground(ctx context.Context) {
	go e.affinity.RunSweeper(ctx, time.Minute)
	e.quota.RunReconciler(ctx)
}

// Close stops the async log emitter: writes already in progress finish,
// queued entries that have not started are dropped.
func (e *Engine) Close() {
	e.logs.Stop()
}

// responseCapture wraps the downstream http.ResponseWriter so Dispatch can
// replay the committed response bytes into billing.ParseUsage once the
// attempt loop finishes, without the Forwarder itself needing to retain a
// copy of anything it streams.
type responseCapture struct {
	w             http.ResponseWriter
	capture       bytes.Buffer
	headerWritten bool
}

func (rc *responseCapture) Write(p []byte) (int, error) {
	n, err := rc.w.Write(p)
	rc.capture.Write(p[:n])
	return n, err
}

// onHeader is the dispatch.AttemptContext.OnHeader hook: it fires once,
// right after the winning attempt's status is known, before any response
// byte reaches the client.
func (rc *responseCapture) onHeader(statusCode int, header http.Header) {
	if rc.headerWritten {
		return
	}
	dst := rc.w.Header()
	for k, v := range header {
		dst[k] = append([]string(nil), v...)
	}
	rc.w.WriteHeader(statusCode)
	rc.headerWritten = true
}

func (rc *responseCapture) flush() {
	if f, ok := rc.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Dispatch drives one inbound request through C1-C11, then performs the
// Billing & Log Emitter's (C12) post-flight accounting. It never panics on
// a malformed or unauthorized request: every rejection becomes an HTTP
// response, and every authenticated call (accepted or not) whose body is
// read within hardBodyReadCap gets a RequestLog entry. A body that fails to
// read or exceeds hardBodyReadCap is rejected without one.
func (e *Engine) Dispatch(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx := r.Context()
	if logging.TraceIDFromContext(ctx) == "" {
		ctx = logging.WithTraceID(ctx, logging.NewTraceID())
	}
	log := logging.FromContext(ctx)
	start := time.Now()

	presented := extractPresentedKey(r)
	auth, err := e.identity.Authorize(ctx, presented)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, dispatch.KindUnauthorized, "unauthorized")
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, hardBodyReadCap+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, dispatch.KindProtocolError, "failed to read request body")
		return
	}
	if int64(len(bodyBytes)) > hardBodyReadCap {
		writeJSONError(w, http.StatusRequestEntityTooLarge, dispatch.KindProtocolError, "request body too large")
		return
	}
	tooLargeToReplay := int64(len(bodyBytes)) > e.cfg.ReplayBufferMaxBytes

	classification, err := capability.Classify(r.Method, r.URL.Path, bodyBytes, r.Header.Get("session_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, dispatch.KindProtocolError, err.Error())
		e.logs.Emit(model.RequestLog{
			ID:           requestID,
			APIKeyID:     auth.APIKey.ID,
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   http.StatusBadRequest,
			DurationMs:   time.Since(start).Milliseconds(),
			ErrorMessage: err.Error(),
			CreatedAt:    start,
		}, nil)
		return
	}

	snap := e.registry.Snapshot()
	filtered := capability.Filter(snap, classification.Capability, classification.Model, auth.AllowedUpstreamIDs, e.breakers, e.health, e.quota, time.Now())
	for _, ex := range filtered.Exclusions {
		if ex.Reason == capability.ExclusionQuotaExceeded {
			metrics.QuotaExceededTotal.WithLabelValues(ex.UpstreamID).Inc()
		}
	}

	isStream := detectStream(classification.Capability, r.URL.Path, bodyBytes)
	rc := &responseCapture{w: w}

	buildRequest := func(ctx context.Context, upstream model.Upstream) (*http.Request, error) {
		return e.buildOutboundRequest(ctx, r, upstream, classification, bodyBytes)
	}

	effectiveCfg := e.dispatchCfg
	if tooLargeToReplay {
		effectiveCfg.Strategy = dispatch.StrategyMaxAttempts
		effectiveCfg.MaxAttempts = 1
	}
	ctrl := dispatch.New(effectiveCfg, dispatch.Dependencies{
		Breakers: e.breakers, Health: e.health, Quota: e.quota, Affinity: e.affinity, Selector: e.selector, Forwarder: e.forward,
	})

	result := ctrl.Run(ctx, filtered.Candidates, dispatch.AttemptContext{
		RequestID:           requestID,
		Capability:          classification.Capability,
		ResolvedModel:       classification.Model,
		SessionID:           classification.SessionID,
		AffinityKeyAPIKeyID: auth.APIKey.ID,
		BuildRequest:        buildRequest,
		Downstream:          rc,
		OnHeader:            rc.onHeader,
		Flush:               rc.flush,
		IsStream:            isStream,
	})

	for _, a := range result.FailoverHistory {
		metrics.FailoverAttemptsTotal.WithLabelValues(a.UpstreamID, a.ErrorType).Inc()
	}
	switch {
	case result.AffinityMigrated:
		metrics.AffinityHitsTotal.WithLabelValues("migrated").Inc()
	case result.AffinityHit:
		metrics.AffinityHitsTotal.WithLabelValues("hit").Inc()
	}

	durationMs := time.Since(start).Milliseconds()

	// A non-2xx attempt never reaches the real client from inside Forward
	// (it might still be retried) — whichever attempt turns out to be the
	// final one gets passed through here, once.
	if !rc.headerWritten && result.Attempt.StatusCode != 0 {
		rc.onHeader(result.Attempt.StatusCode, result.Attempt.Header)
		_, _ = rc.Write(result.Attempt.Body)
	}

	if result.TerminalErr != nil {
		derr := result.TerminalErr
		if !rc.headerWritten {
			status := derr.StatusCode
			if status == 0 {
				status = http.StatusBadGateway
			}
			writeJSONError(w, status, derr.Kind, derr.Message)
		}
		log.Warn("request ended in terminal error", "request_id", requestID, "kind", string(derr.Kind), "message", derr.Message)
		e.logs.Emit(model.RequestLog{
			ID:               requestID,
			APIKeyID:         auth.APIKey.ID,
			Method:           r.Method,
			Path:             r.URL.Path,
			Model:            classification.Model,
			OriginalModel:    classification.OriginalModel,
			StatusCode:       derr.StatusCode,
			DurationMs:       durationMs,
			IsStream:         isStream,
			ErrorMessage:     derr.Message,
			FailoverAttempts: len(result.FailoverHistory),
			FailoverHistory:  result.FailoverHistory,
			SessionID:        classification.SessionID,
			CreatedAt:        start,
		}, nil)
		return
	}

	usageSource := rc.capture.Bytes()
	if isStream {
		usageSource = lastSSEPayload(usageSource)
	}
	usage, billingSnap := e.computeBilling(requestID, classification.Model, result.Upstream, usageSource)

	var ttftMs *int64
	if result.Attempt.TTFT != nil {
		ms := result.Attempt.TTFT.Milliseconds()
		ttftMs = &ms
	}

	e.logs.Emit(model.RequestLog{
		ID:               requestID,
		APIKeyID:         auth.APIKey.ID,
		UpstreamID:       result.Upstream.ID,
		Method:           r.Method,
		Path:             r.URL.Path,
		Model:            classification.Model,
		OriginalModel:    classification.OriginalModel,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		StatusCode:       result.Attempt.StatusCode,
		DurationMs:       durationMs,
		TTFTMs:           ttftMs,
		IsStream:         isStream,
		FailoverAttempts: len(result.FailoverHistory),
		FailoverHistory:  result.FailoverHistory,
		SessionID:        classification.SessionID,
		AffinityHit:      result.AffinityHit,
		AffinityMigrated: result.AffinityMigrated,
		CreatedAt:        start,
	}, billingSnap)
	if billingSnap.FinalCost != nil {
		e.quota.RecordSpending(result.Upstream.ID, *billingSnap.FinalCost)
	}
}

// computeBilling resolves usage, price, and final cost for one completed
// attempt (spec §4.12 steps 1-4). It does not record spending: Dispatch
// calls RecordSpending for a billed snapshot after e.logs.Emit, so the
// log emission for a request precedes its quota update.
func (e *Engine) computeBilling(requestID, resolvedModel string, upstream model.Upstream, body []byte) (billing.Usage, *model.BillingSnapshot) {
	usage, ok := billing.ParseUsage(capabilityFor(upstream.ProviderType), body)
	if !ok {
		return usage, &model.BillingSnapshot{RequestLogID: requestID, BillingStatus: model.BillingStatusUnbilled, UnbillableReason: model.UnbillableUsageMissing}
	}
	if resolvedModel == "" {
		return usage, &model.BillingSnapshot{RequestLogID: requestID, BillingStatus: model.BillingStatusUnbilled, UnbillableReason: model.UnbillableModelMissing}
	}
	price, source := e.prices.Resolve(resolvedModel)
	if source == billing.PriceSourceNone {
		return usage, &model.BillingSnapshot{RequestLogID: requestID, BillingStatus: model.BillingStatusUnbilled, UnbillableReason: model.UnbillablePriceNotFound}
	}
	res := billing.Compute(upstream.ProviderType, usage, price, source, upstream.BillingMultipliers)
	cost := res.FinalCost
	return usage, &model.BillingSnapshot{
		RequestLogID:      requestID,
		BillingStatus:     model.BillingStatusBilled,
		PriceSource:       string(res.PriceSource),
		BilledInputTokens: res.BilledInputTokens,
		FinalCost:         &cost,
		Currency:          "USD",
	}
}

// capabilityFor is a narrow seam: ParseUsage dispatches on RouteCapability,
// but the only signal available once an attempt has completed is which
// provider answered. billing.ParseUsage's anthropic branch is the only one
// that differs structurally from the OpenAI-shaped usage object every
// other provider family shares, so that's the only distinction this needs
// to preserve.
func capabilityFor(pt model.ProviderType) model.RouteCapability {
	if pt == model.ProviderAnthropic {
		return model.CapabilityAnthropicMessages
	}
	return model.CapabilityOpenAIChatCompatible
}

// buildOutboundRequest constructs one attempt's *http.Request: the
// upstream's base URL plus the inbound path (the capability router's
// closed path-prefix table already encodes the capability-to-subpath
// mapping, so no second table is needed here), headers run through the
// Header Compensator, and the upstream's decrypted credential injected
// under its provider's auth header.
func (e *Engine) buildOutboundRequest(ctx context.Context, r *http.Request, upstream model.Upstream, classification capability.Classification, body []byte) (*http.Request, error) {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	outURL := strings.TrimRight(upstream.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}

	authName, authValue, err := e.resolveAuth(upstream)
	if err != nil {
		return nil, err
	}
	compensated, _ := headers.Compensate(r.Header, upstream, classification.Capability, e.denyList, e.compensationRules, authName, authValue)
	req.Header = compensated
	req.ContentLength = int64(len(body))
	return req, nil
}

// resolveAuth decrypts upstream's credential and names the header it must
// be injected under, per provider (spec §4.9, §6.5).
func (e *Engine) resolveAuth(upstream model.Upstream) (name, value string, err error) {
	if len(upstream.APIKeyEncrypted) == 0 {
		return "", "", nil
	}
	if e.secretBox == nil {
		return "", "", fmt.Errorf("autorouter: upstream %q has an encrypted credential but no encryption_key is configured", upstream.ID)
	}
	plaintext, err := e.secretBox.Open(upstream.APIKeyEncrypted)
	if err != nil {
		return "", "", fmt.Errorf("autorouter: decrypt credential for upstream %q: %w", upstream.ID, err)
	}
	key := string(plaintext)
	switch upstream.ProviderType {
	case model.ProviderAnthropic:
		return "x-api-key", key, nil
	case model.ProviderGoogle:
		return "x-goog-api-key", key, nil
	default:
		return "Authorization", "Bearer " + key, nil
	}
}

func extractPresentedKey(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return r.Header.Get("x-api-key")
}

// detectStream reports whether a request expects an SSE response: either
// the JSON body sets "stream": true (Anthropic/OpenAI/Codex families), or
// the Gemini path names a streaming action.
func detectStream(cap model.RouteCapability, path string, body []byte) bool {
	switch cap {
	case model.CapabilityGeminiNativeGenerate, model.CapabilityGeminiCodeAssist:
		return strings.Contains(path, "streamGenerateContent") || strings.HasSuffix(path, ":stream")
	default:
		var payload struct {
			Stream bool `json:"stream"`
		}
		if json.Unmarshal(body, &payload) != nil {
			return false
		}
		return payload.Stream
	}
}

// lastSSEPayload returns the JSON body of the last non-empty "data: " line
// in a captured SSE response, skipping "[DONE]". Dispatch parses usage from
// this one event only; earlier events are not consulted.
func lastSSEPayload(raw []byte) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		return data
	}
	return raw
}

func writeJSONError(w http.ResponseWriter, status int, kind dispatch.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": message,
	})
}
