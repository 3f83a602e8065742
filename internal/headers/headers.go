// Package headers implements the Header Compensator (C9): rewriting
// outbound headers per provider rules while never leaking plaintext
// secrets into the diff record used for logging (invariant 8, spec §8).
package headers

import (
	"net/http"
	"strings"

	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// alwaysDropped are stripped from every outbound request regardless of
// capability (spec §4.9).
var alwaysDropped = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"cookie":              {},
	"proxy-authorization": {},
	"host":                {},
	"content-length":      {},
}

// redactedHeaderNames is the closed set invariant 9 (spec §8) requires
// Redact to scrub, matched case-insensitively.
var redactedHeaderNames = map[string]struct{}{
	"authorization":               {},
	"x-api-key":                   {},
	"cookie":                      {},
	"proxy-authorization":         {},
	"set-cookie":                  {},
	"x-forwarded-authorization":   {},
	"session_id":                  {},
	"x-codex-turn-metadata":       {},
	"x-codex-beta-features":       {},
}

// CompensationRule fills in a missing outbound header by copying from the
// first present source header (spec §4.9).
type CompensationRule struct {
	Capabilities map[model.RouteCapability]struct{}
	TargetHeader string
	Sources      []string
	Mode         string // "missing_only" or "always"
}

func (r CompensationRule) appliesTo(cap model.RouteCapability) bool {
	if len(r.Capabilities) == 0 {
		return true
	}
	_, ok := r.Capabilities[cap]
	return ok
}

// Diff records what Compensate did to one request's headers, without ever
// carrying plaintext secret values.
type Diff struct {
	Dropped     []string
	AuthReplaced bool
	Compensated []string
}

// Compensate builds the outbound header set for one forward attempt:
// drop, replace auth, apply compensation rules, pass everything else
// through unchanged.
func Compensate(inbound http.Header, upstream model.Upstream, cap model.RouteCapability, denyList []string, rules []CompensationRule, authHeaderName, authHeaderValue string) (http.Header, Diff) {
	out := make(http.Header, len(inbound))
	diff := Diff{}

	deny := make(map[string]struct{}, len(denyList))
	for _, h := range denyList {
		deny[strings.ToLower(h)] = struct{}{}
	}

	for name, values := range inbound {
		lower := strings.ToLower(name)
		if _, drop := alwaysDropped[lower]; drop {
			diff.Dropped = append(diff.Dropped, lower)
			continue
		}
		if _, drop := deny[lower]; drop {
			diff.Dropped = append(diff.Dropped, lower)
			continue
		}
		out[name] = append([]string(nil), values...)
	}

	if authHeaderName != "" {
		out.Set(authHeaderName, authHeaderValue)
		diff.AuthReplaced = true
	}

	for _, rule := range rules {
		if !rule.appliesTo(cap) {
			continue
		}
		if rule.Mode != "always" && out.Get(rule.TargetHeader) != "" {
			continue
		}
		for _, source := range rule.Sources {
			if v := inbound.Get(source); v != "" {
				out.Set(rule.TargetHeader, v)
				diff.Compensated = append(diff.Compensated, rule.TargetHeader)
				break
			}
		}
	}

	return out, diff
}

// Redact returns a copy of h with every header whose name matches the
// closed redaction set (case-insensitive) replaced with a fixed
// placeholder, per invariant 9 (spec §8).
func Redact(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, match := redactedHeaderNames[strings.ToLower(name)]; match {
			out[name] = []string{"[redacted]"}
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
