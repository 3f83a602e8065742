package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/identity"
	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// fleetFile is the on-disk shape for the set of upstreams and API keys an
// autorouterd process warms up with. model.Upstream/model.APIKey carry no
// JSON tags of their own (spec §6.4 treats them as runtime state, not wire
// types), so this file defines the serializable projection and converts it
// into the real types at load time.
type fleetFile struct {
	APIKeys   []apiKeyEntry   `json:"api_keys"`
	Upstreams []upstreamEntry `json:"upstreams"`
}

type apiKeyEntry struct {
	ID                 string   `json:"id"`
	PresentedKey       string   `json:"presented_key"`
	Name               string   `json:"name"`
	IsActive           bool     `json:"is_active"`
	ExpiresAt          *string  `json:"expires_at"`
	AllowedUpstreamIDs []string `json:"allowed_upstream_ids"`
}

type upstreamEntry struct {
	ID                string                    `json:"id"`
	Name              string                    `json:"name"`
	ProviderType      string                    `json:"provider_type"`
	BaseURL           string                    `json:"base_url"`
	APIKeyPlaintext   string                    `json:"api_key_plaintext"`
	TimeoutMs         int64                     `json:"timeout_ms"`
	IsActive          bool                      `json:"is_active"`
	Weight            int                       `json:"weight"`
	Priority          int                       `json:"priority"`
	RouteCapabilities []string                  `json:"route_capabilities"`
	AllowedModels     []string                  `json:"allowed_models"`
	ModelRedirects    map[string]string         `json:"model_redirects"`
	CircuitBreaker    model.CircuitBreakerConfig `json:"circuit_breaker"`
	AffinityMigration *model.AffinityMigrationConfig `json:"affinity_migration"`
	Billing           model.BillingMultipliers  `json:"billing_multipliers"`
	SpendingRules     []model.SpendingRule      `json:"spending_rules"`
}

// loadFleet reads a fleet file and converts it into the runtime model
// types, encrypting each upstream's plaintext key with box when set.
func loadFleet(path string, box keySealer) ([]model.APIKey, []model.Upstream, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, nil, fmt.Errorf("reading fleet file: %w", err)
	}

	var ff fleetFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, nil, fmt.Errorf("parsing fleet file: %w", err)
	}

	keys := make([]model.APIKey, 0, len(ff.APIKeys))
	for _, k := range ff.APIKeys {
		allowed := make(map[string]struct{}, len(k.AllowedUpstreamIDs))
		for _, id := range k.AllowedUpstreamIDs {
			allowed[id] = struct{}{}
		}
		var expiresAt *time.Time
		if k.ExpiresAt != nil {
			t, err := time.Parse(time.RFC3339, *k.ExpiresAt)
			if err != nil {
				return nil, nil, fmt.Errorf("api key %s: parsing expires_at: %w", k.ID, err)
			}
			expiresAt = &t
		}
		keys = append(keys, model.APIKey{
			ID:                 k.ID,
			KeyHash:            identity.HashKey(k.PresentedKey),
			KeyPrefix:          keyPrefix(k.PresentedKey),
			Name:               k.Name,
			IsActive:           k.IsActive,
			ExpiresAt:          expiresAt,
			AllowedUpstreamIDs: allowed,
		})
	}

	upstreams := make([]model.Upstream, 0, len(ff.Upstreams))
	for _, u := range ff.Upstreams {
		caps := make(map[model.RouteCapability]struct{}, len(u.RouteCapabilities))
		for _, c := range u.RouteCapabilities {
			caps[model.RouteCapability(c)] = struct{}{}
		}
		var allowedModels map[string]struct{}
		if len(u.AllowedModels) > 0 {
			allowedModels = make(map[string]struct{}, len(u.AllowedModels))
			for _, m := range u.AllowedModels {
				allowedModels[m] = struct{}{}
			}
		}

		var encrypted []byte
		if u.APIKeyPlaintext != "" {
			if box == nil {
				return nil, nil, fmt.Errorf("upstream %s: api_key_plaintext set but no encryption_key configured", u.ID)
			}
			sealed, err := box.Seal([]byte(u.APIKeyPlaintext))
			if err != nil {
				return nil, nil, fmt.Errorf("upstream %s: sealing credential: %w", u.ID, err)
			}
			encrypted = sealed
		}

		upstreams = append(upstreams, model.Upstream{
			ID:                u.ID,
			Name:              u.Name,
			ProviderType:      model.ProviderType(u.ProviderType),
			BaseURL:           u.BaseURL,
			APIKeyEncrypted:   encrypted,
			Timeout:           time.Duration(u.TimeoutMs) * time.Millisecond,
			IsActive:          u.IsActive,
			Weight:            u.Weight,
			Priority:          u.Priority,
			RouteCapabilities: caps,
			AllowedModels:     allowedModels,
			ModelRedirects:    u.ModelRedirects,
			CircuitBreaker:    u.CircuitBreaker,
			AffinityMigration: u.AffinityMigration,
			BillingMultipliers: u.Billing,
			SpendingRules:     u.SpendingRules,
		})
	}

	return keys, upstreams, nil
}

// keySealer is the subset of secrets.Box that loadFleet needs to encrypt
// plaintext credentials read from the fleet file.
type keySealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

func keyPrefix(presented string) string {
	if len(presented) <= 8 {
		return presented
	}
	return presented[:8]
}
