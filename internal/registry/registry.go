// Package registry holds the in-memory, copy-on-write snapshot of upstream
// configuration (C2). Readers take a snapshot reference once per request;
// admin writes publish a new snapshot atomically so no reader ever observes
// a torn update and no per-request DB read is needed.
package registry

import (
	"bytes"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Snapshot is an immutable view of upstream configs, indexed for the
// lookups the Capability Router (C7) needs. Never mutate a Snapshot in
// place; build a new one and Publish it.
type Snapshot struct {
	byID           map[string]model.Upstream
	byCapability   map[model.RouteCapability][]string // upstream ids, stable order
	byProviderType map[model.ProviderType][]string
}

// Get returns the upstream for id, if present, regardless of IsActive —
// callers apply the IsActive filter themselves per spec §4.7 step 1.
func (s *Snapshot) Get(id string) (model.Upstream, bool) {
	u, ok := s.byID[id]
	return u, ok
}

// ByCapability returns the upstream ids declaring cap, in stable
// (sorted-by-id) order.
func (s *Snapshot) ByCapability(cap model.RouteCapability) []string {
	return s.byCapability[cap]
}

// All returns every upstream in the snapshot, in stable order.
func (s *Snapshot) All() []model.Upstream {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Upstream, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out
}

func build(upstreams []model.Upstream) *Snapshot {
	s := &Snapshot{
		byID:           make(map[string]model.Upstream, len(upstreams)),
		byCapability:   make(map[model.RouteCapability][]string),
		byProviderType: make(map[model.ProviderType][]string),
	}
	for _, u := range upstreams {
		s.byID[u.ID] = u
		for cap := range u.RouteCapabilities {
			s.byCapability[cap] = append(s.byCapability[cap], u.ID)
		}
		s.byProviderType[u.ProviderType] = append(s.byProviderType[u.ProviderType], u.ID)
	}
	for cap := range s.byCapability {
		sort.Strings(s.byCapability[cap])
	}
	for pt := range s.byProviderType {
		sort.Strings(s.byProviderType[pt])
	}
	return s
}

// Registry holds the current Snapshot behind an atomic pointer, so reads
// never block on writes and writes never tear a read (spec §5: "writers
// swap a snapshot pointer atomically; readers hold a snapshot reference
// for the duration of one request").
type Registry struct {
	current atomic.Pointer[Snapshot]
	schema  *jsonschema.Schema
}

// NewRegistry creates a Registry with an empty initial snapshot.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(build(nil))
	return r
}

// WithSchema attaches a JSON Schema that every upstream document must
// satisfy before Publish accepts it. Upstream documents are admin-authored
// (spec §1: admin CRUD is an external collaborator); this registry is the
// last line of defense against a malformed document silently becoming the
// served snapshot.
func (r *Registry) WithSchema(schemaJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const resourceURL = "https://autorouter.local/schema/upstream.json"
	if err := compiler.AddResource(resourceURL, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("registry: add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("registry: compile schema: %w", err)
	}
	r.schema = sch
	return nil
}

// Snapshot returns the currently published snapshot. Hold the returned
// pointer for the duration of one request; it is never mutated in place.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Publish validates (if a schema is attached) and atomically installs a
// new snapshot built from upstreams. A failed validation leaves the
// previously published snapshot untouched and returns an error.
func (r *Registry) Publish(upstreams []model.Upstream) error {
	if r.schema != nil {
		for _, u := range upstreams {
			if err := r.validate(u); err != nil {
				return fmt.Errorf("registry: upstream %q failed validation: %w", u.ID, err)
			}
		}
	}
	r.current.Store(build(upstreams))
	return nil
}

func (r *Registry) validate(u model.Upstream) error {
	caps := make([]interface{}, 0, len(u.RouteCapabilities))
	for c := range u.RouteCapabilities {
		caps = append(caps, string(c))
	}
	doc := map[string]interface{}{
		"id":                 u.ID,
		"name":               u.Name,
		"provider_type":      string(u.ProviderType),
		"base_url":           u.BaseURL,
		"is_active":          u.IsActive,
		"weight":             u.Weight,
		"priority":           u.Priority,
		"route_capabilities": caps,
	}
	return r.schema.Validate(doc)
}
