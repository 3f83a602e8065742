// Package identity implements the gateway's credential store (C1):
// resolving a presented API key to an authorized caller, and nothing else
// — key CRUD and admin authentication are external collaborators (spec §1
// Non-goals).
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any credential that fails validation —
// missing, inactive, or expired. Callers must not distinguish the reason
// in the response (spec §7: Unauthorized → 401, no further detail).
var ErrUnauthorized = errors.New("identity: unauthorized")

// AuthContext is what a successful Authorize call yields to the dispatch
// engine: the resolved key and its authorization scope.
type AuthContext struct {
	APIKey             model.APIKey
	AllowedUpstreamIDs map[string]struct{}
}

// Store resolves presented credentials against a set of known API keys.
// The zero value is not usable; construct with New.
type Store struct {
	mu       sync.RWMutex
	byHash   map[[32]byte]model.APIKey
	jwtKey   []byte // optional: verifies a signed key envelope fast path
}

// New creates an empty Store. Load populates it from persistence at
// startup and on admin-triggered reloads.
func New() *Store {
	return &Store{byHash: make(map[[32]byte]model.APIKey)}
}

// WithJWTSigningKey enables the optional signed-key-envelope fast path:
// a presented credential that parses as a valid HMAC-signed (HS256, HS384
// or HS512) JWT whose "kid"
// claim names a known key id skips the hash lookup. This is not an
// alternate authorization mechanism — the embedded key id must still
// resolve to an active, unexpired APIKey.
func (s *Store) WithJWTSigningKey(key []byte) *Store {
	s.jwtKey = key
	return s
}

// Load replaces the store's contents atomically. Call on startup and
// whenever admin mutates keys (spec §4.1: "cached ... or invalidated on
// admin mutation").
func (s *Store) Load(keys []model.APIKey) {
	next := make(map[[32]byte]model.APIKey, len(keys))
	for _, k := range keys {
		next[k.KeyHash] = k
	}
	s.mu.Lock()
	s.byHash = next
	s.mu.Unlock()
}

// HashKey computes the SHA-256 hash of a presented credential's UTF-8
// bytes, per spec §6.2.
func HashKey(presented string) [32]byte {
	return sha256.Sum256([]byte(presented))
}

// Authorize validates presentedKey and returns the resolved AuthContext,
// or ErrUnauthorized. Lookup is by hash; the final comparison uses
// crypto/subtle.ConstantTimeCompare on the 32-byte digest so that lookup
// timing cannot leak which prefix of a guessed key matched (spec §6.2,
// invariant-adjacent but stated as a hard requirement rather than a
// testable property — implemented defensively regardless).
func (s *Store) Authorize(ctx context.Context, presentedKey string) (AuthContext, error) {
	if presentedKey == "" {
		return AuthContext{}, ErrUnauthorized
	}

	if s.jwtKey != nil && looksLikeJWT(presentedKey) {
		if kid, ok := s.verifyEnvelope(presentedKey); ok {
			return s.lookupByID(kid)
		}
	}

	want := HashKey(presentedKey)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for hash, key := range s.byHash {
		if subtle.ConstantTimeCompare(hash[:], want[:]) == 1 {
			return s.authContextFor(key)
		}
	}
	return AuthContext{}, ErrUnauthorized
}

func (s *Store) lookupByID(id string) (AuthContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.byHash {
		if key.ID == id {
			return s.authContextFor(key)
		}
	}
	return AuthContext{}, ErrUnauthorized
}

func (s *Store) authContextFor(key model.APIKey) (AuthContext, error) {
	if !key.IsActive {
		return AuthContext{}, ErrUnauthorized
	}
	if key.Expired(time.Now()) {
		return AuthContext{}, ErrUnauthorized
	}
	return AuthContext{APIKey: key, AllowedUpstreamIDs: key.AllowedUpstreamIDs}, nil
}

func looksLikeJWT(s string) bool {
	dots := 0
	for _, r := range s {
		if r == '.' {
			dots++
		}
	}
	return dots == 2
}

// verifyEnvelope verifies an HMAC-signed JWT (any of HS256/HS384/HS512)
// signed with the store's jwt key and
// returns the key id carried in its "kid" claim.
func (s *Store) verifyEnvelope(token string) (string, bool) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	kid, ok := claims["kid"].(string)
	if !ok || kid == "" {
		return "", false
	}
	return kid, true
}
