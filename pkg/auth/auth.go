// Package auth validates opaque bearer tokens and resolves them to a
// Principal. Grounded on the teacher's manager.TokenManager (random
// crypto/rand tokens, expiry, revoke), generalized from a single-role
// join token into the two caller-facing principals spec.md §6 requires.
// Tokens are minted out of band; this package never issues session or
// JWT tokens, only validates and resolves.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/pkg/apierr"
)

// Kind distinguishes the two bearer-token principals.
type Kind string

const (
	KindUser Kind = "user"
	KindNode Kind = "node"
)

// Principal is the authenticated identity attached to a request after
// successful token validation.
type Principal struct {
	Kind    Kind
	OwnerID string // set when Kind == KindUser
	NodeID  string // set when Kind == KindNode
}

type record struct {
	principal Principal
	expiresAt time.Time
}

// Registry holds valid bearer tokens in memory. There is no durable
// token store; tokens are reissued if the orchestrator restarts.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]record
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tokens: make(map[string]record)}
}

// MintUserToken generates an opaque token resolving to PrincipalUser{ownerID}.
func (r *Registry) MintUserToken(ownerID string, ttl time.Duration) (string, error) {
	return r.mint(Principal{Kind: KindUser, OwnerID: ownerID}, ttl)
}

// MintNodeToken generates an opaque token resolving to PrincipalNode{nodeID}.
func (r *Registry) MintNodeToken(nodeID string, ttl time.Duration) (string, error) {
	return r.mint(Principal{Kind: KindNode, NodeID: nodeID}, ttl)
}

func (r *Registry) mint(p Principal, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	r.mu.Lock()
	r.tokens[token] = record{principal: p, expiresAt: time.Now().Add(ttl)}
	r.mu.Unlock()

	return token, nil
}

// Validate resolves token to its Principal, or returns an
// UNAUTHENTICATED apierr.Error if the token is missing, unknown, or
// expired.
func (r *Registry) Validate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, apierr.Unauthenticated("missing bearer token")
	}

	r.mu.RLock()
	rec, ok := r.tokens[token]
	r.mu.RUnlock()
	if !ok {
		return Principal{}, apierr.Unauthenticated("invalid bearer token")
	}
	if time.Now().After(rec.expiresAt) {
		r.Revoke(token)
		return Principal{}, apierr.Unauthenticated("expired bearer token")
	}
	return rec.principal, nil
}

// Revoke invalidates a token immediately.
func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	delete(r.tokens, token)
	r.mu.Unlock()
}

// CleanupExpired drops expired tokens. CleanupLoop does not call it;
// Validate also drops an expired token when it is presented.
func (r *Registry) CleanupExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for token, rec := range r.tokens {
		if now.After(rec.expiresAt) {
			delete(r.tokens, token)
		}
	}
}

// RequireUser extracts a PrincipalUser or returns FORBIDDEN.
func RequireUser(p Principal) (Principal, error) {
	if p.Kind != KindUser {
		return Principal{}, apierr.Forbidden("endpoint requires a user principal")
	}
	return p, nil
}

// RequireNode extracts a PrincipalNode or returns FORBIDDEN.
func RequireNode(p Principal) (Principal, error) {
	if p.Kind != KindNode {
		return Principal{}, apierr.Forbidden("endpoint requires a node principal")
	}
	return p, nil
}
