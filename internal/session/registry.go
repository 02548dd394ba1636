// Package session implements the session → agent lookup table (component E
// of the gateway pipeline). Session ids are opaque CSPRNG tokens — no field
// is ever encoded inside one — so resolution always goes through this
// in-memory registry rather than by decoding the token.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/telemetry"
)

// record is a single session's internal state.
type record struct {
	agentID   uuid.UUID
	expiresAt time.Time
}

// AgentExpiryChecker reports whether an agent still exists and, if so,
// whether it has expired. The registry depends on this capability rather
// than on the agent registry directly, to avoid a cyclic ownership
// dependency between the two packages.
type AgentExpiryChecker interface {
	Exists(agentID uuid.UUID) (expired bool, ok bool)
}

// Registry maps session_id → (agent_id, expires_at).
type Registry struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu       sync.RWMutex
	sessions map[string]record
}

// New creates a Registry whose sessions live for ttl (SESSION_TTL_SECS).
func New(clock clockwork.Clock, ttl time.Duration) *Registry {
	return &Registry{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[string]record),
	}
}

// Create mints a new opaque, 128-bit CSPRNG, URL-safe base64 session id
// bound to agentID.
func (r *Registry) Create(agentID uuid.UUID) (string, error) {
	raw := make([]byte, 16) // 128 bits
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("drawing session entropy: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(raw)

	now := r.clock.Now()
	r.mu.Lock()
	r.sessions[id] = record{agentID: agentID, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return id, nil
}

// Resolve returns the agent id bound to sessionID, or a gwerr.Error with
// Kind Unauthorized (unknown session) or SessionExpired (TTL elapsed, or
// the bound agent itself has since expired/been removed).
func (r *Registry) Resolve(sessionID string, agents AgentExpiryChecker) (uuid.UUID, error) {
	r.mu.RLock()
	rec, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		telemetry.SessionResolveTotal.WithLabelValues("unauthorized").Inc()
		return uuid.Nil, gwerr.New(gwerr.Unauthorized, "session not found")
	}

	now := r.clock.Now()
	if !now.Before(rec.expiresAt) {
		r.Revoke(sessionID)
		telemetry.SessionResolveTotal.WithLabelValues("session_expired").Inc()
		return uuid.Nil, gwerr.New(gwerr.SessionExpired, "session TTL elapsed")
	}

	agentExpired, agentExists := agents.Exists(rec.agentID)
	if !agentExists {
		r.Revoke(sessionID)
		telemetry.SessionResolveTotal.WithLabelValues("session_expired").Inc()
		return uuid.Nil, gwerr.New(gwerr.SessionExpired, "bound agent no longer exists")
	}
	if agentExpired {
		telemetry.SessionResolveTotal.WithLabelValues("session_expired").Inc()
		return uuid.Nil, gwerr.New(gwerr.SessionExpired, "bound agent's key has expired")
	}

	telemetry.SessionResolveTotal.WithLabelValues("ok").Inc()
	return rec.agentID, nil
}

// Revoke removes a single session. Idempotent.
func (r *Registry) Revoke(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// RevokeForAgent removes every session bound to agentID. Used during
// rotation: the old agent id's sessions must stop resolving before the new
// session becomes visible.
func (r *Registry) RevokeForAgent(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.sessions {
		if rec.agentID == agentID {
			delete(r.sessions, id)
		}
	}
}

// Sweep removes all expired sessions. Resolve also lazily evicts on access;
// Sweep exists so a background ticker can reclaim memory for sessions that
// are never resolved again after expiring.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.sessions {
		if !now.Before(rec.expiresAt) {
			delete(r.sessions, id)
		}
	}
}
