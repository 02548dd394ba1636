// Package agentregistry implements the agent (access key) store. Rotation
// is the one operation that touches three other subsystems (this
// registry, the vault, and the session registry) and must appear atomic
// to observers: the old agent id must not resolve once rotation
// completes, and observers must see either the old or the new id as
// valid — never both and never neither.
package agentregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/platform"
)

// RateLimit is an agent's own rate-limit budget.
type RateLimit struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

// DefaultRateLimit is applied to agents created without an explicit one.
var DefaultRateLimit = RateLimit{MaxRequests: 200, WindowSeconds: 60}

// Access is the result of CheckAccess.
type Access int

const (
	AccessOK Access = iota
	AccessForbidden
	AccessExpired
)

// Agent is a provisioned identity authorized to use a subset of upstream
// services.
type Agent struct {
	AgentID         uuid.UUID       `json:"agent_id"`
	OwnerUserID     uuid.UUID       `json:"owner_user_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	AllowedServices map[string]bool `json:"allowed_services"`
	RateLimit       RateLimit       `json:"rate_limit"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	LifespanDays    int             `json:"lifespan_days"`
}

// CredentialRekeyer re-seals every stored credential owned by oldID under
// newID, and removes oldID's entries — it is how rotation satisfies "copies
// credentials across by re-keying in the vault" without agentregistry
// importing the vault package directly (the vault's AAD binds a credential
// to its agent id, so a straight copy would fail to open under the new id).
type CredentialRekeyer interface {
	RekeyAgent(ctx context.Context, oldAgentID, newAgentID string) error
}

// SessionInvalidator revokes sessions bound to an agent id and mints a
// fresh one for its replacement during rotation.
type SessionInvalidator interface {
	RevokeForAgent(agentID uuid.UUID)
	Create(agentID uuid.UUID) (string, error)
}

// ServiceChecker reports whether a service id is known (used to validate
// allowed_services at creation and grant time).
type ServiceChecker interface {
	Exists(serviceID string) bool
}

// Registry stores agents keyed by agent_id.
//
// Rotate holds this registry's lock across its entire sequence — insert
// the new record, re-key the vault, swap sessions, remove the old record
// — acquiring the vault's and the session registry's own locks (via
// CredentialRekeyer and SessionInvalidator, which do their own internal
// locking) in that fixed order while still holding it. No concurrent
// Get/CheckAccess/Exists/RateLimit can observe a torn state: either call
// blocks until rotation completes, or it runs before rotation starts.
type Registry struct {
	clock clockwork.Clock
	store platform.Store

	mu     sync.RWMutex
	agents map[uuid.UUID]*Agent
}

// New creates an empty Registry backed by store.
func New(clock clockwork.Clock, store platform.Store) *Registry {
	return &Registry{
		clock:  clock,
		store:  store,
		agents: make(map[uuid.UUID]*Agent),
	}
}

// Load restores the registry from the last persisted snapshot.
func (r *Registry) Load(ctx context.Context) error {
	blob, err := r.store.LoadAll(ctx)
	if err != nil {
		return gwerr.NewConfigError("loading agents snapshot: %v", err)
	}
	if len(blob) == 0 {
		return nil
	}

	var agents []*Agent
	if err := json.Unmarshal(blob, &agents); err != nil {
		return gwerr.NewConfigError("parsing agents snapshot: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.AgentID] = a
	}
	return nil
}

// Create provisions a new agent. Every entry in services must exist in
// catalog, or Create fails with gwerr.BadRequest.
func (r *Registry) Create(ctx context.Context, ownerUserID uuid.UUID, name, description string, services []string, lifespanDays int, catalog ServiceChecker, rl *RateLimit) (*Agent, error) {
	allowed := make(map[string]bool, len(services))
	for _, s := range services {
		if !catalog.Exists(s) {
			return nil, gwerr.New(gwerr.BadRequest, "unknown service %q", s)
		}
		allowed[s] = true
	}

	limit := DefaultRateLimit
	if rl != nil {
		limit = *rl
	}

	now := r.clock.Now()
	agent := &Agent{
		AgentID:         uuid.New(),
		OwnerUserID:     ownerUserID,
		Name:            name,
		Description:     description,
		AllowedServices: allowed,
		RateLimit:       limit,
		CreatedAt:       now,
		ExpiresAt:       now.AddDate(0, 0, lifespanDays),
		LifespanDays:    lifespanDays,
	}

	r.mu.Lock()
	r.agents[agent.AgentID] = agent
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	return agent, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(agentID uuid.UUID) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Exists reports whether agentID is known and, if so, whether its key has
// expired. It implements session.AgentExpiryChecker.
func (r *Registry) Exists(agentID uuid.UUID) (expired bool, ok bool) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return false, false
	}
	return !r.clock.Now().Before(a.ExpiresAt), true
}

// RateLimit returns agentID's own configured admission budget. It
// implements gateway.AccessChecker for the pipeline's agent-scoped
// rate-limit check, which falls back to a pipeline-wide default only when
// ok is false.
func (r *Registry) RateLimit(agentID uuid.UUID) (max, windowSecs int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return 0, 0, false
	}
	return a.RateLimit.MaxRequests, a.RateLimit.WindowSeconds, true
}

// CheckAccess implements the authorization decision the gateway pipeline's
// access-control step requires.
func (r *Registry) CheckAccess(agentID uuid.UUID, serviceID string) Access {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return AccessForbidden
	}
	if !r.clock.Now().Before(a.ExpiresAt) {
		return AccessExpired
	}
	if !a.AllowedServices[serviceID] {
		return AccessForbidden
	}
	return AccessOK
}

// GrantService adds serviceID to agentID's allowed set. Idempotent.
func (r *Registry) GrantService(ctx context.Context, agentID uuid.UUID, serviceID string, catalog ServiceChecker) error {
	if !catalog.Exists(serviceID) {
		return gwerr.New(gwerr.BadRequest, "unknown service %q", serviceID)
	}

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return gwerr.New(gwerr.NotFound, "agent %s not found", agentID)
	}
	a.AllowedServices[serviceID] = true
	r.mu.Unlock()

	return r.persist(ctx)
}

// RevokeService removes serviceID from agentID's allowed set. Idempotent;
// removing the last service is permitted.
func (r *Registry) RevokeService(ctx context.Context, agentID uuid.UUID, serviceID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return gwerr.New(gwerr.NotFound, "agent %s not found", agentID)
	}
	delete(a.AllowedServices, serviceID)
	r.mu.Unlock()

	return r.persist(ctx)
}

// Rotate replaces agentID with a freshly-identified agent that inherits
// every field except identity and timestamps:
//
//  1. build the new agent record and insert it
//  2. re-key the vault's credentials from old id to new id
//  3. revoke sessions bound to the old id and mint a fresh one for the new
//     id
//  4. remove the old agent record
//
// All four steps run under a single hold of the registry lock, so no
// observer ever sees both the old and new agent id valid, or neither.
// persist happens once the lock is released: it only ever writes a
// snapshot of a state some reader could also observe, so it does not need
// to be inside the atomic section.
func (r *Registry) Rotate(ctx context.Context, agentID uuid.UUID, vault CredentialRekeyer, sessions SessionInvalidator) (*Agent, string, error) {
	r.mu.Lock()

	old, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, "", gwerr.New(gwerr.NotFound, "agent %s not found", agentID)
	}

	allowed := make(map[string]bool, len(old.AllowedServices))
	for s := range old.AllowedServices {
		allowed[s] = true
	}
	now := r.clock.Now()
	next := &Agent{
		AgentID:         uuid.New(),
		OwnerUserID:     old.OwnerUserID,
		Name:            old.Name,
		Description:     old.Description,
		AllowedServices: allowed,
		RateLimit:       old.RateLimit,
		CreatedAt:       now,
		ExpiresAt:       now.AddDate(0, 0, old.LifespanDays),
		LifespanDays:    old.LifespanDays,
	}
	r.agents[next.AgentID] = next

	if err := vault.RekeyAgent(ctx, agentID.String(), next.AgentID.String()); err != nil {
		delete(r.agents, next.AgentID)
		r.mu.Unlock()
		return nil, "", fmt.Errorf("rekeying vault credentials: %w", err)
	}

	sessions.RevokeForAgent(agentID)
	sessionID, err := sessions.Create(next.AgentID)
	if err != nil {
		delete(r.agents, next.AgentID)
		r.mu.Unlock()
		return nil, "", fmt.Errorf("minting session for rotated agent: %w", err)
	}

	delete(r.agents, agentID)
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, "", err
	}
	return next, sessionID, nil
}

func (r *Registry) persist(ctx context.Context) error {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	blob, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("marshaling agents snapshot: %w", err)
	}
	if err := r.store.Persist(ctx, blob); err != nil {
		return fmt.Errorf("persisting agents snapshot: %w", err)
	}
	return nil
}
