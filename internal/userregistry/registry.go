// Package userregistry stores the User side of the user↔agent relationship.
// Ownership is directional-by-id: a user holds a set of agent ids, an agent
// holds its owner's user id, and there is no embedded back-reference in
// either direction — lookups always go through a registry.
package userregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/platform"
)

// User is a registered owner of one or more agents.
type User struct {
	UserID   uuid.UUID   `json:"user_id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	AgentIDs []uuid.UUID `json:"agent_ids"`
}

// Registry is the in-memory, file-snapshotted set of users.
type Registry struct {
	store platform.Store

	mu      sync.RWMutex
	users   map[uuid.UUID]*User
	byEmail map[string]uuid.UUID
}

// New creates an empty Registry backed by store.
func New(store platform.Store) *Registry {
	return &Registry{
		store:   store,
		users:   make(map[uuid.UUID]*User),
		byEmail: make(map[string]uuid.UUID),
	}
}

// Load restores the registry from the last persisted snapshot. A fresh
// store (no prior snapshot) is not an error.
func (r *Registry) Load(ctx context.Context) error {
	blob, err := r.store.LoadAll(ctx)
	if err != nil {
		return gwerr.NewConfigError("loading users snapshot: %v", err)
	}
	if len(blob) == 0 {
		return nil
	}

	var users []*User
	if err := json.Unmarshal(blob, &users); err != nil {
		return gwerr.NewConfigError("parsing users snapshot: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		r.users[u.UserID] = u
		r.byEmail[u.Email] = u.UserID
	}
	return nil
}

// Create registers a new user. Fails with gwerr.BadRequest if the email is
// already taken.
func (r *Registry) Create(ctx context.Context, username, email string) (*User, error) {
	r.mu.Lock()
	if _, taken := r.byEmail[email]; taken {
		r.mu.Unlock()
		return nil, gwerr.New(gwerr.BadRequest, "email %q already registered", email)
	}

	u := &User{
		UserID:   uuid.New(),
		Username: username,
		Email:    email,
	}
	r.users[u.UserID] = u
	r.byEmail[email] = u.UserID
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns the user with the given id.
func (r *Registry) Get(userID uuid.UUID) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	return u, ok
}

// AttachAgent records agentID as owned by userID.
func (r *Registry) AttachAgent(ctx context.Context, userID, agentID uuid.UUID) error {
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return gwerr.New(gwerr.NotFound, "user %s not found", userID)
	}
	u.AgentIDs = append(u.AgentIDs, agentID)
	r.mu.Unlock()

	return r.persist(ctx)
}

// DetachAgent removes agentID from userID's owned set (used by rotation to
// swap the old id for the new one).
func (r *Registry) DetachAgent(ctx context.Context, userID, agentID uuid.UUID) error {
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return gwerr.New(gwerr.NotFound, "user %s not found", userID)
	}
	kept := u.AgentIDs[:0]
	for _, id := range u.AgentIDs {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	u.AgentIDs = kept
	r.mu.Unlock()

	return r.persist(ctx)
}

func (r *Registry) persist(ctx context.Context) error {
	r.mu.RLock()
	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	r.mu.RUnlock()

	blob, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("marshaling users snapshot: %w", err)
	}
	if err := r.store.Persist(ctx, blob); err != nil {
		return fmt.Errorf("persisting users snapshot: %w", err)
	}
	return nil
}
