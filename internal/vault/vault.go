// Package vault holds the at-rest credential store. Credentials live
// encrypted on disk and decrypted in memory; refreshes for the same
// (agent_id, service_id) pair coalesce so at most one is ever in flight.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/cryptobox"
	"github.com/wisbric/agentgate/internal/gwerr"
	"github.com/wisbric/agentgate/internal/platform"
	"github.com/wisbric/agentgate/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// key identifies one stored credential.
type key struct {
	AgentID   string `json:"agent_id"`
	ServiceID string `json:"service_id"`
}

func (k key) sfKey() string {
	return k.AgentID + "\x00" + k.ServiceID
}

// entry is one sealed-on-disk record.
type entry struct {
	Key        key    `json:"key"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault stores, seals, and refreshes upstream credentials.
type Vault struct {
	box   *cryptobox.Box
	store platform.Store
	clock clockwork.Clock

	refresher        Refresher
	refreshThreshold time.Duration

	sf singleflight.Group

	mu   sync.RWMutex
	data map[key]StoredCredential
}

// New constructs a Vault. refreshThreshold is the skew window: if
// token_expires_at minus now is at or below this threshold, Get refreshes
// the credential before returning it.
func New(box *cryptobox.Box, store platform.Store, clock clockwork.Clock, refresher Refresher, refreshThreshold time.Duration) *Vault {
	return &Vault{
		box:              box,
		store:            store,
		clock:            clock,
		refresher:        refresher,
		refreshThreshold: refreshThreshold,
		data:             make(map[key]StoredCredential),
	}
}

// aad binds a sealed blob to the (agent_id, service_id) pair it belongs
// to, so a ciphertext copied between entries fails to open.
func aad(k key) []byte {
	return []byte(k.AgentID + "\x00" + k.ServiceID)
}

// Load restores every sealed credential from the last snapshot, failing
// fatally (gwerr.ConfigError) if any entry cannot be opened — a corrupt or
// wrong-key vault must never start up silently empty.
func (v *Vault) Load(ctx context.Context) error {
	blob, err := v.store.LoadAll(ctx)
	if err != nil {
		return gwerr.NewConfigError("loading credential snapshot: %v", err)
	}
	if len(blob) == 0 {
		return nil
	}

	var entries []entry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return gwerr.NewConfigError("parsing credential snapshot: %v", err)
	}

	decoded := make(map[key]StoredCredential, len(entries))
	for _, e := range entries {
		plaintext, err := v.box.Open(e.Ciphertext, aad(e.Key))
		if err != nil {
			return gwerr.NewConfigError("opening credential for agent %s service %s: %v", e.Key.AgentID, e.Key.ServiceID, err)
		}
		var cred StoredCredential
		if err := json.Unmarshal(plaintext, &cred); err != nil {
			return gwerr.NewConfigError("parsing credential for agent %s service %s: %v", e.Key.AgentID, e.Key.ServiceID, err)
		}
		decoded[e.Key] = cred
	}

	v.mu.Lock()
	v.data = decoded
	v.mu.Unlock()
	return nil
}

// Get returns the current, live credential for (agentID, serviceID),
// refreshing it first if it is within refreshThreshold of expiry and a
// refresh token is available.
func (v *Vault) Get(ctx context.Context, agentID, serviceID string) (StoredCredential, error) {
	k := key{AgentID: agentID, ServiceID: serviceID}

	v.mu.RLock()
	cred, ok := v.data[k]
	v.mu.RUnlock()
	if !ok {
		return StoredCredential{}, gwerr.New(gwerr.NotFound, "no credential for agent %s service %s", agentID, serviceID)
	}

	if !v.needsRefresh(cred) {
		return cred, nil
	}
	if !cred.hasRefreshToken() {
		// Stale but nothing to refresh with: use it verbatim until the
		// upstream rejects it.
		return cred, nil
	}

	telemetry.VaultRefreshInflight.Inc()
	refreshed, err, _ := v.sf.Do(k.sfKey(), func() (any, error) {
		// Re-read: another goroutine's refresh may have landed while we
		// waited to enter the singleflight call.
		v.mu.RLock()
		current := v.data[k]
		v.mu.RUnlock()
		if !v.needsRefresh(current) {
			return current, nil
		}

		next, err := v.refresher.Refresh(ctx, serviceID, current)
		if err != nil {
			return StoredCredential{}, fmt.Errorf("refreshing credential: %w", err)
		}
		if err := v.put(ctx, k, next); err != nil {
			return StoredCredential{}, err
		}
		return next, nil
	})
	telemetry.VaultRefreshInflight.Dec()
	if err != nil {
		telemetry.VaultRefreshTotal.WithLabelValues("error").Inc()
		return StoredCredential{}, gwerr.New(gwerr.UpstreamError, "credential refresh failed: %v", err)
	}
	telemetry.VaultRefreshTotal.WithLabelValues("ok").Inc()
	return refreshed.(StoredCredential), nil
}

// needsRefresh reports whether cred is within refreshThreshold of expiry.
func (v *Vault) needsRefresh(cred StoredCredential) bool {
	if !cred.hasExpiry() {
		return false
	}
	skew := cred.TokenExpiresAt.Sub(v.clock.Now())
	return skew <= v.refreshThreshold
}

// Put seals and stores a credential for (agentID, serviceID), overwriting
// any existing entry.
func (v *Vault) Put(ctx context.Context, agentID, serviceID string, cred StoredCredential) error {
	return v.put(ctx, key{AgentID: agentID, ServiceID: serviceID}, cred)
}

func (v *Vault) put(ctx context.Context, k key, cred StoredCredential) error {
	v.mu.Lock()
	v.data[k] = cred
	v.mu.Unlock()
	return v.persist(ctx)
}

// Delete removes a stored credential, e.g. when a grant is revoked.
func (v *Vault) Delete(ctx context.Context, agentID, serviceID string) error {
	k := key{AgentID: agentID, ServiceID: serviceID}
	v.mu.Lock()
	delete(v.data, k)
	v.mu.Unlock()
	return v.persist(ctx)
}

// RekeyAgent moves every credential owned by oldAgentID to newAgentID,
// re-sealing each under the new AAD (the AAD binds a credential to its
// agent id, so a raw copy would fail to open under the new one). It
// implements agentregistry.CredentialRekeyer for Registry.Rotate.
func (v *Vault) RekeyAgent(ctx context.Context, oldAgentID, newAgentID string) error {
	v.mu.Lock()
	for k, cred := range v.data {
		if k.AgentID != oldAgentID {
			continue
		}
		delete(v.data, k)
		v.data[key{AgentID: newAgentID, ServiceID: k.ServiceID}] = cred
	}
	v.mu.Unlock()
	return v.persist(ctx)
}

// DeleteAgent removes every credential owned by agentID. Rotation does not
// call it: RekeyAgent moves the entries to the new agent id instead.
func (v *Vault) DeleteAgent(ctx context.Context, agentID string) error {
	v.mu.Lock()
	for k := range v.data {
		if k.AgentID == agentID {
			delete(v.data, k)
		}
	}
	v.mu.Unlock()
	return v.persist(ctx)
}

func (v *Vault) persist(ctx context.Context) error {
	v.mu.RLock()
	entries := make([]entry, 0, len(v.data))
	for k, cred := range v.data {
		plaintext, err := json.Marshal(cred)
		if err != nil {
			v.mu.RUnlock()
			return fmt.Errorf("marshaling credential: %w", err)
		}
		ciphertext, err := v.box.Seal(plaintext, aad(k))
		if err != nil {
			v.mu.RUnlock()
			return fmt.Errorf("sealing credential: %w", err)
		}
		entries = append(entries, entry{Key: k, Ciphertext: ciphertext})
	}
	v.mu.RUnlock()

	blob, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling credential snapshot: %w", err)
	}
	if err := v.store.Persist(ctx, blob); err != nil {
		return fmt.Errorf("persisting credential snapshot: %w", err)
	}
	return nil
}
