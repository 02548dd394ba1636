package vault

import (
	"context"
	"time"

	"github.com/wisbric/agentgate/internal/clockwork"
	"golang.org/x/oauth2"
)

// Refresher performs the upstream refresh-token exchange for one
// credential. The vault calls it at most once per (agent_id, service_id)
// at a time — concurrent callers coalesce via singleflight in vault.go.
type Refresher interface {
	Refresh(ctx context.Context, serviceID string, cred StoredCredential) (StoredCredential, error)
}

// SimulatedRefresher stands in for a real token-endpoint integration: it
// does not call an upstream token endpoint. It extends token_expires_at
// by defaultLifetime and keeps the access token
// unchanged. The exchange is still shaped as a real oauth2 round trip (an
// *oauth2.Token in, an *oauth2.Token out) so swapping in
// oauth2.Config.TokenSource against a real token endpoint later only
// requires replacing the body of Refresh, not the vault's coordination
// contract.
type SimulatedRefresher struct {
	clock           clockwork.Clock
	defaultLifetime time.Duration
}

// NewSimulatedRefresher creates a SimulatedRefresher. defaultLifetime is
// the upstream-specified lifetime used when simulating a refresh response
// (default: 3600s).
func NewSimulatedRefresher(clock clockwork.Clock, defaultLifetime time.Duration) *SimulatedRefresher {
	return &SimulatedRefresher{clock: clock, defaultLifetime: defaultLifetime}
}

// Refresh extends the credential's expiry and returns it. serviceID is
// accepted (and would select the token endpoint in a real implementation)
// but unused by the simulation.
func (s *SimulatedRefresher) Refresh(_ context.Context, _ string, cred StoredCredential) (StoredCredential, error) {
	tok := cred.asOAuth2Token()

	refreshed := &oauth2.Token{
		AccessToken:  tok.AccessToken, // access token kept verbatim
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       s.clock.Now().Add(s.defaultLifetime),
	}

	return credentialFromOAuth2Token(refreshed), nil
}
