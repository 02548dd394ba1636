package vault

import (
	"time"

	"golang.org/x/oauth2"
)

// StoredCredential is the plaintext shape the vault keeps cached in memory
// and seals to disk.
type StoredCredential struct {
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	TokenType      string     `json:"token_type"`
}

// hasExpiry reports whether the credential carries an expiry at all.
func (c StoredCredential) hasExpiry() bool {
	return c.TokenExpiresAt != nil
}

// hasRefreshToken reports whether the upstream gave us a refresh token. A
// credential with no refresh token is never refreshed — it is used
// verbatim until the upstream rejects it.
func (c StoredCredential) hasRefreshToken() bool {
	return c.RefreshToken != ""
}

// asOAuth2Token shapes the credential as an *oauth2.Token, the same value
// golang.org/x/oauth2 would hand back from a real refresh-token exchange.
// This keeps the simulated refresh procedure (refresh.go) structurally
// identical to what a real implementation would do.
func (c StoredCredential) asOAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
	}
	if c.TokenExpiresAt != nil {
		tok.Expiry = *c.TokenExpiresAt
	}
	return tok
}

// credentialFromOAuth2Token converts an *oauth2.Token back into the
// credential shape the vault stores.
func credentialFromOAuth2Token(tok *oauth2.Token) StoredCredential {
	cred := StoredCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cred.TokenExpiresAt = &expiry
	}
	return cred
}
