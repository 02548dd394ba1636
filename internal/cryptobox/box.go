// Package cryptobox implements the authenticated-encryption-at-rest
// primitive the credential vault uses to seal stored credentials: AES-256-GCM
// with a fresh random 96-bit nonce per call, exactly the algorithm named in
// the credential vault's data-model invariant. The stdlib's crypto/cipher
// already implements AES-GCM correctly and constant-time; there is no
// third-party library in the example corpus that does this job better than
// the primitive the standard library ships for it (see DESIGN.md).
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/wisbric/agentgate/internal/gwerr"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// Box seals and opens credential blobs under a single master key.
type Box struct {
	aead cipher.AEAD
}

// New constructs a Box from a 32-byte master key. It fails with a
// *gwerr.ConfigError if the key is absent or the wrong length, so a
// misconfigured key is a startup failure rather than a silent one.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) != KeySize {
		return nil, gwerr.NewConfigError("encryption key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, gwerr.NewConfigError("initializing cipher: %v", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, gwerr.NewConfigError("initializing AEAD: %v", err)
	}

	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext under aad, returning nonce‖ciphertext‖tag as a
// single opaque blob. A fresh CSPRNG nonce is drawn on every call; nonces
// are never derived from plaintext or time.
func (b *Box) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("drawing nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, plaintext, aad)
	return sealed, nil
}

// Open verifies and decrypts a blob produced by Seal under the same aad.
// Tampering, a wrong key, or a mismatched aad all fail identically with
// gwerr.AuthError — the implementation never reports which check failed.
func (b *Box) Open(blob, aad []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, gwerr.AuthError{}
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, gwerr.AuthError{}
	}
	return plaintext, nil
}
