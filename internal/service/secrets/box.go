// Package secrets seals channel credentials at rest. Channels store vendor
// API keys; the database only ever sees the sealed blob.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// Box is an XChaCha20-Poly1305 AEAD keyed from ENCRYPTION_KEY.
type Box struct{ aead cipher.AEAD }

// NewBox derives the sealing key from the configured secret. The secret must
// be at least 32 characters; it is hashed so any longer passphrase works.
func NewBox(key string) (*Box, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("op=secrets.new: key shorter than 32 bytes: %w", domain.ErrInvalidArgument)
	}
	sum := sha256.Sum256([]byte(key))
	aead, err := chacha20poly1305.NewX(sum[:])
	if err != nil {
		return nil, fmt.Errorf("op=secrets.new: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts a credential set. Output layout is nonce || ciphertext.
func (b *Box) Seal(creds domain.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.seal: %w", err)
	}
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plain)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("op=secrets.seal: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a sealed blob. A failure here means the blob was written with
// a different key or corrupted in storage.
func (b *Box) Open(blob []byte) (domain.Credentials, error) {
	if len(blob) < b.aead.NonceSize() {
		return nil, fmt.Errorf("op=secrets.open: blob too short")
	}
	nonce, ct := blob[:b.aead.NonceSize()], blob[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.open: %w", err)
	}
	var creds domain.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("op=secrets.open: %w", err)
	}
	return creds, nil
}
