// Package secrets holds the symmetric crypto used for API key storage: a
// one-way fingerprint for equality lookups and an AES-256-GCM cipher for the
// reversible, owner-revealable copy of the secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// KeySize is the required AES key length in bytes.
	KeySize = 32

	// APIKeyLen is the length of a rendered API key: 32 random bytes as hex.
	APIKeyLen = 64
)

var ErrBadKeySize = errors.New("encryption key must be exactly 32 bytes")

// Cipher seals and opens API key plaintexts under a single server-held key.
// Construct it once at startup and inject it; it is immutable and safe for
// concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	const op = "secrets.New"

	if len(key) != KeySize {
		return nil, fmt.Errorf("%s: %w", op, ErrBadKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Cipher{aead: aead}, nil
}

// NewFromBase64 builds a Cipher from a standard-base64 encoded 32-byte key,
// the form the key arrives in from the environment.
func NewFromBase64(encoded string) (*Cipher, error) {
	const op = "secrets.NewFromBase64"

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return New(key)
}

// Seal encrypts plain under a fresh random nonce and returns ciphertext and
// nonce separately, matching how they are stored on the key record.
func (c *Cipher) Seal(plain string) (ciphertext, nonce []byte, err error) {
	const op = "secrets.Seal"

	nonce = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return c.aead.Seal(nil, nonce, []byte(plain), nil), nonce, nil
}

// Open decrypts and authenticates a sealed secret. Any tampering with the
// ciphertext or nonce fails closed.
func (c *Cipher) Open(ciphertext, nonce []byte) (string, error) {
	const op = "secrets.Open"

	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(plain), nil
}

// Fingerprint computes the one-way lookup digest of a secret: lowercase hex of
// its SHA-256.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a fresh high-entropy API key: 32 random bytes rendered
// as a fixed-width hex string. The format carries no structure; consumers may
// only ever check length and charset.
func GenerateAPIKey() (string, error) {
	const op = "secrets.GenerateAPIKey"

	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return hex.EncodeToString(bytes), nil
}
