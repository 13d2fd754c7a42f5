// Package tokencrypt encrypts OAuth tokens before they are written to the
// database and decrypts them after they are read.
//
// Keys are derived with PBKDF2-SHA256 from an operator secret and used with
// AES-256-GCM. Ciphertext is base64(nonce || sealed).
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Salt is fixed so every process derives the same key from the same secret.
	Salt       = "strava_wakatime_backend_salt_v1"
	Iterations = 100_000
	KeyLength  = 32
)

var (
	// ErrKeyMissing is returned by New when the secret is empty.
	ErrKeyMissing = errors.New("encryption key not configured")

	// ErrInvalidCiphertext marks stored values that are not ciphertext produced by Encrypt.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrAuthentication marks well-formed ciphertext that failed to open,
	// which usually means the secret changed.
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

// Kind tags how a stored value was recovered.
type Kind int

const (
	// Decrypted means the value was ciphertext and opened with the current key.
	Decrypted Kind = iota
	// LegacyPlaintext means the stored value was returned unchanged.
	LegacyPlaintext
)

func (k Kind) String() string {
	switch k {
	case Decrypted:
		return "decrypted"
	case LegacyPlaintext:
		return "legacy_plaintext"
	default:
		return "unknown"
	}
}

// Result is the outcome of Decrypt. Cause is set for LegacyPlaintext and
// wraps ErrInvalidCiphertext or ErrAuthentication.
type Result struct {
	Kind  Kind
	Value string
	Cause error
}

// Suspicious reports a fallback that was not caused by the value simply
// being plaintext. Callers should log these loudly.
func (r Result) Suspicious() bool {
	return r.Kind == LegacyPlaintext && errors.Is(r.Cause, ErrAuthentication)
}

// Cipher encrypts and decrypts token fields.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the key from secret. An empty secret is a configuration error.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrKeyMissing
	}

	key := DeriveKey(secret)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// DeriveKey runs PBKDF2-SHA256 over secret with the fixed salt.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(Salt), Iterations, KeyLength, sha256.New)
}

// Encrypt returns base64 ciphertext. Empty input yields empty output.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt never fails. A value that cannot be opened is returned unchanged
// and tagged LegacyPlaintext.
func (c *Cipher) Decrypt(stored string) Result {
	if stored == "" {
		return Result{Kind: Decrypted}
	}

	// Strava tokens are hex and also decode as base64. Sealed output is
	// random bytes, so its encoding is never all hex at token lengths.
	if _, err := hex.DecodeString(stored); err == nil {
		return legacy(stored, fmt.Errorf("%w: hex token", ErrInvalidCiphertext))
	}

	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return legacy(stored, fmt.Errorf("%w: not base64", ErrInvalidCiphertext))
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead()+1 {
		return legacy(stored, fmt.Errorf("%w: too short", ErrInvalidCiphertext))
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return legacy(stored, ErrAuthentication)
	}

	return Result{Kind: Decrypted, Value: string(plaintext)}
}

func legacy(stored string, cause error) Result {
	return Result{Kind: LegacyPlaintext, Value: stored, Cause: cause}
}
