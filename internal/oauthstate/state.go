// Package oauthstate issues and verifies the anti-CSRF state parameter used in
// the OAuth authorization-code flow. States are stateless: the server keeps
// nothing, the value carries its own timestamp and HMAC signature.
package oauthstate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is how long an issued state is accepted.
	DefaultTTL = 10 * time.Minute

	// signatureLength is 32 hex chars, 128 bits of HMAC-SHA256.
	signatureLength = 32
	nonceBytes      = 16
)

var (
	ErrSecretMissing = errors.New("state secret not configured")
	ErrMalformed     = errors.New("malformed state")
	ErrBadSignature  = errors.New("state signature mismatch")
	ErrExpired       = errors.New("state expired")
)

// Signer creates and verifies signed states.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) { s.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// NewSigner returns a Signer keyed by secret.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}
	s := &Signer{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate returns base64url("<unix ts>:<nonce>:<sig>").
func (s *Signer) Generate() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	payload := strconv.FormatInt(s.now().Unix(), 10) + ":" + nonce
	full := payload + ":" + s.sign(payload)
	return base64.URLEncoding.EncodeToString([]byte(full)), nil
}

// Verify checks the signature first and the age second, so a tampered state
// is reported as ErrBadSignature whatever its timestamp says.
func (s *Signer) Verify(state string) error {
	decoded, err := base64.URLEncoding.DecodeString(state)
	if err != nil {
		return ErrMalformed
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return ErrMalformed
	}
	tsStr, nonce, sig := parts[0], parts[1], parts[2]

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return ErrMalformed
	}

	expected := s.sign(tsStr + ":" + nonce)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return ErrBadSignature
	}

	if ts+int64(s.ttl/time.Second) < s.now().Unix() {
		return ErrExpired
	}

	return nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))[:signatureLength]
}
