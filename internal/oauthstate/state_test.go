package oauthstate

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSigner(t *testing.T) (*Signer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s, err := NewSigner("state-secret", WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("")
	assert.ErrorIs(t, err, ErrSecretMissing)
}

func TestGenerateFormat(t *testing.T) {
	s, _ := newTestSigner(t)

	state, err := s.Generate()
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(state)
	require.NoError(t, err)

	parts := strings.Split(string(raw), ":")
	require.Len(t, parts, 3)
	assert.Equal(t, "1700000000", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Len(t, parts[2], 32)
}

func TestVerifyFreshState(t *testing.T) {
	s, clock := newTestSigner(t)

	state, err := s.Generate()
	require.NoError(t, err)
	assert.NoError(t, s.Verify(state))

	clock.Advance(600 * time.Second)
	assert.NoError(t, s.Verify(state), "state exactly 600s old is still valid")
}

func TestVerifyExpiredState(t *testing.T) {
	s, clock := newTestSigner(t)

	state, err := s.Generate()
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	assert.ErrorIs(t, s.Verify(state), ErrExpired)
}

func TestVerifyTamperedState(t *testing.T) {
	s, clock := newTestSigner(t)

	state, err := s.Generate()
	require.NoError(t, err)

	raw, _ := base64.URLEncoding.DecodeString(state)
	parts := strings.Split(string(raw), ":")

	// Move the timestamp forward to try to extend validity.
	forged := "1700000500:" + parts[1] + ":" + parts[2]
	assert.ErrorIs(t, s.Verify(base64.URLEncoding.EncodeToString([]byte(forged))), ErrBadSignature)

	// Flip the signature.
	sig := []byte(parts[2])
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	forged = parts[0] + ":" + parts[1] + ":" + string(sig)
	assert.ErrorIs(t, s.Verify(base64.URLEncoding.EncodeToString([]byte(forged))), ErrBadSignature)

	// A tampered state stays rejected after it would have expired anyway.
	clock.Advance(time.Hour)
	assert.ErrorIs(t, s.Verify(base64.URLEncoding.EncodeToString([]byte(forged))), ErrBadSignature)
}

func TestVerifyWrongSecret(t *testing.T) {
	s, _ := newTestSigner(t)
	other, err := NewSigner("other-secret")
	require.NoError(t, err)

	state, err := other.Generate()
	require.NoError(t, err)

	assert.ErrorIs(t, s.Verify(state), ErrBadSignature)
}

func TestVerifyMalformed(t *testing.T) {
	s, _ := newTestSigner(t)

	for _, state := range []string{
		"",
		"!!!not-base64!!!",
		base64.URLEncoding.EncodeToString([]byte("only:two")),
		base64.URLEncoding.EncodeToString([]byte("abc:nonce:sig")),
	} {
		assert.ErrorIs(t, s.Verify(state), ErrMalformed, state)
	}
}
