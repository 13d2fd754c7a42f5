package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/metrics"
	"strava-wakatime-backend/internal/tokencrypt"
)

// Credential is the OAuth token set for one integration. Token fields are
// always plaintext in memory; CredentialStore encrypts them on write.
type Credential struct {
	Integration  string
	SubjectID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // Unix seconds
	Scope        string
	CreatedAt    int64
	UpdatedAt    int64
}

// CredentialStore persists credentials with token fields encrypted at rest.
type CredentialStore struct {
	db     *DB
	cipher *tokencrypt.Cipher
	logger zerolog.Logger
}

// NewCredentialStore creates a store that encrypts with cipher.
func NewCredentialStore(db *DB, cipher *tokencrypt.Cipher) *CredentialStore {
	return &CredentialStore{
		db:     db,
		cipher: cipher,
		logger: logging.WithComponent("credentials"),
	}
}

// DB returns the underlying database.
func (s *CredentialStore) DB() *DB {
	return s.db
}

// Get returns the credential for integration, or nil if none exists.
// q may be nil to read outside a transaction.
func (s *CredentialStore) Get(ctx context.Context, q Querier, integration string) (*Credential, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCredential))
	defer timer.ObserveDuration()

	var c Credential
	err := s.db.querier(q).QueryRowContext(ctx, `
		SELECT integration, subject_id, access_token, refresh_token,
		       expires_at, scope, created_at, updated_at
		FROM credentials WHERE integration = ?
	`, integration).Scan(
		&c.Integration, &c.SubjectID, &c.AccessToken, &c.RefreshToken,
		&c.ExpiresAt, &c.Scope, &c.CreatedAt, &c.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCredential).Inc()
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	c.AccessToken = s.decryptField(integration, "access_token", c.AccessToken)
	c.RefreshToken = s.decryptField(integration, "refresh_token", c.RefreshToken)
	return &c, nil
}

// Upsert inserts or replaces the credential for c.Integration in one
// statement. There is never more than one row per integration.
func (s *CredentialStore) Upsert(ctx context.Context, q Querier, c *Credential) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertCredential))
	defer timer.ObserveDuration()

	access, refresh, err := s.encryptPair(c.AccessToken, c.RefreshToken)
	if err != nil {
		return err
	}

	now := s.db.now().Unix()
	c.UpdatedAt = now
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}

	_, err = s.db.querier(q).ExecContext(ctx, `
		INSERT INTO credentials (
			integration, subject_id, access_token, refresh_token,
			expires_at, scope, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration) DO UPDATE SET
			subject_id = excluded.subject_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`, c.Integration, c.SubjectID, access, refresh, c.ExpiresAt, c.Scope, c.CreatedAt, c.UpdatedAt)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertCredential).Inc()
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// UpdateTokens writes the access/refresh/expiry triple in a single UPDATE so
// readers never see a mix of old and new values. An empty refreshToken keeps
// the stored one.
func (s *CredentialStore) UpdateTokens(ctx context.Context, q Querier, integration, accessToken, refreshToken string, expiresAt int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateTokens))
	defer timer.ObserveDuration()

	access, refresh, err := s.encryptPair(accessToken, refreshToken)
	if err != nil {
		return err
	}

	result, err := s.db.querier(q).ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?,
		    refresh_token = COALESCE(NULLIF(?, ''), refresh_token),
		    expires_at = ?,
		    updated_at = ?
		WHERE integration = ?
	`, access, refresh, expiresAt, s.db.now().Unix(), integration)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateTokens).Inc()
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential not found for %s", integration)
	}
	return nil
}

func (s *CredentialStore) encryptPair(access, refresh string) (string, string, error) {
	encAccess, err := s.cipher.Encrypt(access)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := s.cipher.Encrypt(refresh)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return encAccess, encRefresh, nil
}

func (s *CredentialStore) decryptField(integration, field, stored string) string {
	res := s.cipher.Decrypt(stored)
	if res.Kind == tokencrypt.Decrypted {
		return res.Value
	}

	if res.Suspicious() {
		metrics.LegacyTokenReadsTotal.WithLabelValues(integration, "authentication_failed").Inc()
		s.logger.Warn().
			Str("integration", integration).
			Str("field", field).
			Msg("Stored token failed authentication, treating as plaintext; check ENCRYPTION_KEY")
	} else {
		metrics.LegacyTokenReadsTotal.WithLabelValues(integration, "not_ciphertext").Inc()
		s.logger.Debug().
			Str("integration", integration).
			Str("field", field).
			Msg("Read legacy plaintext token")
	}
	return res.Value
}

func (db *DB) querier(q Querier) Querier {
	if q == nil {
		return db.conn
	}
	return q
}
