package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for API key validation. The transport layer maps all of
// them to a single 401 so the store lookup never leaks which check failed.
var (
	ErrKeyNotFound = errors.New("store: api key not found")
	ErrKeyInactive = errors.New("store: api key inactive")
	ErrKeyRevoked  = errors.New("store: api key revoked")
	ErrKeyExpired  = errors.New("store: api key expired")
)

// APIKey is a key_index row, keyed by the hex SHA-256 digest of the opaque
// key. Raw key material is never stored.
type APIKey struct {
	KeyHash      string
	TenantID     string
	ProgramID    string
	Capabilities []string // empty slice = use program defaults
	RateTier     string
	Active       bool
	RevokedAt    sql.NullTime
	ExpiresAt    sql.NullTime
	LastUsedAt   sql.NullTime
	CreatedAt    time.Time
}

// CreateAPIKey inserts a key record.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.RateTier == "" {
		k.RateTier = "standard"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_index (key_hash, tenant_id, program_id, capabilities, rate_tier, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, k.KeyHash, k.TenantID, k.ProgramID, strings.Join(k.Capabilities, ","), k.RateTier, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKey loads a key record by digest and applies the validity checks:
// missing, inactive, revoked, or expired keys return the matching sentinel.
func (s *Store) GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	k := &APIKey{}
	var caps string
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT key_hash, tenant_id, program_id, capabilities, rate_tier,
		       active, revoked_at, expires_at, last_used_at, created_at
		FROM key_index WHERE key_hash = ?
	`, keyHash).Scan(
		&k.KeyHash, &k.TenantID, &k.ProgramID, &caps, &k.RateTier,
		&active, &k.RevokedAt, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	k.Active = active != 0
	if caps != "" {
		k.Capabilities = strings.Split(caps, ",")
	}

	if !k.Active {
		return nil, ErrKeyInactive
	}
	if k.RevokedAt.Valid {
		return nil, ErrKeyRevoked
	}
	if k.ExpiresAt.Valid && time.Now().UTC().After(k.ExpiresAt.Time) {
		return nil, ErrKeyExpired
	}
	return k, nil
}

// ListAPIKeys returns every key owned by the tenant, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_hash, tenant_id, program_id, capabilities, rate_tier,
		       active, revoked_at, expires_at, last_used_at, created_at
		FROM key_index WHERE tenant_id = ? ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		var caps string
		var active int
		if err := rows.Scan(
			&k.KeyHash, &k.TenantID, &k.ProgramID, &caps, &k.RateTier,
			&active, &k.RevokedAt, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		k.Active = active != 0
		if caps != "" {
			k.Capabilities = strings.Split(caps, ",")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates a key and stamps the revocation time.
func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, keyHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_index SET active = 0, revoked_at = ?
		WHERE key_hash = ? AND tenant_id = ? AND revoked_at IS NULL
	`, time.Now().UTC(), keyHash, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ExpireAPIKey sets a rotation expiry on an existing key so callers can cut
// over to a replacement before the old key stops validating.
func (s *Store) ExpireAPIKey(ctx context.Context, tenantID, keyHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_index SET expires_at = ? WHERE key_hash = ? AND tenant_id = ?
	`, expiresAt.UTC(), keyHash, tenantID)
	if err != nil {
		return fmt.Errorf("failed to expire api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchAPIKey stamps last_used_at. Invoked fire-and-forget after successful
// validation; failures are logged by the caller, never surfaced.
func (s *Store) TouchAPIKey(ctx context.Context, keyHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE key_index SET last_used_at = ? WHERE key_hash = ?`,
		time.Now().UTC(), keyHash)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}
