package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CLI session statuses.
const (
	CLISessionPending  = "pending"
	CLISessionApproved = "approved"
)

// CLISessionTTL is how long a CLI bootstrap record stays redeemable.
const CLISessionTTL = 10 * time.Minute

var (
	// ErrCLISessionNotFound is returned when the poll token does not exist
	// (including the already-consumed case, so exactly one poll wins).
	ErrCLISessionNotFound = errors.New("store: cli session not found")
	// ErrCLISessionExpired is returned when the record outlived its TTL.
	ErrCLISessionExpired = errors.New("store: cli session expired")
	// ErrCLISessionPending is returned when the browser approval has not
	// landed yet.
	ErrCLISessionPending = errors.New("store: cli session pending")
)

// CLISession is one ephemeral browser-round-trip auth bootstrap record.
type CLISession struct {
	Token     string
	TenantID  sql.NullString
	APIKey    sql.NullString
	Status    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateCLISession registers a pending bootstrap record for the CLI-minted
// session token.
func (s *Store) CreateCLISession(ctx context.Context, token string) (*CLISession, error) {
	now := time.Now().UTC()
	sess := &CLISession{
		Token:     token,
		Status:    CLISessionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(CLISessionTTL),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cli_sessions (token, status, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, sess.Token, sess.Status, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create cli session: %w", err)
	}
	return sess, nil
}

// ApproveCLISession deposits the freshly issued API key into the pending
// record. Idempotent approval is not supported: a second approval fails.
func (s *Store) ApproveCLISession(ctx context.Context, token, tenantID, apiKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cli_sessions SET tenant_id = ?, api_key = ?, status = ?
		WHERE token = ? AND status = ? AND expires_at > ?
	`, tenantID, apiKey, CLISessionApproved, token, CLISessionPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to approve cli session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrCLISessionNotFound
	}
	return nil
}

// PollCLISession transactionally reads and deletes an approved record so
// exactly one poll obtains the key. Pending records are left in place.
func (s *Store) PollCLISession(ctx context.Context, token string) (*CLISession, error) {
	var out *CLISession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess := &CLISession{}
		err := tx.QueryRowContext(ctx, `
			SELECT token, tenant_id, api_key, status, created_at, expires_at
			FROM cli_sessions WHERE token = ?
		`, token).Scan(&sess.Token, &sess.TenantID, &sess.APIKey, &sess.Status,
			&sess.CreatedAt, &sess.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCLISessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read cli session: %w", err)
		}

		if time.Now().UTC().After(sess.ExpiresAt) {
			_, _ = tx.ExecContext(ctx, `DELETE FROM cli_sessions WHERE token = ?`, token)
			return ErrCLISessionExpired
		}
		if sess.Status != CLISessionApproved {
			return ErrCLISessionPending
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM cli_sessions WHERE token = ?`, token)
		if err != nil {
			return fmt.Errorf("failed to consume cli session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrCLISessionNotFound
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PruneCLISessions deletes expired bootstrap records.
func (s *Store) PruneCLISessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cli_sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to prune cli sessions: %w", err)
	}
	return nil
}
