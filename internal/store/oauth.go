package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OAuth token types.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Sentinel errors for the OAuth store. The token endpoint collapses most of
// them into a generic invalid_grant so callers cannot probe which check
// failed.
var (
	ErrClientNotFound  = errors.New("store: oauth client not found")
	ErrPendingNotFound = errors.New("store: pending authorization not found")
	ErrPendingExpired  = errors.New("store: pending authorization expired")
	ErrCodeInvalid     = errors.New("store: authorization code invalid")
	ErrTokenInvalid    = errors.New("store: oauth token invalid")
	ErrRefreshReplayed = errors.New("store: refresh token replayed")
)

// OAuthClient is a registered OAuth 2.1 client.
type OAuthClient struct {
	ID            string
	Name          string
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	AuthMethod    string
	SecretHash    sql.NullString // confidential clients only
	TenantID      sql.NullString // service-account binding
	CreatedAt     time.Time
	LastUsedAt    sql.NullTime
}

// CreateOAuthClient persists a client registration.
func (s *Store) CreateOAuthClient(ctx context.Context, c *OAuthClient) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to encode redirect uris: %w", err)
	}
	grants, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("failed to encode grant types: %w", err)
	}
	responses, err := json.Marshal(c.ResponseTypes)
	if err != nil {
		return fmt.Errorf("failed to encode response types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, name, redirect_uris, grant_types, response_types,
			auth_method, secret_hash, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, string(uris), string(grants), string(responses),
		c.AuthMethod, c.SecretHash, c.TenantID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create oauth client: %w", err)
	}
	return nil
}

// GetOAuthClient loads a client by id.
func (s *Store) GetOAuthClient(ctx context.Context, id string) (*OAuthClient, error) {
	c := &OAuthClient{}
	var uris, grants, responses string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, redirect_uris, grant_types, response_types, auth_method,
		       secret_hash, tenant_id, created_at, last_used_at
		FROM oauth_clients WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &uris, &grants, &responses, &c.AuthMethod,
		&c.SecretHash, &c.TenantID, &c.CreatedAt, &c.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth client: %w", err)
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to decode redirect uris: %w", err)
	}
	if err := json.Unmarshal([]byte(grants), &c.GrantTypes); err != nil {
		return nil, fmt.Errorf("failed to decode grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(responses), &c.ResponseTypes); err != nil {
		return nil, fmt.Errorf("failed to decode response types: %w", err)
	}
	return c, nil
}

// TouchOAuthClient stamps last_used_at, fire-and-forget.
func (s *Store) TouchOAuthClient(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_clients SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch oauth client: %w", err)
	}
	return nil
}

// PendingAuth is a short-lived record between /authorize and the identity
// callback.
type PendingAuth struct {
	ID              string
	ClientID        string
	RedirectURI     string
	Challenge       string
	ChallengeMethod string
	State           string
	Scope           string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// CreatePendingAuth stores a pending authorization record.
func (s *Store) CreatePendingAuth(ctx context.Context, p *PendingAuth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_pending_auth (id, client_id, redirect_uri, challenge,
			challenge_method, state, scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ClientID, p.RedirectURI, p.Challenge, p.ChallengeMethod,
		p.State, p.Scope, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create pending authorization: %w", err)
	}
	return nil
}

// GetPendingAuth loads a pending authorization, rejecting expired records.
func (s *Store) GetPendingAuth(ctx context.Context, id string) (*PendingAuth, error) {
	p := &PendingAuth{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, redirect_uri, challenge, challenge_method, state, scope,
		       created_at, expires_at
		FROM oauth_pending_auth WHERE id = ?
	`, id).Scan(&p.ID, &p.ClientID, &p.RedirectURI, &p.Challenge, &p.ChallengeMethod,
		&p.State, &p.Scope, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending authorization: %w", err)
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		return nil, ErrPendingExpired
	}
	return p, nil
}

// AuthCode is a single-use authorization code row, keyed by code hash.
type AuthCode struct {
	CodeHash        string
	ClientID        string
	UserID          string
	RedirectURI     string
	Challenge       string
	ChallengeMethod string
	State           string
	Scope           string
	Used            bool
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// MintAuthCode atomically inserts the authorization code and deletes the
// pending record it was derived from, so a pending authorization converts to
// at most one code.
func (s *Store) MintAuthCode(ctx context.Context, pendingID string, code *AuthCode) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM oauth_pending_auth WHERE id = ?`, pendingID)
		if err != nil {
			return fmt.Errorf("failed to delete pending authorization: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrPendingNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO oauth_codes (code_hash, client_id, user_id, redirect_uri,
				challenge, challenge_method, state, scope, used, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, code.CodeHash, code.ClientID, code.UserID, code.RedirectURI,
			code.Challenge, code.ChallengeMethod, code.State, code.Scope,
			code.CreatedAt, code.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert authorization code: %w", err)
		}
		return nil
	})
}

// ConsumeAuthCode marks the code used and returns its record in one
// transaction. The verify predicate runs inside the transaction against the
// loaded row; returning false aborts without consuming. Any failure surfaces
// as ErrCodeInvalid so the caller can answer with a generic invalid_grant.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeHash string, verify func(*AuthCode) bool) (*AuthCode, error) {
	var consumed *AuthCode
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		code := &AuthCode{}
		var used int
		err := tx.QueryRowContext(ctx, `
			SELECT code_hash, client_id, user_id, redirect_uri, challenge,
			       challenge_method, state, scope, used, created_at, expires_at
			FROM oauth_codes WHERE code_hash = ?
		`, codeHash).Scan(&code.CodeHash, &code.ClientID, &code.UserID, &code.RedirectURI,
			&code.Challenge, &code.ChallengeMethod, &code.State, &code.Scope,
			&used, &code.CreatedAt, &code.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeInvalid
		}
		if err != nil {
			return fmt.Errorf("failed to read authorization code: %w", err)
		}
		code.Used = used != 0

		if code.Used || time.Now().UTC().After(code.ExpiresAt) {
			return ErrCodeInvalid
		}
		if verify != nil && !verify(code) {
			return ErrCodeInvalid
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE oauth_codes SET used = 1 WHERE code_hash = ? AND used = 0`, codeHash)
		if err != nil {
			return fmt.Errorf("failed to consume authorization code: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrCodeInvalid
		}
		consumed = code
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// OAuthToken is an access or refresh token record, keyed by token hash.
type OAuthToken struct {
	TokenHash  string
	Type       string
	TenantID   string
	ClientID   string
	Scope      string
	FamilyID   string
	ParentHash sql.NullString
	Active     bool
	ExpiresAt  time.Time
	RevokedAt  sql.NullTime
	CreatedAt  time.Time
}

func insertToken(ctx context.Context, tx *sql.Tx, t *OAuthToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO oauth_tokens (token_hash, type, tenant_id, client_id, scope,
			family_id, parent_hash, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, t.TokenHash, t.Type, t.TenantID, t.ClientID, t.Scope,
		t.FamilyID, t.ParentHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert oauth token: %w", err)
	}
	return nil
}

// CreateTokenPair stores a fresh access + refresh pair atomically.
func (s *Store) CreateTokenPair(ctx context.Context, access, refresh *OAuthToken) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertToken(ctx, tx, access); err != nil {
			return err
		}
		return insertToken(ctx, tx, refresh)
	})
}

// GetOAuthToken loads a token record without validity checks.
func (s *Store) GetOAuthToken(ctx context.Context, tokenHash string) (*OAuthToken, error) {
	t := &OAuthToken{}
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, type, tenant_id, client_id, scope, family_id, parent_hash,
		       active, expires_at, revoked_at, created_at
		FROM oauth_tokens WHERE token_hash = ?
	`, tokenHash).Scan(&t.TokenHash, &t.Type, &t.TenantID, &t.ClientID, &t.Scope,
		&t.FamilyID, &t.ParentHash, &active, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth token: %w", err)
	}
	t.Active = active != 0
	return t, nil
}

// ValidateAccessToken loads the record and requires type=access, active, not
// revoked, not expired.
func (s *Store) ValidateAccessToken(ctx context.Context, tokenHash string) (*OAuthToken, error) {
	t, err := s.GetOAuthToken(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if t.Type != TokenTypeAccess || !t.Active || t.RevokedAt.Valid ||
		time.Now().UTC().After(t.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	return t, nil
}

// RotateRefreshToken implements refresh rotation with family revocation on
// replay, all inside one transaction:
//   - unknown token → ErrTokenInvalid
//   - record already inactive/revoked → revoke the whole family, ErrRefreshReplayed
//   - otherwise revoke the presented refresh and store the new pair under the
//     same family with parent_hash linking the rotation
func (s *Store) RotateRefreshToken(ctx context.Context, presentedHash string, newAccess, newRefresh *OAuthToken) (*OAuthToken, error) {
	now := time.Now().UTC()
	var rotated *OAuthToken

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t := &OAuthToken{}
		var active int
		err := tx.QueryRowContext(ctx, `
			SELECT token_hash, type, tenant_id, client_id, scope, family_id, parent_hash,
			       active, expires_at, revoked_at, created_at
			FROM oauth_tokens WHERE token_hash = ?
		`, presentedHash).Scan(&t.TokenHash, &t.Type, &t.TenantID, &t.ClientID, &t.Scope,
			&t.FamilyID, &t.ParentHash, &active, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenInvalid
		}
		if err != nil {
			return fmt.Errorf("failed to read refresh token: %w", err)
		}
		t.Active = active != 0

		if t.Type != TokenTypeRefresh {
			return ErrTokenInvalid
		}

		if !t.Active || t.RevokedAt.Valid {
			// Reuse of a rotated token: the family is considered stolen.
			if _, err := tx.ExecContext(ctx, `
				UPDATE oauth_tokens SET active = 0, revoked_at = COALESCE(revoked_at, ?)
				WHERE family_id = ?
			`, now, t.FamilyID); err != nil {
				return fmt.Errorf("failed to revoke token family: %w", err)
			}
			return ErrRefreshReplayed
		}

		if time.Now().UTC().After(t.ExpiresAt) {
			return ErrTokenInvalid
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE oauth_tokens SET active = 0, revoked_at = ? WHERE token_hash = ?
		`, now, presentedHash); err != nil {
			return fmt.Errorf("failed to revoke rotated refresh token: %w", err)
		}

		// The new pair inherits subject, client, scope, and family from the
		// rotated token.
		for _, nt := range []*OAuthToken{newAccess, newRefresh} {
			nt.TenantID = t.TenantID
			nt.ClientID = t.ClientID
			nt.Scope = t.Scope
			nt.FamilyID = t.FamilyID
		}
		newRefresh.ParentHash = sql.NullString{String: presentedHash, Valid: true}
		if err := insertToken(ctx, tx, newAccess); err != nil {
			return err
		}
		if err := insertToken(ctx, tx, newRefresh); err != nil {
			return err
		}
		rotated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rotated, nil
}

// RevokeToken deactivates a single token; refresh tokens cascade to the
// entire family per RFC 7009 semantics. Unknown tokens are a no-op.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		t := &OAuthToken{}
		err := tx.QueryRowContext(ctx,
			`SELECT type, family_id FROM oauth_tokens WHERE token_hash = ?`, tokenHash,
		).Scan(&t.Type, &t.FamilyID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read token for revocation: %w", err)
		}

		if t.Type == TokenTypeRefresh {
			_, err = tx.ExecContext(ctx, `
				UPDATE oauth_tokens SET active = 0, revoked_at = COALESCE(revoked_at, ?)
				WHERE family_id = ?
			`, now, t.FamilyID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE oauth_tokens SET active = 0, revoked_at = COALESCE(revoked_at, ?)
				WHERE token_hash = ?
			`, now, tokenHash)
		}
		if err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}
		return nil
	})
}

// ListTokensByFamily returns every token in a family, for audit and tests.
func (s *Store) ListTokensByFamily(ctx context.Context, familyID string) ([]*OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_hash, type, tenant_id, client_id, scope, family_id, parent_hash,
		       active, expires_at, revoked_at, created_at
		FROM oauth_tokens WHERE family_id = ? ORDER BY created_at ASC
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token family: %w", err)
	}
	defer rows.Close()

	var out []*OAuthToken
	for rows.Next() {
		t := &OAuthToken{}
		var active int
		if err := rows.Scan(&t.TokenHash, &t.Type, &t.TenantID, &t.ClientID, &t.Scope,
			&t.FamilyID, &t.ParentHash, &active, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneOAuth deletes expired pending authorizations, used or expired codes,
// and long-expired tokens. Intended for the scheduled cleanup job.
func (s *Store) PruneOAuth(ctx context.Context) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_pending_auth WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("failed to prune pending authorizations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_codes WHERE used = 1 OR expires_at < ?`, now); err != nil {
		return fmt.Errorf("failed to prune authorization codes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at < ?`, now.Add(-24*time.Hour)); err != nil {
		return fmt.Errorf("failed to prune oauth tokens: %w", err)
	}
	return nil
}
