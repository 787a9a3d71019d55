package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTenantNotFound is returned when neither a tenant record nor an alias
// exists for the given identifier.
var ErrTenantNotFound = errors.New("store: tenant not found")

// Tenant is a canonical tenant record.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// CreateTenant inserts a tenant record.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
	`, t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// ResolveTenant maps an identifier to the canonical tenant id via the
// alternate-identity table. When the identifier is itself canonical (or
// unknown), it is returned unchanged together with ErrTenantNotFound for the
// unknown case so callers can log without failing authentication.
func (s *Store) ResolveTenant(ctx context.Context, identifier string) (string, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenant_aliases WHERE alias = ?`, identifier,
	).Scan(&canonical)
	if err == nil {
		return canonical, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return identifier, fmt.Errorf("failed to resolve tenant alias: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM tenants WHERE id = ?`, identifier,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return identifier, ErrTenantNotFound
	}
	if err != nil {
		return identifier, fmt.Errorf("failed to look up tenant: %w", err)
	}
	return id, nil
}

// SetTenantAlias points an alternate identifier at a canonical tenant id.
func (s *Store) SetTenantAlias(ctx context.Context, alias, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_aliases (alias, tenant_id) VALUES (?, ?)
		ON CONFLICT(alias) DO UPDATE SET tenant_id = excluded.tenant_id
	`, alias, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set tenant alias: %w", err)
	}
	return nil
}

// ListTenantAliases enumerates every alias pointing at the given tenant.
func (s *Store) ListTenantAliases(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias FROM tenant_aliases WHERE tenant_id = ? ORDER BY alias`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant aliases: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}
