package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID         int64
	TenantID   string
	TraceID    string
	Actor      string
	Tool       string
	Endpoint   string
	Result     string
	DurationMS int64
	Error      sql.NullString
	CreatedAt  time.Time
}

// WriteAudit appends an audit entry.
func (s *Store) WriteAudit(ctx context.Context, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (tenant_id, trace_id, actor, tool, endpoint, result,
			duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.TraceID, e.Actor, e.Tool, e.Endpoint, e.Result,
		e.DurationMS, e.Error, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog retrieves recent audit entries for a tenant, newest first.
func (s *Store) GetAuditLog(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, trace_id, actor, tool, endpoint, result, duration_ms, error, created_at
		FROM audit_log WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// GetAuditByTrace retrieves all audit entries for a trace ID in order.
func (s *Store) GetAuditByTrace(ctx context.Context, tenantID, traceID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, trace_id, actor, tool, endpoint, result, duration_ms, error, created_at
		FROM audit_log WHERE tenant_id = ? AND trace_id = ?
		ORDER BY created_at ASC, id ASC
	`, tenantID, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by trace: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TraceID, &e.Actor, &e.Tool,
			&e.Endpoint, &e.Result, &e.DurationMS, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

// LedgerEntry is one append-only cost/usage row.
type LedgerEntry struct {
	ID               int64
	TenantID         string
	ProgramID        string
	Tool             string
	Tokens           int64
	CostMicrodollars int64
	CreatedAt        time.Time
}

// WriteLedger appends a ledger entry.
func (s *Store) WriteLedger(ctx context.Context, e *LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (tenant_id, program_id, tool, tokens, cost_microdollars, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.ProgramID, e.Tool, e.Tokens, e.CostMicrodollars, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// CostSummary aggregates the ledger per program over a period.
type CostSummary struct {
	ProgramID        string `json:"programId"`
	Calls            int64  `json:"calls"`
	Tokens           int64  `json:"tokens"`
	CostMicrodollars int64  `json:"costMicrodollars"`
}

// GetCostSummary groups ledger rows by program since the given time.
func (s *Store) GetCostSummary(ctx context.Context, tenantID string, since time.Time) ([]*CostSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT program_id, COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost_microdollars), 0)
		FROM ledger WHERE tenant_id = ? AND created_at >= ?
		GROUP BY program_id ORDER BY program_id
	`, tenantID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get cost summary: %w", err)
	}
	defer rows.Close()

	var out []*CostSummary
	for rows.Next() {
		c := &CostSummary{}
		if err := rows.Scan(&c.ProgramID, &c.Calls, &c.Tokens, &c.CostMicrodollars); err != nil {
			return nil, fmt.Errorf("failed to scan cost summary: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
