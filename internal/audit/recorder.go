// Package audit records per-call audit entries and usage ledger rows.
// Writes are best effort and asynchronous so the request path never waits
// on the audit table.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/crossbus/crossbus/internal/store"
)

// Recorder appends audit and ledger rows.
type Recorder struct {
	store *store.Store
}

// NewRecorder creates a Recorder.
func NewRecorder(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// Call records one tool invocation. errMsg is empty on success.
func (r *Recorder) Call(tenantID, traceID, actor, tool, endpoint, result string, duration time.Duration, errMsg string) {
	e := &store.AuditEntry{
		TenantID:   tenantID,
		TraceID:    traceID,
		Actor:      actor,
		Tool:       tool,
		Endpoint:   endpoint,
		Result:     result,
		DurationMS: duration.Milliseconds(),
	}
	if errMsg != "" {
		e.Error = sql.NullString{String: errMsg, Valid: true}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.WriteAudit(ctx, e); err != nil {
			slog.Warn("audit: failed to write entry", "tool", tool, "err", err)
		}
	}()
}

// Usage records token/cost consumption for a call.
func (r *Recorder) Usage(tenantID, programID, tool string, tokens, costMicrodollars int64) {
	e := &store.LedgerEntry{
		TenantID:         tenantID,
		ProgramID:        programID,
		Tool:             tool,
		Tokens:           tokens,
		CostMicrodollars: costMicrodollars,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.WriteLedger(ctx, e); err != nil {
			slog.Warn("audit: failed to write ledger entry", "tool", tool, "err", err)
		}
	}()
}

// Log returns recent audit entries for a tenant.
func (r *Recorder) Log(ctx context.Context, tenantID string, limit int) ([]*store.AuditEntry, error) {
	return r.store.GetAuditLog(ctx, tenantID, limit)
}

// Trace returns every entry recorded under one trace id, in order.
func (r *Recorder) Trace(ctx context.Context, tenantID, traceID string) ([]*store.AuditEntry, error) {
	return r.store.GetAuditByTrace(ctx, tenantID, traceID)
}

// Costs aggregates the ledger per program since the given time.
func (r *Recorder) Costs(ctx context.Context, tenantID string, since time.Time) ([]*store.CostSummary, error) {
	return r.store.GetCostSummary(ctx, tenantID, since)
}
