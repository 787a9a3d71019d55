package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crossbus/crossbus/internal/store"
)

func mustCreateSession(t *testing.T, s *store.Store, tenantID, id string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:        id,
		TenantID:  tenantID,
		ProgramID: "builder",
		Name:      "work on " + id,
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

// TestUpdateSessionPartial verifies nil pointers leave fields untouched while
// set pointers apply.
func TestUpdateSessionPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "acme", "builder.fix-ci")

	status := store.SessionStatusBlocked
	got, err := s.UpdateSession(ctx, "acme", "builder.fix-ci", store.SessionUpdate{Status: &status})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if got.Status != store.SessionStatusBlocked {
		t.Errorf("Status = %q, want blocked", got.Status)
	}
	if got.Name != "work on builder.fix-ci" {
		t.Errorf("Name changed unexpectedly: %q", got.Name)
	}

	if _, err := s.UpdateSession(ctx, "acme", "ghost", store.SessionUpdate{}); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got: %v", err)
	}
}

// TestContextHistoryCap pushes samples past the cap and verifies the history
// keeps only the most recent entries.
func TestContextHistoryCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "acme", "builder.long-run")

	var last *store.Session
	for i := 0; i < store.ContextHistoryCap+5; i++ {
		bytes := int64(i)
		got, err := s.UpdateSession(ctx, "acme", "builder.long-run",
			store.SessionUpdate{ContextBytes: &bytes, Heartbeat: true})
		if err != nil {
			t.Fatalf("UpdateSession(%d): %v", i, err)
		}
		last = got
	}

	if len(last.ContextHistory) != store.ContextHistoryCap {
		t.Fatalf("history length = %d, want %d", len(last.ContextHistory), store.ContextHistoryCap)
	}
	// Trim keeps the newest samples.
	newest := last.ContextHistory[len(last.ContextHistory)-1]
	if newest.Bytes != int64(store.ContextHistoryCap+4) {
		t.Errorf("newest sample = %d, want %d", newest.Bytes, store.ContextHistoryCap+4)
	}
}

// TestCleanupExpiredSessions verifies both cleanup populations: stale
// heartbeats are marked done+archived, and done-but-unarchived sessions are
// archived.
func TestCleanupExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateSession(t, s, "acme", "builder.stale")
	mustCreateSession(t, s, "acme", "builder.fresh")
	zombie := mustCreateSession(t, s, "acme", "builder.zombie")

	done := store.SessionStatusDone
	if _, err := s.UpdateSession(ctx, "acme", zombie.ID, store.SessionUpdate{Status: &done}); err != nil {
		t.Fatalf("mark zombie done: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE tenant_id = ? AND id = ?`,
		time.Now().UTC().Add(-2*time.Hour), "acme", "builder.stale"); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	n, err := s.CleanupExpiredSessions(ctx, "acme", 65*time.Minute)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("cleaned %d sessions, want 2", n)
	}

	stale, err := s.GetSession(ctx, "acme", "builder.stale")
	if err != nil {
		t.Fatalf("GetSession(stale): %v", err)
	}
	if stale.Status != store.SessionStatusDone || !stale.Archived {
		t.Errorf("stale session = %s/archived=%v, want done/archived", stale.Status, stale.Archived)
	}

	fresh, err := s.GetSession(ctx, "acme", "builder.fresh")
	if err != nil {
		t.Fatalf("GetSession(fresh): %v", err)
	}
	if fresh.Status != store.SessionStatusActive || fresh.Archived {
		t.Errorf("fresh session touched: %s/archived=%v", fresh.Status, fresh.Archived)
	}
}

// TestGetComplianceRecordAutoCreates verifies first access creates a
// PENDING_BOOT record and subsequent reads round-trip mutations.
func TestGetComplianceRecordAutoCreates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetComplianceRecord(ctx, "acme", "builder.boot")
	if err != nil {
		t.Fatalf("GetComplianceRecord: %v", err)
	}
	if rec.State != "PENDING_BOOT" {
		t.Errorf("initial state = %q, want PENDING_BOOT", rec.State)
	}

	rec.State = "COMPLIANT"
	rec.GotTasks = true
	rec.CallsSinceUpdate = 4
	rec.StateHistory = append(rec.StateHistory, store.StateTransition{State: "COMPLIANT", At: time.Now().UTC()})
	if err := s.PutComplianceRecord(ctx, rec); err != nil {
		t.Fatalf("PutComplianceRecord: %v", err)
	}

	again, err := s.GetComplianceRecord(ctx, "acme", "builder.boot")
	if err != nil {
		t.Fatalf("GetComplianceRecord(2): %v", err)
	}
	if again.State != "COMPLIANT" || !again.GotTasks || again.CallsSinceUpdate != 4 {
		t.Errorf("round-trip lost fields: %+v", again)
	}
	if len(again.StateHistory) != 1 {
		t.Errorf("state history length = %d, want 1", len(again.StateHistory))
	}
}
