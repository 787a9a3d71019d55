package dispatch_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/store"
)

func newTestService(t *testing.T) (*dispatch.Service, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "crossbus-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return dispatch.New(s), s
}

// TestCreateValidation covers title, type, and priority handling.
func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{}); !errors.Is(err, dispatch.ErrInvalidInput) {
		t.Errorf("empty title: got %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{Title: "x", Type: "epic"}); !errors.Is(err, dispatch.ErrInvalidInput) {
		t.Errorf("unknown type: got %v, want ErrInvalidInput", err)
	}

	task, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{Title: "deploy"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Type != "task" || task.Priority != "normal" || task.Status != store.TaskStatusCreated {
		t.Errorf("defaults not applied: type=%s priority=%s status=%s", task.Type, task.Priority, task.Status)
	}
}

// TestPeriodStart covers the calendar boundary computation, including the ISO
// Monday week start.
func TestPeriodStart(t *testing.T) {
	// A Wednesday.
	now := time.Date(2026, 3, 18, 15, 30, 0, 0, time.UTC)

	cases := []struct {
		period  string
		want    time.Time
		wantErr bool
	}{
		{dispatch.PeriodAll, time.Time{}, false},
		{"", time.Time{}, false},
		{dispatch.PeriodToday, time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC), false},
		{dispatch.PeriodThisWeek, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), false},
		{dispatch.PeriodThisMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"fortnight", time.Time{}, true},
	}
	for _, tc := range cases {
		got, err := dispatch.PeriodStart(tc.period, now)
		if tc.wantErr {
			if !errors.Is(err, dispatch.ErrInvalidInput) {
				t.Errorf("PeriodStart(%q): got %v, want ErrInvalidInput", tc.period, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("PeriodStart(%q): %v", tc.period, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("PeriodStart(%q) = %v, want %v", tc.period, got, tc.want)
		}
	}

	// A Sunday belongs to the week that began the previous Monday.
	sunday := time.Date(2026, 3, 22, 8, 0, 0, 0, time.UTC)
	got, err := dispatch.PeriodStart(dispatch.PeriodThisWeek, sunday)
	if err != nil {
		t.Fatalf("PeriodStart(sunday): %v", err)
	}
	if want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("sunday week start = %v, want %v", got, want)
	}
}

// TestCompleteOutcomeValidation verifies unknown outcomes are rejected and
// TIMEOUT error classes record a TTL expiry reason.
func TestCompleteOutcomeValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{Title: "slow"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Claim(ctx, "acme", task.ID, "builder.run"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if _, err := svc.Complete(ctx, "acme", task.ID, store.TaskCompletion{Outcome: "shrug"}); !errors.Is(err, dispatch.ErrInvalidInput) {
		t.Fatalf("unknown outcome: got %v, want ErrInvalidInput", err)
	}

	done, err := svc.Complete(ctx, "acme", task.ID, store.TaskCompletion{
		Outcome:    store.OutcomeFailed,
		ErrorClass: "TIMEOUT",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.ExpiryReason.String != store.ExpiryReasonTTL {
		t.Errorf("ExpiryReason = %q, want %q", done.ExpiryReason.String, store.ExpiryReasonTTL)
	}
}

// TestClaimRequiresSession verifies a claim without a session id is rejected
// before touching the store.
func TestClaimRequiresSession(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Claim(context.Background(), "acme", "t1", ""); !errors.Is(err, dispatch.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

// TestUnclaimReasonValidation verifies unclaim reasons are constrained.
func TestUnclaimReasonValidation(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Unclaim(context.Background(), "acme", "t1", "boredom"); !errors.Is(err, dispatch.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

// TestBatchClaimIndependence verifies one failing member does not abort the
// batch.
func TestBatchClaimIndependence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{Title: "a"})
	if err != nil {
		t.Fatalf("Create(a): %v", err)
	}
	b, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{Title: "b"})
	if err != nil {
		t.Fatalf("Create(b): %v", err)
	}
	// Pre-claim b so the batch member fails.
	if _, err := svc.Claim(ctx, "acme", b.ID, "builder.other"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	results := svc.BatchClaim(ctx, "acme", []string{a.ID, b.ID, "ghost"}, "builder.batch")
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].OK {
		t.Errorf("claim of %s failed: %s", a.ID, results[0].Error)
	}
	if results[1].OK || results[2].OK {
		t.Errorf("expected members 2 and 3 to fail: %+v", results[1:])
	}
}

// TestSweepOrphans backdates an active task's heartbeat and verifies the
// sweep reclaims it with reason stale_recovery.
func TestSweepOrphans(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "acme", dispatch.CreateTaskInput{Title: "abandoned"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Claim(ctx, "acme", task.ID, "builder.gone"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := st.DB().ExecContext(ctx,
		`UPDATE tasks SET last_heartbeat = ? WHERE tenant_id = ? AND id = ?`,
		time.Now().UTC().Add(-time.Hour), "acme", task.ID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	reclaimed, err := svc.SweepOrphans(ctx, "acme")
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed %d tasks, want 1", reclaimed)
	}

	got, err := svc.Get(ctx, "acme", task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.TaskStatusCreated {
		t.Errorf("status after sweep = %q, want created", got.Status)
	}
	if got.UnclaimCount != 1 {
		t.Errorf("UnclaimCount = %d, want 1", got.UnclaimCount)
	}
}
