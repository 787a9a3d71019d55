package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crossbus/crossbus/internal/store"
)

func mustCreateTask(t *testing.T, s *store.Store, tenantID, title string) *store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), &store.Task{
		ID:       "task-" + title,
		TenantID: tenantID,
		Title:    title,
		Type:     "task",
		Priority: "normal",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// TestCreateTaskIdempotency verifies that a second create with the same
// idempotency key returns the existing task instead of writing a new row.
func TestCreateTaskIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateTask(ctx, &store.Task{
		ID:             "t1",
		TenantID:       "acme",
		Title:          "deploy",
		IdempotencyKey: nullableString("dedupe-1"),
	})
	if err != nil {
		t.Fatalf("CreateTask(1): %v", err)
	}

	second, err := s.CreateTask(ctx, &store.Task{
		ID:             "t2",
		TenantID:       "acme",
		Title:          "deploy again",
		IdempotencyKey: nullableString("dedupe-1"),
	})
	if err != nil {
		t.Fatalf("CreateTask(2): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("idempotent create returned id %q, want %q", second.ID, first.ID)
	}

	tasks, err := s.ListTasks(ctx, "acme", store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("got %d tasks, want 1", len(tasks))
	}
}

// TestClaimTaskSingleWinner runs concurrent claims against one task and
// verifies exactly one claimant wins while the rest observe the winner's
// status via NotClaimableError.
func TestClaimTaskSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, "acme", "contended")

	const claimants = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.ClaimTask(ctx, "acme", task.ID, fmt.Sprintf("builder.worker-%d", n))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			var nc *store.NotClaimableError
			if errors.As(err, &nc) {
				if nc.Status != store.TaskStatusActive {
					t.Errorf("loser observed status %q, want active", nc.Status)
				}
				losses++
				return
			}
			t.Errorf("unexpected claim error: %v", err)
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("got %d winners, want 1", wins)
	}
	if losses != claimants-1 {
		t.Errorf("got %d losers, want %d", losses, claimants-1)
	}

	// Every attempt leaves a claim event, so the contention metric sees
	// the losers too.
	m, err := s.GetContentionMetrics(ctx, "acme", time.Time{})
	if err != nil {
		t.Fatalf("GetContentionMetrics: %v", err)
	}
	if m.ClaimsAttempted != claimants {
		t.Errorf("ClaimsAttempted = %d, want %d", m.ClaimsAttempted, claimants)
	}
	if m.ClaimsWon != 1 {
		t.Errorf("ClaimsWon = %d, want 1", m.ClaimsWon)
	}
}

// TestUnclaimFlagsRepeatedBouncing verifies the unclaim counter and the flag
// raised at the third unclaim. Flagging never blocks further claims.
func TestUnclaimFlagsRepeatedBouncing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, "acme", "bouncy")

	for i := 1; i <= store.FlagUnclaimThreshold; i++ {
		if _, err := s.ClaimTask(ctx, "acme", task.ID, "builder.loop"); err != nil {
			t.Fatalf("ClaimTask(%d): %v", i, err)
		}
		got, err := s.UnclaimTask(ctx, "acme", task.ID, store.UnclaimManual)
		if err != nil {
			t.Fatalf("UnclaimTask(%d): %v", i, err)
		}
		if got.UnclaimCount != i {
			t.Errorf("after unclaim %d: UnclaimCount = %d", i, got.UnclaimCount)
		}
		wantFlagged := i >= store.FlagUnclaimThreshold
		if got.Flagged != wantFlagged {
			t.Errorf("after unclaim %d: Flagged = %v, want %v", i, got.Flagged, wantFlagged)
		}
	}

	// A flagged task is still claimable.
	if _, err := s.ClaimTask(ctx, "acme", task.ID, "builder.retry"); err != nil {
		t.Errorf("flagged task should remain claimable: %v", err)
	}
}

// TestUnclaimRequiresActive verifies unclaim on a created task fails with
// ErrNotActive.
func TestUnclaimRequiresActive(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, "acme", "fresh")

	_, err := s.UnclaimTask(context.Background(), "acme", task.ID, store.UnclaimManual)
	if !errors.Is(err, store.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got: %v", err)
	}
}

// TestCompleteTaskOutcomes verifies the outcome→status mapping.
func TestCompleteTaskOutcomes(t *testing.T) {
	cases := []struct {
		outcome    string
		wantStatus string
	}{
		{store.OutcomeSuccess, store.TaskStatusDone},
		{store.OutcomeSkipped, store.TaskStatusDone},
		{store.OutcomeFailed, store.TaskStatusFailed},
		{store.OutcomeCancelled, store.TaskStatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.outcome, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			task := mustCreateTask(t, s, "acme", "finish-"+tc.outcome)
			if _, err := s.ClaimTask(ctx, "acme", task.ID, "builder.run"); err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}

			got, err := s.CompleteTask(ctx, "acme", task.ID, store.TaskCompletion{Outcome: tc.outcome})
			if err != nil {
				t.Fatalf("CompleteTask: %v", err)
			}
			if got.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tc.wantStatus)
			}
			if !got.CompletedAt.Valid {
				t.Error("CompletedAt not stamped")
			}
		})
	}
}

// TestCompleteRequiresActive verifies double completion is rejected.
func TestCompleteRequiresActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, s, "acme", "once")
	if _, err := s.ClaimTask(ctx, "acme", task.ID, "builder.run"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.CompleteTask(ctx, "acme", task.ID, store.TaskCompletion{Outcome: store.OutcomeSuccess}); err != nil {
		t.Fatalf("CompleteTask(1): %v", err)
	}

	_, err := s.CompleteTask(ctx, "acme", task.ID, store.TaskCompletion{Outcome: store.OutcomeSuccess})
	if !errors.Is(err, store.ErrNotActive) {
		t.Fatalf("expected ErrNotActive on second completion, got: %v", err)
	}
}

// TestListOrphanedTasks backdates an active task's heartbeat and verifies it
// shows up as an orphan while fresh tasks do not.
func TestListOrphanedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := mustCreateTask(t, s, "acme", "stale")
	fresh := mustCreateTask(t, s, "acme", "fresh")
	for _, task := range []*store.Task{stale, fresh} {
		if _, err := s.ClaimTask(ctx, "acme", task.ID, "builder.run"); err != nil {
			t.Fatalf("ClaimTask(%s): %v", task.ID, err)
		}
	}

	// Backdate the stale task's heartbeat beyond the threshold.
	backdated := time.Now().UTC().Add(-time.Hour)
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE tasks SET last_heartbeat = ? WHERE tenant_id = ? AND id = ?`,
		backdated, "acme", stale.ID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	orphans, err := s.ListOrphanedTasks(ctx, "acme", 30*time.Minute)
	if err != nil {
		t.Fatalf("ListOrphanedTasks: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != stale.ID {
		t.Fatalf("orphans = %v, want exactly [%s]", taskIDs(orphans), stale.ID)
	}
}

// TestListTasksTenantIsolation verifies tasks never leak across tenants.
func TestListTasksTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, s, "acme", "ours")
	mustCreateTask(t, s, "globex", "theirs")

	tasks, err := s.ListTasks(ctx, "acme", store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "ours" {
		t.Errorf("tenant isolation broken: %v", taskIDs(tasks))
	}
}

func taskIDs(tasks []*store.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
