package session_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/crossbus/crossbus/internal/session"
	"github.com/crossbus/crossbus/internal/store"
)

func newTestService(t *testing.T) (*session.Service, *store.Store) {
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
	return session.New(s), s
}

// TestCreateValidatesID covers the {program}[-{env}].{task} id format.
func TestCreateValidatesID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	valid := []string{"builder.checkout", "beck-staging.nightly-sync", "able.fix-42"}
	for _, id := range valid {
		if _, err := svc.Create(ctx, "acme", id, "builder", "work"); err != nil {
			t.Errorf("Create(%q): %v", id, err)
		}
	}

	invalid := []string{"", "builder", "Builder.task", ".task", "builder.", "builder..task", "builder-.task"}
	for _, id := range invalid {
		if _, err := svc.Create(ctx, "acme", id, "builder", "work"); !errors.Is(err, session.ErrInvalidInput) {
			t.Errorf("Create(%q): got %v, want ErrInvalidInput", id, err)
		}
	}
}

// TestUpdateStatusValidation verifies unknown statuses are rejected and valid
// updates stamp the heartbeat.
func TestUpdateStatusValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, "acme", "builder.work", "builder", "work"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	bogus := "paused"
	if _, err := svc.Update(ctx, "acme", "builder.work", session.UpdateInput{Status: &bogus}); !errors.Is(err, session.ErrInvalidInput) {
		t.Errorf("unknown status: got %v, want ErrInvalidInput", err)
	}

	negative := int64(-1)
	if _, err := svc.Update(ctx, "acme", "builder.work", session.UpdateInput{ContextBytes: &negative}); !errors.Is(err, session.ErrInvalidInput) {
		t.Errorf("negative context bytes: got %v, want ErrInvalidInput", err)
	}

	done := store.SessionStatusDone
	got, err := svc.Update(ctx, "acme", "builder.work", session.UpdateInput{Status: &done})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Status != store.SessionStatusDone {
		t.Errorf("Status = %q, want done", got.Status)
	}
	if !got.LastHeartbeat.Valid {
		t.Error("heartbeat not stamped on update")
	}
}

// TestPulseSampling verifies pulses append context samples only when a
// measurement is supplied.
func TestPulseSampling(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, "acme", "builder.work", "builder", "work"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.Pulse(ctx, "acme", "builder.work", 50_000)
	if err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	if len(got.ContextHistory) != 1 || got.ContextHistory[0].Bytes != 50_000 {
		t.Fatalf("history after sampled pulse = %+v", got.ContextHistory)
	}

	// A bare liveness pulse adds no sample.
	got, err = svc.Pulse(ctx, "acme", "builder.work", -1)
	if err != nil {
		t.Fatalf("Pulse(bare): %v", err)
	}
	if len(got.ContextHistory) != 1 {
		t.Errorf("bare pulse appended a sample: %+v", got.ContextHistory)
	}
}

// TestContextPercent verifies the percent conversion against the nominal
// window.
func TestContextPercent(t *testing.T) {
	if got := session.ContextPercent(100_000); got != 50 {
		t.Errorf("ContextPercent(100000) = %v, want 50", got)
	}
	if got := session.ContextPercent(0); got != 0 {
		t.Errorf("ContextPercent(0) = %v, want 0", got)
	}
}
