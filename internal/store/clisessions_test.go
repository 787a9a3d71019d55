package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crossbus/crossbus/internal/store"
)

// TestCLISessionLifecycle walks the browser bootstrap flow: pending polls
// report pending, approval deposits the key, and exactly one poll redeems it.
func TestCLISessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateCLISession(ctx, "boot-token"); err != nil {
		t.Fatalf("CreateCLISession: %v", err)
	}

	if _, err := s.PollCLISession(ctx, "boot-token"); !errors.Is(err, store.ErrCLISessionPending) {
		t.Fatalf("poll before approval: got %v, want ErrCLISessionPending", err)
	}

	if err := s.ApproveCLISession(ctx, "boot-token", "acme", "cb_secret"); err != nil {
		t.Fatalf("ApproveCLISession: %v", err)
	}

	sess, err := s.PollCLISession(ctx, "boot-token")
	if err != nil {
		t.Fatalf("PollCLISession: %v", err)
	}
	if sess.TenantID.String != "acme" || sess.APIKey.String != "cb_secret" {
		t.Errorf("redeemed session = %q/%q, want acme/cb_secret", sess.TenantID.String, sess.APIKey.String)
	}

	// The record is consumed on first redemption.
	if _, err := s.PollCLISession(ctx, "boot-token"); !errors.Is(err, store.ErrCLISessionNotFound) {
		t.Errorf("second poll: got %v, want ErrCLISessionNotFound", err)
	}
}

// TestCLISessionDoubleApprove verifies a second approval is rejected.
func TestCLISessionDoubleApprove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateCLISession(ctx, "boot-token"); err != nil {
		t.Fatalf("CreateCLISession: %v", err)
	}
	if err := s.ApproveCLISession(ctx, "boot-token", "acme", "cb_one"); err != nil {
		t.Fatalf("ApproveCLISession(1): %v", err)
	}
	if err := s.ApproveCLISession(ctx, "boot-token", "acme", "cb_two"); !errors.Is(err, store.ErrCLISessionNotFound) {
		t.Errorf("second approval: got %v, want ErrCLISessionNotFound", err)
	}
}

// TestCLISessionExpiry backdates a record past its TTL and verifies the poll
// reports expiry and removes the row.
func TestCLISessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateCLISession(ctx, "old-token"); err != nil {
		t.Fatalf("CreateCLISession: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE cli_sessions SET expires_at = ? WHERE token = ?`,
		time.Now().UTC().Add(-time.Minute), "old-token"); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	if _, err := s.PollCLISession(ctx, "old-token"); !errors.Is(err, store.ErrCLISessionExpired) {
		t.Fatalf("expired poll: got %v, want ErrCLISessionExpired", err)
	}
	// The expired row is pruned on poll.
	if _, err := s.PollCLISession(ctx, "old-token"); !errors.Is(err, store.ErrCLISessionNotFound) {
		t.Errorf("poll after prune: got %v, want ErrCLISessionNotFound", err)
	}
}
