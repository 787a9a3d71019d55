package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/crossbus/crossbus/internal/store"
)

func newMessage(tenantID, id, target, msgType string) *store.Message {
	now := time.Now().UTC()
	return &store.Message{
		ID:        id,
		TenantID:  tenantID,
		Source:    "orchestrator",
		Target:    target,
		Type:      msgType,
		Payload:   "{}",
		Priority:  "normal",
		CreatedAt: now,
		ExpiresAt: sql.NullTime{Time: now.Add(24 * time.Hour), Valid: true},
	}
}

// TestMessageIdempotencyLookup verifies the unique-key lookup used by the
// relay send path: a stored key is found, an unknown key maps to
// ErrMessageNotFound.
func TestMessageIdempotencyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newMessage("acme", "m1", "builder", "STATUS")
	m.IdempotencyKey = nullableString("send-once")
	if err := s.CreateMessages(ctx, []*store.Message{m}); err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}

	got, err := s.GetMessageByIdempotencyKey(ctx, "acme", "send-once")
	if err != nil {
		t.Fatalf("GetMessageByIdempotencyKey: %v", err)
	}
	if got.ID != "m1" {
		t.Errorf("got message %q, want m1", got.ID)
	}

	if _, err := s.GetMessageByIdempotencyKey(ctx, "acme", "never-sent"); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got: %v", err)
	}
	// The same key under another tenant is invisible.
	if _, err := s.GetMessageByIdempotencyKey(ctx, "globex", "send-once"); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("idempotency key leaked across tenants: %v", err)
	}
}

// TestMarkMessagesRead verifies the pending→read transition and that read
// messages drop out of the default inbox view.
func TestMarkMessagesRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []*store.Message{
		newMessage("acme", "m1", "builder", "PING"),
		newMessage("acme", "m2", "builder", "STATUS"),
	}
	if err := s.CreateMessages(ctx, msgs); err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}

	if err := s.MarkMessagesRead(ctx, "acme", []string{"m1"}); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}

	inbox, err := s.GetMessages(ctx, "acme", store.MessageFilter{Target: "builder"})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != "m2" {
		t.Errorf("inbox after read = %v, want [m2]", messageIDs(inbox))
	}
}

// TestSweepExpiredMessages verifies that pending rows past their expiry are
// evicted while live rows survive.
func TestSweepExpiredMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dead := newMessage("acme", "dead", "builder", "PING")
	dead.ExpiresAt = sql.NullTime{Time: time.Now().UTC().Add(-time.Minute), Valid: true}
	live := newMessage("acme", "live", "builder", "PING")
	if err := s.CreateMessages(ctx, []*store.Message{dead, live}); err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}

	n, err := s.SweepExpiredMessages(ctx, "acme", 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepExpiredMessages: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d messages, want 1", n)
	}

	inbox, err := s.GetMessages(ctx, "acme", store.MessageFilter{Target: "builder"})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != "live" {
		t.Errorf("inbox after sweep = %v, want [live]", messageIDs(inbox))
	}
}

// TestSweepDeadLetters ages a stale pending message through the bounded
// delivery attempts and verifies it lands in the dead-letter table.
func TestSweepDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newMessage("acme", "stuck", "builder", "DIRECTIVE")
	if err := s.CreateMessages(ctx, []*store.Message{m}); err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}
	// Backdate so the sweep considers the message stale.
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE relay_messages SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour), "stuck"); err != nil {
		t.Fatalf("backdate message: %v", err)
	}

	var moved int64
	for i := 0; i < store.MaxDeliveryAttempts+1; i++ {
		_, n, err := s.SweepDeadLetters(ctx, "acme", 24*time.Hour)
		if err != nil {
			t.Fatalf("SweepDeadLetters(%d): %v", i, err)
		}
		moved += n
	}
	if moved != 1 {
		t.Fatalf("dead-lettered %d messages, want 1", moved)
	}

	letters, err := s.ListDeadLetters(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != "stuck" {
		t.Fatalf("dead letters = %d, want [stuck]", len(letters))
	}
	if letters[0].Attempts < store.MaxDeliveryAttempts {
		t.Errorf("Attempts = %d, want >= %d", letters[0].Attempts, store.MaxDeliveryAttempts)
	}

	// The original row is gone from the live table.
	inbox, err := s.GetMessages(ctx, "acme", store.MessageFilter{Target: "builder"})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("live inbox still has %v", messageIDs(inbox))
	}
}

// TestAcknowledgeDirective verifies DIRECTIVE↔ACK correlation: the first ACK
// wins, later ones are no-ops, and unknown directives are rejected.
func TestAcknowledgeDirective(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	directive := newMessage("acme", "d1", "builder", "DIRECTIVE")
	if err := s.CreateMessages(ctx, []*store.Message{directive}); err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}

	if err := s.AcknowledgeDirective(ctx, "acme", "d1", "ack-1"); err != nil {
		t.Fatalf("AcknowledgeDirective(1): %v", err)
	}
	// Second ACK is idempotent.
	if err := s.AcknowledgeDirective(ctx, "acme", "d1", "ack-2"); err != nil {
		t.Fatalf("AcknowledgeDirective(2): %v", err)
	}

	var ackID string
	if err := s.DB().QueryRowContext(ctx,
		`SELECT ack_message_id FROM directive_audit WHERE tenant_id = ? AND message_id = ?`,
		"acme", "d1").Scan(&ackID); err != nil {
		t.Fatalf("read directive audit: %v", err)
	}
	if ackID != "ack-1" {
		t.Errorf("ack_message_id = %q, want first ack to win", ackID)
	}

	if err := s.AcknowledgeDirective(ctx, "acme", "ghost", "ack-3"); !errors.Is(err, store.ErrDirectiveNotFound) {
		t.Errorf("expected ErrDirectiveNotFound, got: %v", err)
	}

	m, err := s.GetAckCompliance(ctx, "acme", time.Time{})
	if err != nil {
		t.Fatalf("GetAckCompliance: %v", err)
	}
	if m.Total != 1 || m.Acknowledged != 1 {
		t.Errorf("ack compliance = %d/%d, want 1/1", m.Acknowledged, m.Total)
	}
}

func messageIDs(msgs []*store.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
