// Package relay implements the directed message bus between named programs:
// send with group fan-out, idempotency, inbox reads, TTL eviction,
// dead-lettering after bounded delivery attempts, and DIRECTIVE↔ACK
// correlation.
package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/sideeffect"
	"github.com/crossbus/crossbus/internal/store"
)

// DefaultTTL is the relay message lifetime when the sender does not supply
// one. The dead-letter sweep uses the same value as its age threshold.
const DefaultTTL = 24 * time.Hour

// ErrInvalidInput is returned for malformed send arguments, including
// unknown groups and message types.
var ErrInvalidInput = errors.New("relay: invalid input")

var messageTypes = map[string]bool{
	"PING":      true,
	"PONG":      true,
	"HANDSHAKE": true,
	"DIRECTIVE": true,
	"STATUS":    true,
	"ACK":       true,
	"QUERY":     true,
	"RESULT":    true,
}

// sealedPrefix marks a payload column holding AES-GCM ciphertext. Rows
// written before a key was configured keep their plaintext payloads and pass
// through reads unchanged.
const sealedPrefix = "enc:v1:"

// Service is the relay engine.
type Service struct {
	store      *store.Store
	groups     *GroupRegistry
	effects    *sideeffect.Queue // nil disables post-commit side effects
	payloadKey []byte            // nil stores payloads in plaintext
}

// New creates a relay Service. effects may be nil. A non-nil payloadKey must
// be crypto.KeySize bytes; message payloads are then sealed at rest.
func New(st *store.Store, groups *GroupRegistry, effects *sideeffect.Queue, payloadKey []byte) *Service {
	if groups == nil {
		groups = NewGroupRegistry(nil)
	}
	return &Service{store: st, groups: groups, effects: effects, payloadKey: payloadKey}
}

// sealPayload encrypts a payload for storage when a key is configured.
func (s *Service) sealPayload(payload string) (string, error) {
	if s.payloadKey == nil || payload == "" {
		return payload, nil
	}
	ct, err := crypto.Encrypt(s.payloadKey, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("relay: seal payload: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// openPayload reverses sealPayload. Unsealable rows pass through as stored
// so a key rotation or legacy plaintext row never blocks a read.
func (s *Service) openPayload(payload string) string {
	if s.payloadKey == nil || !strings.HasPrefix(payload, sealedPrefix) {
		return payload
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, sealedPrefix))
	if err != nil {
		slog.Warn("relay: sealed payload is not valid base64", "err", err)
		return payload
	}
	pt, err := crypto.Decrypt(s.payloadKey, raw)
	if err != nil {
		slog.Warn("relay: failed to unseal payload", "err", err)
		return payload
	}
	return string(pt)
}

// SendInput is the argument set for Send.
type SendInput struct {
	Source         string
	Target         string // program id or group name
	Type           string
	Payload        string
	Priority       string
	TTL            time.Duration
	IdempotencyKey string
	ThreadID       string
	ReplyTo        string
}

// SendResult reports the stored rows. Replayed reports an idempotency hit:
// the prior result was returned without a second write.
type SendResult struct {
	Messages []*store.Message
	Replayed bool
}

// Send resolves the target, enforces idempotency, persists one row per
// recipient, and correlates ACKs back to their DIRECTIVE audit records.
// Side effects (push fan-out, tracker mirror) fire after the commit.
func (s *Service) Send(ctx context.Context, tenantID string, in SendInput) (*SendResult, error) {
	if in.Source == "" || in.Target == "" {
		return nil, fmt.Errorf("%w: source and target are required", ErrInvalidInput)
	}
	if !messageTypes[in.Type] {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, in.Type)
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}
	if in.TTL <= 0 {
		in.TTL = DefaultTTL
	}

	if in.IdempotencyKey != "" {
		prior, err := s.store.GetMessageByIdempotencyKey(ctx, tenantID, in.IdempotencyKey)
		if err == nil {
			prior.Payload = s.openPayload(prior.Payload)
			return &SendResult{Messages: []*store.Message{prior}, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrMessageNotFound) {
			return nil, err
		}
	}

	targets := []string{in.Target}
	threadID := in.ThreadID
	if s.groups.IsGroup(in.Target) {
		members, _ := s.groups.Members(in.Target)
		if len(members) == 0 {
			return nil, fmt.Errorf("%w: group %q has no members", ErrInvalidInput, in.Target)
		}
		targets = members
		// Fan-out rows share a thread id.
		if threadID == "" {
			threadID = uuid.NewString()
		}
	}

	stored, err := s.sealPayload(in.Payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msgs := make([]*store.Message, 0, len(targets))
	for i, target := range targets {
		m := &store.Message{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Source:    in.Source,
			Target:    target,
			Type:      in.Type,
			Payload:   stored,
			Priority:  in.Priority,
			Status:    store.MessageStatusPending,
			CreatedAt: now,
			ExpiresAt: sql.NullTime{Time: now.Add(in.TTL), Valid: true},
		}
		if threadID != "" {
			m.ThreadID = sql.NullString{String: threadID, Valid: true}
		}
		// The idempotency key lands on the first row only; the unique index
		// is per (tenant, key).
		if in.IdempotencyKey != "" && i == 0 {
			m.IdempotencyKey = sql.NullString{String: in.IdempotencyKey, Valid: true}
		}
		if in.ReplyTo != "" {
			m.ReplyTo = sql.NullString{String: in.ReplyTo, Valid: true}
		}
		msgs = append(msgs, m)
	}

	if err := s.store.CreateMessages(ctx, msgs); err != nil {
		return nil, err
	}
	// Callers see the payload they sent, not the stored ciphertext.
	for _, m := range msgs {
		m.Payload = in.Payload
	}

	if in.Type == "ACK" && in.ReplyTo != "" {
		if err := s.store.AcknowledgeDirective(ctx, tenantID, in.ReplyTo, msgs[0].ID); err != nil {
			if errors.Is(err, store.ErrDirectiveNotFound) {
				slog.Warn("relay: ack references unknown directive",
					"tenant", tenantID, "reply_to", in.ReplyTo)
			} else {
				return nil, err
			}
		}
	}

	if s.effects != nil {
		for _, m := range msgs {
			s.effects.Enqueue(sideeffect.Effect{
				Kind:     sideeffect.KindPushNotify,
				TenantID: tenantID,
				Subject:  m.Target,
				Payload:  map[string]string{"messageId": m.ID, "type": m.Type},
			})
		}
	}

	return &SendResult{Messages: msgs}, nil
}

// Inbox returns pending/delivered messages for a target, optionally marking
// them read.
func (s *Service) Inbox(ctx context.Context, tenantID, target string, limit int, markAsRead bool) ([]*store.Message, error) {
	msgs, err := s.store.GetMessages(ctx, tenantID, store.MessageFilter{
		Target: target,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	if markAsRead && len(msgs) > 0 {
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if err := s.store.MarkMessagesRead(ctx, tenantID, ids); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		for _, m := range msgs {
			m.Status = store.MessageStatusRead
			m.ReadAt = sql.NullTime{Time: now, Valid: true}
		}
	}
	for _, m := range msgs {
		m.Payload = s.openPayload(m.Payload)
	}
	return msgs, nil
}

// Sent returns messages originating from a source, any status.
func (s *Service) Sent(ctx context.Context, tenantID, source string, limit int) ([]*store.Message, error) {
	msgs, err := s.store.GetMessages(ctx, tenantID, store.MessageFilter{
		Source: source,
		Limit:  limit,
		Statuses: []string{store.MessageStatusPending, store.MessageStatusDelivered,
			store.MessageStatusRead, store.MessageStatusFailed},
	})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Payload = s.openPayload(m.Payload)
	}
	return msgs, nil
}

// MarkRead transitions specific message ids to read.
func (s *Service) MarkRead(ctx context.Context, tenantID string, ids []string) error {
	return s.store.MarkMessagesRead(ctx, tenantID, ids)
}

// SweepTTL evicts expired pending rows and stale delivered rows. Exposed as
// a callable operation for the external scheduler.
func (s *Service) SweepTTL(ctx context.Context, tenantID string) (int64, error) {
	return s.store.SweepExpiredMessages(ctx, tenantID, DefaultTTL)
}

// SweepDLQ ages pending rows through bounded delivery attempts and moves
// exhausted rows to the dead-letter table.
func (s *Service) SweepDLQ(ctx context.Context, tenantID string) (bumped, deadLettered int64, err error) {
	return s.store.SweepDeadLetters(ctx, tenantID, DefaultTTL)
}

// DeadLetters returns the dead-letter view.
func (s *Service) DeadLetters(ctx context.Context, tenantID string, limit int) ([]*store.DeadLetter, error) {
	letters, err := s.store.ListDeadLetters(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	for _, d := range letters {
		d.Payload = s.openPayload(d.Payload)
	}
	return letters, nil
}

// AckCompliance reports acknowledged/total directives since the given time.
func (s *Service) AckCompliance(ctx context.Context, tenantID string, since time.Time) (*store.AckComplianceMetrics, error) {
	return s.store.GetAckCompliance(ctx, tenantID, since)
}
