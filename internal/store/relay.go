package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Relay message statuses.
const (
	MessageStatusPending    = "pending"
	MessageStatusDelivered  = "delivered"
	MessageStatusRead       = "read"
	MessageStatusFailed     = "failed"
	MessageStatusDeadLetter = "dead_letter"
)

// MaxDeliveryAttempts is the bound after which a pending message moves to
// the dead-letter table.
const MaxDeliveryAttempts = 3

// DLQSweepBatch bounds how many rows one dead-letter sweep invocation touches.
const DLQSweepBatch = 500

var (
	// ErrMessageNotFound is returned when no relay message exists under the tenant.
	ErrMessageNotFound = errors.New("store: relay message not found")
	// ErrDirectiveNotFound is returned when an ACK references an unknown directive.
	ErrDirectiveNotFound = errors.New("store: directive audit record not found")
)

// Message is one tenant-scoped relay row.
type Message struct {
	ID               string
	TenantID         string
	Source           string
	Target           string
	Type             string // PING PONG HANDSHAKE DIRECTIVE STATUS ACK QUERY RESULT
	Payload          string
	Priority         string
	Status           string
	DeliveryAttempts int
	ThreadID         sql.NullString
	IdempotencyKey   sql.NullString
	ReplyTo          sql.NullString
	CreatedAt        time.Time
	DeliveredAt      sql.NullTime
	ReadAt           sql.NullTime
	ExpiresAt        sql.NullTime
}

const messageColumns = `id, tenant_id, source, target, type, payload, priority, status,
	delivery_attempts, thread_id, idempotency_key, reply_to,
	created_at, delivered_at, read_at, expires_at`

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Source, &m.Target, &m.Type, &m.Payload, &m.Priority,
		&m.Status, &m.DeliveryAttempts, &m.ThreadID, &m.IdempotencyKey, &m.ReplyTo,
		&m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessageByIdempotencyKey returns the stored row for (tenant, key), or
// ErrMessageNotFound. The relay send path checks this before writing so a
// re-invocation returns the prior result.
func (s *Store) GetMessageByIdempotencyKey(ctx context.Context, tenantID, key string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM relay_messages WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by idempotency key: %w", err)
	}
	return m, nil
}

// CreateMessages persists a batch of relay rows in one transaction. Group
// fan-out produces one row per member sharing a thread id; inserting them
// atomically means a fan-out is never half-stored. DIRECTIVE rows get a
// correlated directive_audit record in the same transaction.
func (s *Store) CreateMessages(ctx context.Context, msgs []*Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now().UTC()
			}
			if m.Status == "" {
				m.Status = MessageStatusPending
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO relay_messages (id, tenant_id, source, target, type, payload,
					priority, status, delivery_attempts, thread_id, idempotency_key, reply_to,
					created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			`, m.ID, m.TenantID, m.Source, m.Target, m.Type, m.Payload,
				m.Priority, m.Status, m.ThreadID, m.IdempotencyKey, m.ReplyTo,
				m.CreatedAt, m.ExpiresAt); err != nil {
				return fmt.Errorf("failed to create relay message: %w", err)
			}

			if m.Type == "DIRECTIVE" {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO directive_audit (message_id, tenant_id, source, target, created_at)
					VALUES (?, ?, ?, ?, ?)
				`, m.ID, m.TenantID, m.Source, m.Target, m.CreatedAt); err != nil {
					return fmt.Errorf("failed to create directive audit record: %w", err)
				}
			}
		}
		return nil
	})
}

// MessageFilter narrows GetMessages.
type MessageFilter struct {
	Target   string
	Source   string
	Statuses []string // defaults to pending+delivered
	Limit    int
}

// GetMessages returns messages newest first. Pass MarkDelivered via
// MarkMessagesDelivered/MarkMessagesRead after the read.
func (s *Store) GetMessages(ctx context.Context, tenantID string, f MessageFilter) ([]*Message, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []string{MessageStatusPending, MessageStatusDelivered}
	}

	query := `SELECT ` + messageColumns + ` FROM relay_messages WHERE tenant_id = ?`
	args := []any{tenantID}

	query += ` AND status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
	for _, st := range statuses {
		args = append(args, st)
	}
	if f.Target != "" {
		query += ` AND target = ?`
		args = append(args, f.Target)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// MarkMessagesRead transitions the given messages to read and stamps readAt.
// Pending messages pass through delivered implicitly.
func (s *Store) MarkMessagesRead(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE relay_messages
				SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?)
				WHERE tenant_id = ? AND id = ? AND status IN (?, ?)
			`, MessageStatusRead, now, now, tenantID, id,
				MessageStatusPending, MessageStatusDelivered); err != nil {
				return fmt.Errorf("failed to mark message read: %w", err)
			}
		}
		return nil
	})
}

// SweepExpiredMessages deletes pending rows past their expiry (or, absent an
// expiry, older than defaultTTL) and delivered rows older than 2× defaultTTL.
// Returns the number of rows removed.
func (s *Store) SweepExpiredMessages(ctx context.Context, tenantID string, defaultTTL time.Duration) (int64, error) {
	now := time.Now().UTC()
	pendingCutoff := now.Add(-defaultTTL)
	deliveredCutoff := now.Add(-2 * defaultTTL)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM relay_messages
		WHERE tenant_id = ? AND (
			(status = ? AND expires_at IS NOT NULL AND expires_at < ?)
			OR (status = ? AND expires_at IS NULL AND created_at < ?)
			OR (status = ? AND created_at < ?)
		)
	`, tenantID,
		MessageStatusPending, now,
		MessageStatusPending, pendingCutoff,
		MessageStatusDelivered, deliveredCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepDeadLetters increments deliveryAttempts on pending rows older than
// dlqAge and moves rows that reach MaxDeliveryAttempts to the dead-letter
// table. Bounded to DLQSweepBatch rows per invocation. Returns (bumped,
// deadLettered).
func (s *Store) SweepDeadLetters(ctx context.Context, tenantID string, dlqAge time.Duration) (int64, int64, error) {
	cutoff := time.Now().UTC().Add(-dlqAge)
	var bumped, moved int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM relay_messages
			 WHERE tenant_id = ? AND status = ? AND created_at < ?
			 ORDER BY created_at ASC LIMIT ?`,
			tenantID, MessageStatusPending, cutoff, DLQSweepBatch)
		if err != nil {
			return fmt.Errorf("failed to list stale pending messages: %w", err)
		}

		var stale []*Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stale message: %w", err)
			}
			stale = append(stale, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, m := range stale {
			attempts := m.DeliveryAttempts + 1
			if attempts >= MaxDeliveryAttempts {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO dead_letters (id, tenant_id, source, target, type, payload,
						attempts, reason, created_at, dead_lettered_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, 'max_delivery_attempts', ?, ?)
				`, m.ID, m.TenantID, m.Source, m.Target, m.Type, m.Payload,
					attempts, m.CreatedAt, now); err != nil {
					return fmt.Errorf("failed to insert dead letter: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM relay_messages WHERE tenant_id = ? AND id = ?`,
					m.TenantID, m.ID); err != nil {
					return fmt.Errorf("failed to remove dead-lettered message: %w", err)
				}
				moved++
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE relay_messages SET delivery_attempts = ? WHERE tenant_id = ? AND id = ?`,
					attempts, m.TenantID, m.ID); err != nil {
					return fmt.Errorf("failed to bump delivery attempts: %w", err)
				}
				bumped++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bumped, moved, nil
}

// DeadLetter is a relay message that exceeded its delivery attempts.
type DeadLetter struct {
	ID             string
	TenantID       string
	Source         string
	Target         string
	Type           string
	Payload        string
	Attempts       int
	Reason         string
	CreatedAt      time.Time
	DeadLetteredAt time.Time
}

// ListDeadLetters returns dead-lettered messages newest first.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source, target, type, payload, attempts, reason,
		       created_at, dead_lettered_at
		FROM dead_letters WHERE tenant_id = ?
		ORDER BY dead_lettered_at DESC LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d := &DeadLetter{}
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Source, &d.Target, &d.Type,
			&d.Payload, &d.Attempts, &d.Reason, &d.CreatedAt, &d.DeadLetteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DirectiveAudit is the per-DIRECTIVE acknowledgement record.
type DirectiveAudit struct {
	MessageID      string
	TenantID       string
	Source         string
	Target         string
	Acknowledged   bool
	AcknowledgedAt sql.NullTime
	AckMessageID   sql.NullString
	CreatedAt      time.Time
}

// AcknowledgeDirective marks the directive record for replyTo acknowledged by
// ackMessageID. Only the first matching ACK transitions the record.
func (s *Store) AcknowledgeDirective(ctx context.Context, tenantID, replyTo, ackMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE directive_audit
		SET acknowledged = 1, acknowledged_at = ?, ack_message_id = ?
		WHERE tenant_id = ? AND message_id = ? AND acknowledged = 0
	`, time.Now().UTC(), ackMessageID, tenantID, replyTo)
	if err != nil {
		return fmt.Errorf("failed to acknowledge directive: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either no such directive or already acknowledged; distinguish for the caller.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM directive_audit WHERE tenant_id = ? AND message_id = ?`,
			tenantID, replyTo).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check directive existence: %w", err)
		}
		if exists == 0 {
			return ErrDirectiveNotFound
		}
	}
	return nil
}

// AckComplianceMetrics reports acknowledged / total directives since a time.
type AckComplianceMetrics struct {
	Total        int     `json:"total"`
	Acknowledged int     `json:"acknowledged"`
	Rate         float64 `json:"rate"`
}

// GetAckCompliance aggregates directive acknowledgement over a period.
func (s *Store) GetAckCompliance(ctx context.Context, tenantID string, since time.Time) (*AckComplianceMetrics, error) {
	var total, acked int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(acknowledged), 0)
		FROM directive_audit WHERE tenant_id = ? AND created_at >= ?
	`, tenantID, since.UTC()).Scan(&total, &acked)
	if err != nil {
		return nil, fmt.Errorf("failed to get ack compliance: %w", err)
	}
	m := &AckComplianceMetrics{Total: total, Acknowledged: acked}
	if total > 0 {
		m.Rate = float64(acked) / float64(total) * 100
	}
	return m, nil
}
