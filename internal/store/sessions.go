package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Session lifecycle statuses.
const (
	SessionStatusActive  = "active"
	SessionStatusBlocked = "blocked"
	SessionStatusDone    = "done"
)

// ContextHistoryCap bounds the rolling context-byte history per session.
// Trimming keeps the most recent entries.
const ContextHistoryCap = 1000

// ErrSessionNotFound is returned when no session exists under the tenant.
var ErrSessionNotFound = errors.New("store: session not found")

// ContextSample is one rolling context-window measurement.
type ContextSample struct {
	Bytes int64     `json:"bytes"`
	At    time.Time `json:"at"`
}

// Session is one tracked unit of work by a program instance.
type Session struct {
	ID             string
	TenantID       string
	ProgramID      string
	Name           string
	Status         string
	LastHeartbeat  sql.NullTime
	ContextHistory []ContextSample
	Handoff        bool
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var history string
	var handoff, archived int
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.ProgramID, &sess.Name, &sess.Status,
		&sess.LastHeartbeat, &history, &handoff, &archived,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Handoff = handoff != 0
	sess.Archived = archived != 0
	if err := json.Unmarshal([]byte(history), &sess.ContextHistory); err != nil {
		return nil, fmt.Errorf("failed to decode context history: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, tenant_id, program_id, name, status, last_heartbeat,
	context_history, handoff, archived, created_at, updated_at`

// CreateSession inserts a session in status active.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	history, err := json.Marshal(sess.ContextHistory)
	if err != nil {
		return fmt.Errorf("failed to encode context history: %w", err)
	}
	if sess.ContextHistory == nil {
		history = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, program_id, name, status, last_heartbeat,
			context_history, handoff, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.TenantID, sess.ProgramID, sess.Name, sess.Status,
		sql.NullTime{Time: now, Valid: true}, string(history),
		boolToInt(sess.Handoff), boolToInt(sess.Archived), now, now)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sess.LastHeartbeat = sql.NullTime{Time: now, Valid: true}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions, optionally filtered by status and archive
// flag, newest heartbeat first.
func (s *Store) ListSessions(ctx context.Context, tenantID, status string, includeArchived bool, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY last_heartbeat DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionUpdate carries the mutable fields for UpdateSession. Nil pointers
// leave the field unchanged.
type SessionUpdate struct {
	Status       *string
	Name         *string
	Handoff      *bool
	Archived     *bool
	ContextBytes *int64 // appends a sample to the rolling history
	Heartbeat    bool   // stamps last_heartbeat
}

// UpdateSession applies a partial update. Context samples are appended inside
// the transaction so the history cap holds under concurrent pulses.
func (s *Store) UpdateSession(ctx context.Context, tenantID, id string, u SessionUpdate) (*Session, error) {
	now := time.Now().UTC()
	var updated *Session

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND id = ?`, tenantID, id)
		sess, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read session for update: %w", err)
		}

		if u.Status != nil {
			sess.Status = *u.Status
		}
		if u.Name != nil {
			sess.Name = *u.Name
		}
		if u.Handoff != nil {
			sess.Handoff = *u.Handoff
		}
		if u.Archived != nil {
			sess.Archived = *u.Archived
		}
		if u.Heartbeat {
			sess.LastHeartbeat = sql.NullTime{Time: now, Valid: true}
		}
		if u.ContextBytes != nil {
			sess.ContextHistory = append(sess.ContextHistory, ContextSample{Bytes: *u.ContextBytes, At: now})
			if len(sess.ContextHistory) > ContextHistoryCap {
				sess.ContextHistory = sess.ContextHistory[len(sess.ContextHistory)-ContextHistoryCap:]
			}
		}
		sess.UpdatedAt = now

		history, err := json.Marshal(sess.ContextHistory)
		if err != nil {
			return fmt.Errorf("failed to encode context history: %w", err)
		}
		if sess.ContextHistory == nil {
			history = []byte("[]")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, name = ?, last_heartbeat = ?, context_history = ?,
			    handoff = ?, archived = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?
		`, sess.Status, sess.Name, sess.LastHeartbeat, string(history),
			boolToInt(sess.Handoff), boolToInt(sess.Archived), now, tenantID, id); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CleanupExpiredSessions marks stale sessions done and archives zombie done
// sessions. Two populations are considered (the union of the source's two
// cleanup variants):
//   - status ∈ {active, blocked} with last_heartbeat older than timeout
//   - status done but not archived
//
// Returns the number of sessions touched.
func (s *Store) CleanupExpiredSessions(ctx context.Context, tenantID string, timeout time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)
	var total int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, archived = 1, updated_at = ?
			WHERE tenant_id = ? AND status IN (?, ?) AND last_heartbeat < ?
		`, SessionStatusDone, now, tenantID, SessionStatusActive, SessionStatusBlocked, cutoff)
		if err != nil {
			return fmt.Errorf("failed to expire stale sessions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `
			UPDATE sessions SET archived = 1, updated_at = ?
			WHERE tenant_id = ? AND status = ? AND archived = 0
		`, now, tenantID, SessionStatusDone)
		if err != nil {
			return fmt.Errorf("failed to archive zombie sessions: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// --- compliance sub-records ---------------------------------------------------

// StateTransition is one entry in the compliance state history.
type StateTransition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// ComplianceRecord is the per-session compliance sub-record.
type ComplianceRecord struct {
	TenantID         string
	SessionID        string
	State            string
	GotProgramState  bool
	GotTasks         bool
	GotMessages      bool
	JournalActive    bool
	JournalCount     int
	CallsSinceUpdate int
	StateHistory     []StateTransition
	UpdatedAt        time.Time
}

// GetComplianceRecord loads the compliance sub-record, creating a PENDING_BOOT
// record on first access.
func (s *Store) GetComplianceRecord(ctx context.Context, tenantID, sessionID string) (*ComplianceRecord, error) {
	rec := &ComplianceRecord{TenantID: tenantID, SessionID: sessionID}
	var history string
	var gotPS, gotT, gotM, jActive int
	err := s.db.QueryRowContext(ctx, `
		SELECT state, got_program_state, got_tasks, got_messages, journal_active,
		       journal_count, calls_since_update, state_history, updated_at
		FROM session_compliance WHERE tenant_id = ? AND session_id = ?
	`, tenantID, sessionID).Scan(
		&rec.State, &gotPS, &gotT, &gotM, &jActive,
		&rec.JournalCount, &rec.CallsSinceUpdate, &history, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		rec.State = "PENDING_BOOT"
		rec.UpdatedAt = time.Now().UTC()
		if err := s.PutComplianceRecord(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compliance record: %w", err)
	}
	rec.GotProgramState = gotPS != 0
	rec.GotTasks = gotT != 0
	rec.GotMessages = gotM != 0
	rec.JournalActive = jActive != 0
	if err := json.Unmarshal([]byte(history), &rec.StateHistory); err != nil {
		return nil, fmt.Errorf("failed to decode compliance state history: %w", err)
	}
	return rec, nil
}

// PutComplianceRecord upserts the compliance sub-record.
func (s *Store) PutComplianceRecord(ctx context.Context, rec *ComplianceRecord) error {
	history, err := json.Marshal(rec.StateHistory)
	if err != nil {
		return fmt.Errorf("failed to encode compliance state history: %w", err)
	}
	if rec.StateHistory == nil {
		history = []byte("[]")
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_compliance (tenant_id, session_id, state, got_program_state,
			got_tasks, got_messages, journal_active, journal_count, calls_since_update,
			state_history, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			state = excluded.state,
			got_program_state = excluded.got_program_state,
			got_tasks = excluded.got_tasks,
			got_messages = excluded.got_messages,
			journal_active = excluded.journal_active,
			journal_count = excluded.journal_count,
			calls_since_update = excluded.calls_since_update,
			state_history = excluded.state_history,
			updated_at = excluded.updated_at
	`, rec.TenantID, rec.SessionID, rec.State,
		boolToInt(rec.GotProgramState), boolToInt(rec.GotTasks), boolToInt(rec.GotMessages),
		boolToInt(rec.JournalActive), rec.JournalCount, rec.CallsSinceUpdate,
		string(history), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put compliance record: %w", err)
	}
	return nil
}
