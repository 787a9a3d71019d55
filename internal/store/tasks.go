package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task lifecycle statuses. created→active→{done,failed} plus the single
// back-edge active→created on unclaim.
const (
	TaskStatusCreated = "created"
	TaskStatusActive  = "active"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

// Completion outcomes.
const (
	OutcomeSuccess   = "SUCCESS"
	OutcomeFailed    = "FAILED"
	OutcomeSkipped   = "SKIPPED"
	OutcomeCancelled = "CANCELLED"
)

// Unclaim reasons.
const (
	UnclaimManual        = "manual"
	UnclaimTimeout       = "timeout"
	UnclaimStaleRecovery = "stale_recovery"
)

// ExpiryReasonTTL marks tasks failed through the TTL path.
const ExpiryReasonTTL = "TTL_EXPIRED"

// FlagUnclaimThreshold is the unclaim count at which a task is flagged for
// manual review. The flag marks but does not block: the task stays claimable.
const FlagUnclaimThreshold = 3

var (
	// ErrTaskNotFound is returned when no task exists under the tenant.
	ErrTaskNotFound = errors.New("store: task not found")
	// ErrNotActive is returned by unclaim/complete when the task is not active.
	ErrNotActive = errors.New("store: task not active")
)

// NotClaimableError reports a failed claim together with the status that
// blocked it, so callers can surface not_claimable(<status>).
type NotClaimableError struct {
	Status string
}

func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("store: not_claimable(%s)", e.Status)
}

// Task is one tenant-scoped dispatch work-item.
type Task struct {
	ID                string
	TenantID          string
	Title             string
	Instructions      string
	Type              string // task | question | dream | sprint | sprint-story
	Source            string
	Target            string
	Priority          string
	DispatchAction    string
	Status            string
	Outcome           sql.NullString
	ErrorCode         sql.NullString
	ErrorClass        sql.NullString
	TokensUsed        int64
	CostMicrodollars  int64
	Result            sql.NullString
	SessionID         sql.NullString
	LastHeartbeat     sql.NullTime
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
	UnclaimCount      int
	LastUnclaimReason sql.NullString
	Flagged           bool
	RequiresAction    bool
	ExpiresAt         sql.NullTime
	ExpiryReason      sql.NullString
	IdempotencyKey    sql.NullString
	ExternalRef       sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const taskColumns = `id, tenant_id, title, instructions, type, source, target, priority,
	dispatch_action, status, outcome, error_code, error_class, tokens_used,
	cost_microdollars, result, session_id, last_heartbeat, started_at, completed_at,
	unclaim_count, last_unclaim_reason, flagged, requires_action, expires_at,
	expiry_reason, idempotency_key, external_ref, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var flagged, requiresAction int
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Title, &t.Instructions, &t.Type, &t.Source, &t.Target,
		&t.Priority, &t.DispatchAction, &t.Status, &t.Outcome, &t.ErrorCode, &t.ErrorClass,
		&t.TokensUsed, &t.CostMicrodollars, &t.Result, &t.SessionID, &t.LastHeartbeat,
		&t.StartedAt, &t.CompletedAt, &t.UnclaimCount, &t.LastUnclaimReason,
		&flagged, &requiresAction, &t.ExpiresAt, &t.ExpiryReason,
		&t.IdempotencyKey, &t.ExternalRef, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Flagged = flagged != 0
	t.RequiresAction = requiresAction != 0
	return t, nil
}

// CreateTask inserts a task in status created. When an idempotency key is
// set and a task already exists for (tenant, key), the existing task is
// returned instead of a second row being written.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = TaskStatusCreated

	if t.IdempotencyKey.Valid {
		existing, err := s.getTaskByIdempotencyKey(ctx, t.TenantID, t.IdempotencyKey.String)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, title, instructions, type, source, target,
			priority, dispatch_action, status, expires_at, idempotency_key, external_ref,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.Title, t.Instructions, t.Type, t.Source, t.Target,
		t.Priority, t.DispatchAction, t.Status, t.ExpiresAt, t.IdempotencyKey,
		t.ExternalRef, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

func (s *Store) getTaskByIdempotencyKey(ctx context.Context, tenantID, key string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by idempotency key: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, tenantID, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND id = ?`, tenantID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status string
	Target string
	Type   string
	Since  time.Time // createdAt >= Since when non-zero
	Limit  int
}

// ListTasks returns tasks ordered by createdAt desc; equal timestamps break
// ties by id so pagination is stable.
func (s *Store) ListTasks(ctx context.Context, tenantID string, f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ?`
	args := []any{tenantID}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Target != "" {
		query += ` AND target = ?`
		args = append(args, f.Target)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask transitions created→active for exactly one claimant. The status
// check and the write happen in one transaction; a losing racer observes the
// winner's status and gets NotClaimableError. Both outcomes leave a
// claim_events row for the contention metric.
func (s *Store) ClaimTask(ctx context.Context, tenantID, taskID, sessionID string) (*Task, error) {
	now := time.Now().UTC()
	var claimed *Task

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND id = ?`, tenantID, taskID)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task for claim: %w", err)
		}

		if t.Status != TaskStatusCreated {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO claim_events (tenant_id, task_id, session_id, outcome, created_at)
				VALUES (?, ?, ?, 'contention', ?)
			`, tenantID, taskID, sessionID, now); err != nil {
				return fmt.Errorf("failed to record contention event: %w", err)
			}
			return &NotClaimableError{Status: t.Status}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, session_id = ?, started_at = ?, last_heartbeat = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?
		`, TaskStatusActive, sessionID, now, now, now, tenantID, taskID); err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claim_events (tenant_id, task_id, session_id, outcome, created_at)
			VALUES (?, ?, ?, 'claimed', ?)
		`, tenantID, taskID, sessionID, now); err != nil {
			return fmt.Errorf("failed to record claim event: %w", err)
		}

		t.Status = TaskStatusActive
		t.SessionID = sql.NullString{String: sessionID, Valid: true}
		t.StartedAt = sql.NullTime{Time: now, Valid: true}
		t.LastHeartbeat = sql.NullTime{Time: now, Valid: true}
		t.UpdatedAt = now
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UnclaimTask releases an active task back to created, increments the unclaim
// counter, and flags the task at the threshold. The circuit breaker marks but
// does not block.
func (s *Store) UnclaimTask(ctx context.Context, tenantID, taskID, reason string) (*Task, error) {
	now := time.Now().UTC()
	var released *Task

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND id = ?`, tenantID, taskID)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task for unclaim: %w", err)
		}

		if t.Status != TaskStatusActive {
			return ErrNotActive
		}

		newCount := t.UnclaimCount + 1
		flagged := t.Flagged || newCount >= FlagUnclaimThreshold
		requiresAction := t.RequiresAction || newCount >= FlagUnclaimThreshold

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, session_id = NULL, started_at = NULL, last_heartbeat = NULL,
			    unclaim_count = ?, last_unclaim_reason = ?, flagged = ?, requires_action = ?,
			    updated_at = ?
			WHERE tenant_id = ? AND id = ?
		`, TaskStatusCreated, newCount, reason, boolToInt(flagged), boolToInt(requiresAction),
			now, tenantID, taskID); err != nil {
			return fmt.Errorf("failed to unclaim task: %w", err)
		}

		t.Status = TaskStatusCreated
		t.SessionID = sql.NullString{}
		t.StartedAt = sql.NullTime{}
		t.LastHeartbeat = sql.NullTime{}
		t.UnclaimCount = newCount
		t.LastUnclaimReason = sql.NullString{String: reason, Valid: true}
		t.Flagged = flagged
		t.RequiresAction = requiresAction
		t.UpdatedAt = now
		released = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// TaskCompletion carries the terminal fields written by CompleteTask.
type TaskCompletion struct {
	Outcome          string // SUCCESS | FAILED | SKIPPED | CANCELLED
	ErrorCode        string
	ErrorClass       string
	TokensUsed       int64
	CostMicrodollars int64
	Result           string
	ExpiryReason     string // set to ExpiryReasonTTL on the TTL path
}

// CompleteTask transitions active→done (SUCCESS/SKIPPED) or active→failed.
func (s *Store) CompleteTask(ctx context.Context, tenantID, taskID string, c TaskCompletion) (*Task, error) {
	now := time.Now().UTC()
	status := TaskStatusDone
	if c.Outcome == OutcomeFailed || c.Outcome == OutcomeCancelled {
		status = TaskStatusFailed
	}

	var completed *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND id = ?`, tenantID, taskID)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task for complete: %w", err)
		}

		if t.Status != TaskStatusActive {
			return ErrNotActive
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, outcome = ?, error_code = ?, error_class = ?,
			    tokens_used = ?, cost_microdollars = ?, result = ?,
			    expiry_reason = ?, completed_at = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?
		`, status, c.Outcome, nullString(c.ErrorCode), nullString(c.ErrorClass),
			c.TokensUsed, c.CostMicrodollars, nullString(c.Result),
			nullString(c.ExpiryReason), now, now, tenantID, taskID); err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}

		t.Status = status
		t.Outcome = sql.NullString{String: c.Outcome, Valid: true}
		t.CompletedAt = sql.NullTime{Time: now, Valid: true}
		t.Result = nullString(c.Result)
		t.UpdatedAt = now
		completed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// ListOrphanedTasks returns active tasks whose heartbeat is older than the
// threshold. The sweep unclaims them with reason stale_recovery.
func (s *Store) ListOrphanedTasks(ctx context.Context, tenantID string, threshold time.Duration) ([]*Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE tenant_id = ? AND status = ? AND last_heartbeat < ?`,
		tenantID, TaskStatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orphaned task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TouchTaskHeartbeat stamps last_heartbeat on an active task.
func (s *Store) TouchTaskHeartbeat(ctx context.Context, tenantID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_heartbeat = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`, time.Now().UTC(), time.Now().UTC(), tenantID, taskID, TaskStatusActive)
	if err != nil {
		return fmt.Errorf("failed to touch task heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotActive
	}
	return nil
}

// ContentionMetrics aggregates claim_events over a period.
type ContentionMetrics struct {
	ClaimsAttempted int     `json:"claimsAttempted"`
	ClaimsWon       int     `json:"claimsWon"`
	ContentionRate  float64 `json:"contentionRate"`
}

// GetContentionMetrics counts claim attempts and wins since the given time.
func (s *Store) GetContentionMetrics(ctx context.Context, tenantID string, since time.Time) (*ContentionMetrics, error) {
	var attempted, won int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'claimed' THEN 1 ELSE 0 END), 0)
		FROM claim_events WHERE tenant_id = ? AND created_at >= ?
	`, tenantID, since.UTC()).Scan(&attempted, &won)
	if err != nil {
		return nil, fmt.Errorf("failed to get contention metrics: %w", err)
	}

	m := &ContentionMetrics{ClaimsAttempted: attempted, ClaimsWon: won}
	if attempted > 0 {
		m.ContentionRate = float64(attempted-won) / float64(attempted) * 100
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
