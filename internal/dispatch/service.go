// Package dispatch implements the task engine: create, list, transactional
// single-winner claim, unclaim with circuit-breaker flagging, completion,
// batch operations, orphan sweep, and contention telemetry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus/crossbus/internal/store"
)

// Period filter names. Boundaries are calendar boundaries in UTC.
const (
	PeriodToday     = "today"
	PeriodThisWeek  = "this_week"
	PeriodThisMonth = "this_month"
	PeriodAll       = "all"
)

// OrphanThreshold is how long an active task may go without a heartbeat
// before the sweep reclaims it.
const OrphanThreshold = 30 * time.Minute

// ErrInvalidInput is returned for malformed operation arguments.
var ErrInvalidInput = errors.New("dispatch: invalid input")

var taskTypes = map[string]bool{
	"task":         true,
	"question":     true,
	"dream":        true,
	"sprint":       true,
	"sprint-story": true,
}

var unclaimReasons = map[string]bool{
	store.UnclaimManual:        true,
	store.UnclaimTimeout:       true,
	store.UnclaimStaleRecovery: true,
}

// Service is the dispatch engine.
type Service struct {
	store *store.Store
}

// New creates a dispatch Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// CreateTaskInput is the argument set for Create.
type CreateTaskInput struct {
	Title          string
	Instructions   string
	Type           string
	Source         string
	Target         string
	Priority       string
	DispatchAction string
	ExpiresAt      time.Time
	IdempotencyKey string
	ExternalRef    string
}

// Create persists a new task in status created.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateTaskInput) (*store.Task, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = "task"
	}
	if !taskTypes[in.Type] {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidInput, in.Type)
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}

	t := &store.Task{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Title:          in.Title,
		Instructions:   in.Instructions,
		Type:           in.Type,
		Source:         in.Source,
		Target:         in.Target,
		Priority:       in.Priority,
		DispatchAction: in.DispatchAction,
	}
	if !in.ExpiresAt.IsZero() {
		t.ExpiresAt.Time = in.ExpiresAt.UTC()
		t.ExpiresAt.Valid = true
	}
	if in.IdempotencyKey != "" {
		t.IdempotencyKey.String = in.IdempotencyKey
		t.IdempotencyKey.Valid = true
	}
	if in.ExternalRef != "" {
		t.ExternalRef.String = in.ExternalRef
		t.ExternalRef.Valid = true
	}
	return s.store.CreateTask(ctx, t)
}

// List returns tasks for a tenant under the given filter, with period
// clamping and a stable createdAt-desc order.
func (s *Service) List(ctx context.Context, tenantID string, f store.TaskFilter, period string) ([]*store.Task, error) {
	since, err := PeriodStart(period, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	f.Since = since
	return s.store.ListTasks(ctx, tenantID, f)
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, tenantID, taskID string) (*store.Task, error) {
	return s.store.GetTask(ctx, tenantID, taskID)
}

// Claim takes exclusive ownership of a task for sessionID. Exactly one
// concurrent claimant wins; losers receive store.NotClaimableError.
func (s *Service) Claim(ctx context.Context, tenantID, taskID, sessionID string) (*store.Task, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return s.store.ClaimTask(ctx, tenantID, taskID, sessionID)
}

// Unclaim releases an active task back to the pool with the given reason.
func (s *Service) Unclaim(ctx context.Context, tenantID, taskID, reason string) (*store.Task, error) {
	if reason == "" {
		reason = store.UnclaimManual
	}
	if !unclaimReasons[reason] {
		return nil, fmt.Errorf("%w: unknown unclaim reason %q", ErrInvalidInput, reason)
	}
	return s.store.UnclaimTask(ctx, tenantID, taskID, reason)
}

// Complete finishes an active task with a terminal outcome.
func (s *Service) Complete(ctx context.Context, tenantID, taskID string, c store.TaskCompletion) (*store.Task, error) {
	switch c.Outcome {
	case store.OutcomeSuccess, store.OutcomeFailed, store.OutcomeSkipped, store.OutcomeCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, c.Outcome)
	}
	if c.ErrorClass == "TIMEOUT" {
		c.ExpiryReason = store.ExpiryReasonTTL
	}
	const maxResultLen = 4096
	if len(c.Result) > maxResultLen {
		c.Result = c.Result[:maxResultLen]
	}
	return s.store.CompleteTask(ctx, tenantID, taskID, c)
}

// BatchResult is the per-id outcome of a batch operation. Batch is not
// all-or-nothing: each member is processed independently.
type BatchResult struct {
	TaskID string      `json:"taskId"`
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Task   *store.Task `json:"-"`
}

// BatchClaim claims each task independently for sessionID.
func (s *Service) BatchClaim(ctx context.Context, tenantID string, taskIDs []string, sessionID string) []BatchResult {
	results := make([]BatchResult, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := s.Claim(ctx, tenantID, id, sessionID)
		r := BatchResult{TaskID: id, OK: err == nil, Task: t}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// BatchCompletion pairs a task id with its completion.
type BatchCompletion struct {
	TaskID     string
	Completion store.TaskCompletion
}

// BatchComplete completes each task independently.
func (s *Service) BatchComplete(ctx context.Context, tenantID string, items []BatchCompletion) []BatchResult {
	results := make([]BatchResult, 0, len(items))
	for _, item := range items {
		t, err := s.Complete(ctx, tenantID, item.TaskID, item.Completion)
		r := BatchResult{TaskID: item.TaskID, OK: err == nil, Task: t}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// SweepOrphans unclaims active tasks whose heartbeat is older than
// OrphanThreshold, with reason stale_recovery. Returns the count reclaimed.
func (s *Service) SweepOrphans(ctx context.Context, tenantID string) (int, error) {
	orphans, err := s.store.ListOrphanedTasks(ctx, tenantID, OrphanThreshold)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, t := range orphans {
		if _, err := s.store.UnclaimTask(ctx, tenantID, t.ID, store.UnclaimStaleRecovery); err != nil {
			// Another sweep or a completion may have raced us; skip and move on.
			if errors.Is(err, store.ErrNotActive) {
				continue
			}
			slog.Warn("dispatch: orphan sweep failed for task", "task", t.ID, "err", err)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Heartbeat stamps the claimant's liveness on an active task.
func (s *Service) Heartbeat(ctx context.Context, tenantID, taskID string) error {
	return s.store.TouchTaskHeartbeat(ctx, tenantID, taskID)
}

// ContentionMetrics aggregates claim telemetry for the period.
func (s *Service) ContentionMetrics(ctx context.Context, tenantID, period string) (*store.ContentionMetrics, error) {
	since, err := PeriodStart(period, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.store.GetContentionMetrics(ctx, tenantID, since)
}

// PeriodStart maps a period name onto its UTC calendar start. The zero time
// means "no lower bound" (PeriodAll and the empty string).
func PeriodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case "", PeriodAll:
		return time.Time{}, nil
	case PeriodToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case PeriodThisWeek:
		y, m, d := now.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		// ISO week: Monday is day one.
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), nil
	case PeriodThisMonth:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown period %q", ErrInvalidInput, period)
	}
}
