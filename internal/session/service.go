// Package session tracks program work sessions: lifecycle, heartbeats,
// rolling context-window telemetry, and the per-session compliance state
// machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/crossbus/crossbus/internal/store"
)

// SessionTimeout is the heartbeat staleness threshold for the cleanup sweep.
const SessionTimeout = 65 * time.Minute

// ContextWindowBytes is the nominal context window a sample is measured
// against when reporting percent usage.
const ContextWindowBytes = 200_000

// ErrInvalidInput is returned for malformed operation arguments.
var ErrInvalidInput = errors.New("session: invalid input")

// Session ids follow {program}[-{env}].{task}, e.g. "builder.checkout" or
// "beck-staging.nightly-sync".
var sessionIDPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)?\.[a-z0-9][a-z0-9-]*$`)

// Service is the session engine.
type Service struct {
	store      *store.Store
	compliance *ComplianceTracker
}

// New creates a session Service with its compliance tracker.
func New(st *store.Store) *Service {
	return &Service{store: st, compliance: NewComplianceTracker(st)}
}

// Compliance exposes the tracker for the transport middleware.
func (s *Service) Compliance() *ComplianceTracker {
	return s.compliance
}

// Create registers a session. The id encodes the owning program and task.
func (s *Service) Create(ctx context.Context, tenantID, sessionID, programID, name string) (*store.Session, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, fmt.Errorf("%w: session id %q must match {program}[-{env}].{task}", ErrInvalidInput, sessionID)
	}
	sess := &store.Session{
		ID:        sessionID,
		TenantID:  tenantID,
		ProgramID: programID,
		Name:      name,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	return s.store.GetSession(ctx, tenantID, sessionID)
}

// List returns sessions newest heartbeat first.
func (s *Service) List(ctx context.Context, tenantID, status string, includeArchived bool, limit int) ([]*store.Session, error) {
	return s.store.ListSessions(ctx, tenantID, status, includeArchived, limit)
}

// UpdateInput carries the mutable session fields. Nil pointers leave the
// field unchanged.
type UpdateInput struct {
	Status       *string
	Name         *string
	Handoff      *bool
	Archived     *bool
	ContextBytes *int64
}

// Update applies a partial update and stamps the heartbeat.
func (s *Service) Update(ctx context.Context, tenantID, sessionID string, in UpdateInput) (*store.Session, error) {
	if in.Status != nil {
		switch *in.Status {
		case store.SessionStatusActive, store.SessionStatusBlocked, store.SessionStatusDone:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *in.Status)
		}
	}
	if in.ContextBytes != nil && *in.ContextBytes < 0 {
		return nil, fmt.Errorf("%w: context bytes must be non-negative", ErrInvalidInput)
	}
	return s.store.UpdateSession(ctx, tenantID, sessionID, store.SessionUpdate{
		Status:       in.Status,
		Name:         in.Name,
		Handoff:      in.Handoff,
		Archived:     in.Archived,
		ContextBytes: in.ContextBytes,
		Heartbeat:    true,
	})
}

// Pulse stamps liveness and optionally records a context-window sample.
// contextBytes < 0 means "no sample".
func (s *Service) Pulse(ctx context.Context, tenantID, sessionID string, contextBytes int64) (*store.Session, error) {
	u := store.SessionUpdate{Heartbeat: true}
	if contextBytes >= 0 {
		u.ContextBytes = &contextBytes
	}
	return s.store.UpdateSession(ctx, tenantID, sessionID, u)
}

// ContextPercent converts a sample to percent of the nominal window.
func ContextPercent(bytes int64) float64 {
	return float64(bytes) / ContextWindowBytes * 100
}

// SweepExpired marks stale sessions done and archives finished ones.
func (s *Service) SweepExpired(ctx context.Context, tenantID string) (int64, error) {
	return s.store.CleanupExpiredSessions(ctx, tenantID, SessionTimeout)
}
