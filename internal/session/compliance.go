package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/crossbus/crossbus/internal/store"
)

// Compliance states.
const (
	StatePendingBoot = "PENDING_BOOT"
	StateCompliant   = "COMPLIANT"
	StateWarned      = "WARNED"
	StateDegraded    = "DEGRADED"
	StateDerezed     = "DEREZED"
)

// Call-count thresholds between program-state updates. The counter only
// runs while journaling is active.
const (
	WarnThreshold    = 10
	DegradeThreshold = 20
)

// stateHistoryCap bounds the transition log carried on each record.
const stateHistoryCap = 50

// ErrSessionTerminated is returned for calls against a DEREZED session.
var ErrSessionTerminated = errors.New("session: session_terminated")

// ToolUpdateProgramState resets the call counter and clears WARNED/DEGRADED.
const ToolUpdateProgramState = "update_program_state"

// Claiming work activates journaling; until then the call counter stays off
// so a session that only reads never drifts to WARNED.
var journalActivators = map[string]bool{
	"claim_task":  true,
	"batch_claim": true,
}

// bootTools flip the boot checkpoints; once all three are seen a
// PENDING_BOOT session becomes COMPLIANT.
var bootTools = map[string]func(*store.ComplianceRecord){
	ToolUpdateProgramState: func(r *store.ComplianceRecord) { r.GotProgramState = true },
	"get_tasks":            func(r *store.ComplianceRecord) { r.GotTasks = true },
	"get_messages":         func(r *store.ComplianceRecord) { r.GotMessages = true },
}

// exemptTools never charge the call counter. Pulses and session plumbing
// must stay usable for a session that is trying to get back into
// compliance.
var exemptTools = map[string]bool{
	"pulse":                  true,
	"heartbeat":              true,
	"create_session":         true,
	"get_sessions":           true,
	"update_session":         true,
	ToolUpdateProgramState:   true,
	"clear_compliance_cache": true,
}

// ComplianceTracker evaluates the per-session compliance state machine on
// every tool call. Records live in the store; a short-lived cache in front
// keeps the hot path off the database.
type ComplianceTracker struct {
	store *store.Store
	cache *gocache.Cache
}

// NewComplianceTracker creates a tracker with a five-minute record cache.
func NewComplianceTracker(st *store.Store) *ComplianceTracker {
	return &ComplianceTracker{
		store: st,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

func cacheKey(tenantID, sessionID string) string {
	return tenantID + "\x00" + sessionID
}

// RecordCall advances the state machine for one tool call and returns the
// resulting state. DEREZED is terminal and rejects the call. Read failures
// fail open: the call proceeds and the incident is logged.
func (t *ComplianceTracker) RecordCall(ctx context.Context, tenantID, sessionID, tool string) (string, error) {
	if sessionID == "" {
		return StateCompliant, nil
	}

	rec, err := t.load(ctx, tenantID, sessionID)
	if err != nil {
		slog.Error("session: compliance check failed open",
			"event", "COMPLIANCE_CHECK_FAILED",
			"tenant", tenantID, "session", sessionID, "tool", tool, "err", err)
		return StateCompliant, nil
	}

	if rec.State == StateDerezed {
		return StateDerezed, ErrSessionTerminated
	}

	prev := rec.State

	if mark, ok := bootTools[tool]; ok {
		mark(rec)
	}
	if rec.State == StatePendingBoot && rec.GotProgramState && rec.GotTasks && rec.GotMessages {
		rec.State = StateCompliant
	}

	if journalActivators[tool] {
		rec.JournalActive = true
	}

	if tool == ToolUpdateProgramState {
		rec.CallsSinceUpdate = 0
		if rec.State == StateWarned || rec.State == StateDegraded {
			rec.State = StateCompliant
		}
	} else if rec.JournalActive && !exemptTools[tool] && rec.State != StatePendingBoot {
		rec.JournalCount++
		rec.CallsSinceUpdate++
		switch {
		case rec.CallsSinceUpdate >= DegradeThreshold:
			rec.State = StateDegraded
		case rec.CallsSinceUpdate >= WarnThreshold:
			rec.State = StateWarned
		}
	}

	if rec.State != prev {
		rec.StateHistory = append(rec.StateHistory, store.StateTransition{
			State: rec.State,
			At:    time.Now().UTC(),
		})
		if len(rec.StateHistory) > stateHistoryCap {
			rec.StateHistory = rec.StateHistory[len(rec.StateHistory)-stateHistoryCap:]
		}
		slog.Info("session: compliance transition",
			"tenant", tenantID, "session", sessionID,
			"from", prev, "to", rec.State, "tool", tool)
	}

	if err := t.save(ctx, rec); err != nil {
		slog.Error("session: compliance record write failed",
			"event", "COMPLIANCE_CHECK_FAILED",
			"tenant", tenantID, "session", sessionID, "err", err)
	}
	return rec.State, nil
}

// State returns the current state without advancing the machine.
func (t *ComplianceTracker) State(ctx context.Context, tenantID, sessionID string) (*store.ComplianceRecord, error) {
	return t.load(ctx, tenantID, sessionID)
}

// Derez terminally blocks a session.
func (t *ComplianceTracker) Derez(ctx context.Context, tenantID, sessionID string) error {
	rec, err := t.load(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if rec.State == StateDerezed {
		return nil
	}
	rec.State = StateDerezed
	rec.StateHistory = append(rec.StateHistory, store.StateTransition{
		State: StateDerezed,
		At:    time.Now().UTC(),
	})
	return t.save(ctx, rec)
}

// ClearCache drops the cached record for one session, forcing the next call
// to re-read the store. Pass empty ids to flush everything.
func (t *ComplianceTracker) ClearCache(tenantID, sessionID string) {
	if tenantID == "" && sessionID == "" {
		t.cache.Flush()
		return
	}
	t.cache.Delete(cacheKey(tenantID, sessionID))
}

func (t *ComplianceTracker) load(ctx context.Context, tenantID, sessionID string) (*store.ComplianceRecord, error) {
	if v, ok := t.cache.Get(cacheKey(tenantID, sessionID)); ok {
		return v.(*store.ComplianceRecord), nil
	}
	rec, err := t.store.GetComplianceRecord(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	t.cache.SetDefault(cacheKey(tenantID, sessionID), rec)
	return rec, nil
}

func (t *ComplianceTracker) save(ctx context.Context, rec *store.ComplianceRecord) error {
	if err := t.store.PutComplianceRecord(ctx, rec); err != nil {
		return err
	}
	t.cache.SetDefault(cacheKey(rec.TenantID, rec.SessionID), rec)
	return nil
}
