// Package transport is the HTTP surface of the bus: the uniform response
// envelope, the middleware chain (trace, auth, rate limiting, capability
// gate, compliance), request-body schema validation, and every /v1 route.
package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crossbus/crossbus/common/version"
	"github.com/crossbus/crossbus/internal/audit"
	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/oauth"
	"github.com/crossbus/crossbus/internal/ratelimit"
	"github.com/crossbus/crossbus/internal/relay"
	"github.com/crossbus/crossbus/internal/session"
	"github.com/crossbus/crossbus/internal/store"
)

// ListCap bounds every list endpoint's page size.
const ListCap = 100

// Server wires the domain services onto HTTP.
type Server struct {
	store     *store.Store
	validator *auth.Validator
	dispatch  *dispatch.Service
	relay     *relay.Service
	sessions  *session.Service
	oauth     *oauth.Server
	audit     *audit.Recorder
	limiter   ratelimit.ToolLimiter
	authFail  *ratelimit.AuthFailWindow
	started   time.Time
}

// Config collects the Server's collaborators.
type Config struct {
	Store     *store.Store
	Validator *auth.Validator
	Dispatch  *dispatch.Service
	Relay     *relay.Service
	Sessions  *session.Service
	OAuth     *oauth.Server
	Audit     *audit.Recorder
	Limiter   ratelimit.ToolLimiter
	AuthFail  *ratelimit.AuthFailWindow
}

// NewServer creates the HTTP server. Nil Limiter/AuthFail get in-memory
// defaults.
func NewServer(cfg Config) *Server {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewSlidingWindow(time.Minute)
	}
	if cfg.AuthFail == nil {
		cfg.AuthFail = ratelimit.NewAuthFailWindow(0, 0)
	}
	return &Server{
		store:     cfg.Store,
		validator: cfg.Validator,
		dispatch:  cfg.Dispatch,
		relay:     cfg.Relay,
		sessions:  cfg.Sessions,
		oauth:     cfg.OAuth,
		audit:     cfg.Audit,
		limiter:   cfg.Limiter,
		authFail:  cfg.AuthFail,
		started:   time.Now().UTC(),
	}
}

// Routes builds the full mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/cli/auth", s.handleCLIAuthStart)
	mux.HandleFunc("GET /v1/cli/auth/{token}", s.handleCLIAuthPoll)
	if s.oauth != nil {
		s.oauth.Register(mux)
	}

	// Dispatch engine.
	mux.HandleFunc("POST /v1/tasks", s.handle("create_task", "task_create", s.createTask))
	mux.HandleFunc("GET /v1/tasks", s.handle("get_tasks", "", s.listTasks))
	mux.HandleFunc("GET /v1/tasks/{id}", s.handle("get_tasks", "", s.getTask))
	mux.HandleFunc("POST /v1/tasks/{id}/claim", s.handle("claim_task", "", s.claimTask))
	mux.HandleFunc("POST /v1/tasks/{id}/unclaim", s.handle("unclaim_task", "", s.unclaimTask))
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.handle("complete_task", "", s.completeTask))
	mux.HandleFunc("POST /v1/tasks/{id}/heartbeat", s.handle("heartbeat", "", s.heartbeatTask))
	mux.HandleFunc("POST /v1/tasks/batch/claim", s.handle("batch_claim", "", s.batchClaim))
	mux.HandleFunc("POST /v1/tasks/batch/complete", s.handle("batch_complete", "", s.batchComplete))
	mux.HandleFunc("GET /v1/questions/{id}/response", s.handle("get_tasks", "", s.questionResponse))
	mux.HandleFunc("GET /v1/metrics/contention", s.handle("get_contention_metrics", "", s.contentionMetrics))

	// Relay bus.
	mux.HandleFunc("POST /v1/messages", s.handle("send_message", "message_send", s.sendMessage))
	mux.HandleFunc("GET /v1/messages", s.handle("get_messages", "", s.getMessages))
	mux.HandleFunc("GET /v1/messages/sent", s.handle("get_messages", "", s.sentMessages))
	mux.HandleFunc("POST /v1/messages/read", s.handle("mark_read", "", s.markRead))
	mux.HandleFunc("GET /v1/messages/dead-letters", s.handle("get_dead_letters", "", s.deadLetters))
	mux.HandleFunc("GET /v1/metrics/ack-compliance", s.handle("get_ack_compliance", "", s.ackCompliance))

	// Sessions.
	mux.HandleFunc("POST /v1/sessions", s.handle("create_session", "session_create", s.createSession))
	mux.HandleFunc("GET /v1/sessions", s.handle("get_sessions", "", s.listSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.handle("get_sessions", "", s.getSession))
	mux.HandleFunc("PATCH /v1/sessions/{id}", s.handle("update_session", "", s.updateSession))
	mux.HandleFunc("POST /v1/sessions/{id}/pulse", s.handle("pulse", "", s.pulseSession))
	mux.HandleFunc("POST /v1/sessions/{id}/program-state", s.handle("update_program_state", "", s.updateProgramState))
	mux.HandleFunc("GET /v1/metrics/context", s.handle("get_sessions", "", s.contextUtilization))

	// Key management.
	mux.HandleFunc("POST /v1/keys", s.handle("create_key", "", s.createKey))
	mux.HandleFunc("GET /v1/keys", s.handle("list_keys", "", s.listKeys))
	mux.HandleFunc("POST /v1/keys/revoke", s.handle("revoke_key", "", s.revokeKey))
	mux.HandleFunc("POST /v1/keys/rotate", s.handle("rotate_key", "", s.rotateKey))
	mux.HandleFunc("POST /v1/cli/auth/approve", s.handle("cli_auth_approve", "", s.cliAuthApprove))

	// Audit and metrics.
	mux.HandleFunc("GET /v1/audit", s.handle("get_audit", "", s.getAudit))
	mux.HandleFunc("GET /v1/audit/traces/{traceId}", s.handle("get_traces", "", s.getTrace))
	mux.HandleFunc("GET /v1/metrics/costs", s.handle("get_metrics", "", s.getCosts))

	// Maintenance sweeps, triggered by the external scheduler.
	mux.HandleFunc("POST /v1/admin/sweeps/orphan-tasks", s.handle("sweep_orphan_tasks", "", s.sweepOrphans))
	mux.HandleFunc("POST /v1/admin/sweeps/relay-ttl", s.handle("sweep_relay_ttl", "", s.sweepRelayTTL))
	mux.HandleFunc("POST /v1/admin/sweeps/relay-dlq", s.handle("sweep_relay_dlq", "", s.sweepRelayDLQ))
	mux.HandleFunc("POST /v1/admin/sweeps/sessions", s.handle("sweep_expired_sessions", "", s.sweepSessions))
	mux.HandleFunc("POST /v1/admin/compliance/clear", s.handle("clear_compliance_cache", "", s.clearComplianceCache))
	mux.HandleFunc("POST /v1/admin/sessions/{id}/derez", s.handle("derez_session", "", s.derezSession))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "", map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "", map[string]any{
		"version":       version.Version,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

// clampLimit parses a limit query value into (0, ListCap].
func clampLimit(raw string) int {
	n := ListCap
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	if n > ListCap || n <= 0 {
		n = ListCap
	}
	return n
}
