package transport

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crossbus/crossbus/common/redact"
	"github.com/crossbus/crossbus/common/trace"
	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/capability"
)

// MaxBodyBytes bounds every request body before any parsing happens.
const MaxBodyBytes = 64 << 10

// SessionHeader carries the calling session id for compliance tracking.
const SessionHeader = "X-Session-ID"

// handlerFunc is an authenticated tool handler. The returned value is
// wrapped in the success envelope; a non-nil error is mapped by classify.
type handlerFunc func(w http.ResponseWriter, r *http.Request) (any, error)

// handle runs the full middleware chain for one tool: trace, body limit,
// authentication with the per-IP failure window, per-tool rate limiting,
// capability gating, compliance tracking, optional schema validation, and
// audit recording.
func (s *Server) handle(tool, schema string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if incoming := r.Header.Get("X-Trace-ID"); incoming != "" {
			ctx = trace.WithTraceID(ctx, incoming)
		} else {
			ctx, _ = trace.Ensure(ctx)
		}
		traceID := trace.FromContext(ctx)
		w.Header().Set("X-Trace-ID", traceID)
		r = r.WithContext(ctx)

		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

		ip := clientIP(r)
		if blocked, retry := s.authFail.Blocked(ip); blocked {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, traceID, apiErrorf(http.StatusTooManyRequests,
				"rate_limited", "too many failed authentication attempts"))
			return
		}

		credential := extractCredential(r)
		id, err := s.validator.Validate(ctx, credential)
		if err != nil {
			s.authFail.RecordFailure(ip)
			// The credential must never reach the audit trail, even inside
			// an error string.
			detail := redact.String(err.Error(), credential)
			s.audit.Call("", traceID, "", tool, r.URL.Path, "unauthenticated", time.Since(start), detail)
			writeError(w, traceID, err)
			return
		}
		ctx = auth.WithIdentity(ctx, id)
		r = r.WithContext(ctx)

		d := s.limiter.Allow(id.TenantID, id.KeyHash, tool, id.RateTier)
		if d.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			writeError(w, traceID, apiErrorf(http.StatusTooManyRequests,
				"rate_limited", "rate limit exceeded for "+tool))
			return
		}

		var scopes []string
		if id.Scheme == auth.SchemeOAuth {
			scopes = id.Scopes
			if scopes == nil {
				scopes = []string{}
			}
		}
		if err := capability.Check(tool, id.ProgramID, id.Capabilities, scopes); err != nil {
			s.audit.Call(id.TenantID, traceID, id.ProgramID, tool, r.URL.Path, "forbidden", time.Since(start), err.Error())
			writeError(w, traceID, err)
			return
		}

		if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
			state, err := s.sessions.Compliance().RecordCall(ctx, id.TenantID, sessionID, tool)
			w.Header().Set("X-Compliance-State", state)
			if err != nil {
				s.audit.Call(id.TenantID, traceID, id.ProgramID, tool, r.URL.Path, "terminated", time.Since(start), err.Error())
				writeError(w, traceID, err)
				return
			}
		}

		if schema != "" {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, traceID, apiErrorf(http.StatusBadRequest,
					"invalid_argument", "request body too large or unreadable"))
				return
			}
			if err := validateBody(schema, body); err != nil {
				writeError(w, traceID, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		data, err := h(w, r)
		if err != nil {
			s.audit.Call(id.TenantID, traceID, id.ProgramID, tool, r.URL.Path, "error", time.Since(start), err.Error())
			writeError(w, traceID, err)
			return
		}

		s.audit.Call(id.TenantID, traceID, id.ProgramID, tool, r.URL.Path, "ok", time.Since(start), "")
		writeJSON(w, http.StatusOK, traceID, data)
	}
}

// extractCredential pulls the bearer credential from Authorization or the
// legacy X-API-Key header.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return strings.TrimSpace(h)
	}
	return r.Header.Get("X-API-Key")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
