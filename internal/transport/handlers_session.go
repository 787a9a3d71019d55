package transport

import (
	"encoding/json"
	"net/http"

	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/session"
)

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		SessionID string `json:"sessionId"`
		ProgramID string `json:"programId"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}
	if req.ProgramID == "" {
		req.ProgramID = id.ProgramID
	}

	sess, err := s.sessions.Create(r.Context(), id.TenantID, req.SessionID, req.ProgramID, req.Name)
	if err != nil {
		return nil, err
	}
	return toSessionView(sess), nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()

	sessions, err := s.sessions.List(r.Context(), id.TenantID, q.Get("status"),
		q.Get("includeArchived") == "true", clampLimit(q.Get("limit")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": toSessionViews(sessions)}, nil
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	sess, err := s.sessions.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		return nil, err
	}

	view := toSessionView(sess)
	rec, err := s.sessions.Compliance().State(r.Context(), id.TenantID, sess.ID)
	if err != nil {
		// The compliance sub-record is advisory on reads.
		return view, nil
	}
	return map[string]any{"session": view, "complianceState": rec.State}, nil
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		Status       *string `json:"status"`
		Name         *string `json:"name"`
		Handoff      *bool   `json:"handoff"`
		Archived     *bool   `json:"archived"`
		ContextBytes *int64  `json:"contextBytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}

	sess, err := s.sessions.Update(r.Context(), id.TenantID, r.PathValue("id"), session.UpdateInput{
		Status:       req.Status,
		Name:         req.Name,
		Handoff:      req.Handoff,
		Archived:     req.Archived,
		ContextBytes: req.ContextBytes,
	})
	if err != nil {
		return nil, err
	}
	return toSessionView(sess), nil
}

func (s *Server) pulseSession(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	req := struct {
		ContextBytes int64 `json:"contextBytes"`
	}{ContextBytes: -1}
	// Body is optional; a bare pulse only stamps the heartbeat.
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := s.sessions.Pulse(r.Context(), id.TenantID, r.PathValue("id"), req.ContextBytes)
	if err != nil {
		return nil, err
	}
	return toSessionView(sess), nil
}

// contextUtilization reports each live session's latest context-window
// sample against the nominal window.
func (s *Server) contextUtilization(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	sessions, err := s.sessions.List(r.Context(), id.TenantID, "", false, ListCap)
	if err != nil {
		return nil, err
	}

	type row struct {
		SessionID      string  `json:"sessionId"`
		ContextBytes   int64   `json:"contextBytes"`
		ContextPercent float64 `json:"contextPercent"`
	}
	rows := make([]row, 0, len(sessions))
	for _, sess := range sessions {
		if n := len(sess.ContextHistory); n > 0 {
			b := sess.ContextHistory[n-1].Bytes
			rows = append(rows, row{sess.ID, b, session.ContextPercent(b)})
		}
	}
	return map[string]any{
		"windowBytes": session.ContextWindowBytes,
		"sessions":    rows,
	}, nil
}

// updateProgramState records a program-state checkpoint. The state payload
// itself lives with the caller; what matters here is the compliance reset.
func (s *Server) updateProgramState(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	sessionID := r.PathValue("id")

	state, err := s.sessions.Compliance().RecordCall(r.Context(), id.TenantID, sessionID, "update_program_state")
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Pulse(r.Context(), id.TenantID, sessionID, -1); err != nil {
		return nil, err
	}
	return map[string]string{"complianceState": state}, nil
}
