package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/relay"
)

type sendMessageRequest struct {
	Source         string `json:"source"`
	Target         string `json:"target"`
	Type           string `json:"type"`
	Payload        string `json:"payload"`
	Priority       string `json:"priority"`
	TTLSeconds     int64  `json:"ttlSeconds"`
	IdempotencyKey string `json:"idempotencyKey"`
	ThreadID       string `json:"threadId"`
	ReplyTo        string `json:"replyTo"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}

	result, err := s.relay.Send(r.Context(), id.TenantID, relay.SendInput{
		Source:         req.Source,
		Target:         req.Target,
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		IdempotencyKey: req.IdempotencyKey,
		ThreadID:       req.ThreadID,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"messages": toMessageViews(result.Messages),
		"replayed": result.Replayed,
	}, nil
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()

	target := q.Get("target")
	if target == "" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "target is required")
	}
	markAsRead := q.Get("markAsRead") == "true"

	msgs, err := s.relay.Inbox(r.Context(), id.TenantID, target, clampLimit(q.Get("limit")), markAsRead)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": toMessageViews(msgs)}, nil
}

func (s *Server) sentMessages(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()

	source := q.Get("source")
	if source == "" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "source is required")
	}

	msgs, err := s.relay.Sent(r.Context(), id.TenantID, source, clampLimit(q.Get("limit")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": toMessageViews(msgs)}, nil
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}
	if len(req.MessageIDs) == 0 {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "messageIds is required")
	}

	if err := s.relay.MarkRead(r.Context(), id.TenantID, req.MessageIDs); err != nil {
		return nil, err
	}
	return map[string]int{"marked": len(req.MessageIDs)}, nil
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	letters, err := s.relay.DeadLetters(r.Context(), id.TenantID, clampLimit(r.URL.Query().Get("limit")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"deadLetters": toDeadLetterViews(letters)}, nil
}

func (s *Server) ackCompliance(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	since, err := dispatch.PeriodStart(r.URL.Query().Get("period"), time.Now().UTC())
	if err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "unknown period")
	}
	return s.relay.AckCompliance(r.Context(), id.TenantID, since)
}
