package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/store"
)

type createTaskRequest struct {
	Title          string `json:"title"`
	Instructions   string `json:"instructions"`
	Type           string `json:"type"`
	Source         string `json:"source"`
	Target         string `json:"target"`
	Priority       string `json:"priority"`
	DispatchAction string `json:"dispatchAction"`
	ExpiresAt      string `json:"expiresAt"`
	IdempotencyKey string `json:"idempotencyKey"`
	ExternalRef    string `json:"externalRef"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}

	in := dispatch.CreateTaskInput{
		Title:          req.Title,
		Instructions:   req.Instructions,
		Type:           req.Type,
		Source:         req.Source,
		Target:         req.Target,
		Priority:       req.Priority,
		DispatchAction: req.DispatchAction,
		IdempotencyKey: req.IdempotencyKey,
		ExternalRef:    req.ExternalRef,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "expiresAt must be RFC 3339")
		}
		in.ExpiresAt = t
	}

	task, err := s.dispatch.Create(r.Context(), id.TenantID, in)
	if err != nil {
		return nil, err
	}
	return toTaskView(task), nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()

	tasks, err := s.dispatch.List(r.Context(), id.TenantID, store.TaskFilter{
		Status: q.Get("status"),
		Target: q.Get("target"),
		Type:   q.Get("type"),
		Limit:  clampLimit(q.Get("limit")),
	}, q.Get("period"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": toTaskViews(tasks)}, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	task, err := s.dispatch.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	return toTaskView(task), nil
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}
	task, err := s.dispatch.Claim(r.Context(), id.TenantID, r.PathValue("id"), req.SessionID)
	if err != nil {
		return nil, err
	}
	return toTaskView(task), nil
}

func (s *Server) unclaimTask(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional; an empty unclaim defaults to manual.
	_ = json.NewDecoder(r.Body).Decode(&req)

	task, err := s.dispatch.Unclaim(r.Context(), id.TenantID, r.PathValue("id"), req.Reason)
	if err != nil {
		return nil, err
	}
	return toTaskView(task), nil
}

type completeTaskRequest struct {
	Outcome          string `json:"outcome"`
	ErrorCode        string `json:"errorCode"`
	ErrorClass       string `json:"errorClass"`
	TokensUsed       int64  `json:"tokensUsed"`
	CostMicrodollars int64  `json:"costMicrodollars"`
	Result           string `json:"result"`
}

func (r completeTaskRequest) completion() store.TaskCompletion {
	return store.TaskCompletion{
		Outcome:          r.Outcome,
		ErrorCode:        r.ErrorCode,
		ErrorClass:       r.ErrorClass,
		TokensUsed:       r.TokensUsed,
		CostMicrodollars: r.CostMicrodollars,
		Result:           r.Result,
	}
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}

	task, err := s.dispatch.Complete(r.Context(), id.TenantID, r.PathValue("id"), req.completion())
	if err != nil {
		return nil, err
	}
	if req.TokensUsed > 0 || req.CostMicrodollars > 0 {
		s.audit.Usage(id.TenantID, id.ProgramID, "complete_task", req.TokensUsed, req.CostMicrodollars)
	}
	return toTaskView(task), nil
}

func (s *Server) heartbeatTask(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	if err := s.dispatch.Heartbeat(r.Context(), id.TenantID, r.PathValue("id")); err != nil {
		return nil, err
	}
	return map[string]bool{"alive": true}, nil
}

func (s *Server) batchClaim(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		TaskIDs   []string `json:"taskIds"`
		SessionID string   `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}
	if len(req.TaskIDs) == 0 {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "taskIds is required")
	}

	results := s.dispatch.BatchClaim(r.Context(), id.TenantID, req.TaskIDs, req.SessionID)
	return map[string]any{"results": results}, nil
}

func (s *Server) batchComplete(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		Items []struct {
			TaskID string `json:"taskId"`
			completeTaskRequest
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}
	if len(req.Items) == 0 {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "items is required")
	}

	items := make([]dispatch.BatchCompletion, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, dispatch.BatchCompletion{
			TaskID:     item.TaskID,
			Completion: item.completion(),
		})
	}
	results := s.dispatch.BatchComplete(r.Context(), id.TenantID, items)
	return map[string]any{"results": results}, nil
}

// questionResponse reads the answer recorded for a question task. Pending
// questions report waiting so pollers can tell "not yet" from 404.
func (s *Server) questionResponse(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	task, err := s.dispatch.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if task.Type != "question" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "task is not a question")
	}
	if task.Status != store.TaskStatusDone && task.Status != store.TaskStatusFailed {
		return map[string]string{"status": "waiting"}, nil
	}
	return map[string]any{
		"status":   "answered",
		"outcome":  nullStr(task.Outcome),
		"response": nullStr(task.Result),
	}, nil
}

func (s *Server) contentionMetrics(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	return s.dispatch.ContentionMetrics(r.Context(), id.TenantID, r.URL.Query().Get("period"))
}
