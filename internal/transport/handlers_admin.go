package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/store"
)

// RotationGrace is how long a rotated-out key keeps working.
const RotationGrace = 24 * time.Hour

// --- key management ----------------------------------------------------------

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		ProgramID    string   `json:"programId"`
		Capabilities []string `json:"capabilities"`
		RateTier     string   `json:"rateTier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "malformed request body")
	}
	if req.ProgramID == "" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "programId is required")
	}

	raw, err := crypto.MintToken(crypto.PrefixAPIKey)
	if err != nil {
		return nil, err
	}
	key := &store.APIKey{
		KeyHash:      crypto.Digest(raw),
		TenantID:     id.TenantID,
		ProgramID:    req.ProgramID,
		Capabilities: req.Capabilities,
		RateTier:     req.RateTier,
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		return nil, err
	}

	// The raw key is returned exactly once.
	return map[string]any{"apiKey": raw, "key": toKeyView(key)}, nil
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	keys, err := s.store.ListAPIKeys(r.Context(), id.TenantID)
	if err != nil {
		return nil, err
	}
	views := make([]*keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, toKeyView(k))
	}
	return map[string]any{"keys": views}, nil
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		KeyHash string `json:"keyHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KeyHash == "" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "keyHash is required")
	}
	if err := s.store.RevokeAPIKey(r.Context(), id.TenantID, req.KeyHash); err != nil {
		return nil, err
	}
	return map[string]bool{"revoked": true}, nil
}

// rotateKey mints a replacement key for the same program and puts the old
// one on a grace-period expiry instead of cutting it off immediately.
func (s *Server) rotateKey(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		KeyHash string `json:"keyHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KeyHash == "" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "keyHash is required")
	}

	old, err := s.store.GetAPIKey(r.Context(), req.KeyHash)
	if err != nil {
		if errors.Is(err, store.ErrKeyInactive) || errors.Is(err, store.ErrKeyRevoked) ||
			errors.Is(err, store.ErrKeyExpired) {
			return nil, apiErrorf(http.StatusConflict, "conflict", "key is not rotatable")
		}
		return nil, err
	}
	if old.TenantID != id.TenantID {
		return nil, apiErrorf(http.StatusNotFound, "not_found", "api key not found")
	}

	raw, err := crypto.MintToken(crypto.PrefixAPIKey)
	if err != nil {
		return nil, err
	}
	replacement := &store.APIKey{
		KeyHash:      crypto.Digest(raw),
		TenantID:     old.TenantID,
		ProgramID:    old.ProgramID,
		Capabilities: old.Capabilities,
		RateTier:     old.RateTier,
	}
	if err := s.store.CreateAPIKey(r.Context(), replacement); err != nil {
		return nil, err
	}
	if err := s.store.ExpireAPIKey(r.Context(), id.TenantID, req.KeyHash,
		time.Now().UTC().Add(RotationGrace)); err != nil {
		return nil, err
	}

	return map[string]any{
		"apiKey":         raw,
		"key":            toKeyView(replacement),
		"oldKeyValidFor": RotationGrace.String(),
	}, nil
}

// --- CLI auth bootstrap ------------------------------------------------------

// handleCLIAuthStart registers a pending bootstrap record. Unauthenticated:
// the CLI calls this before it has any credential.
func (s *Server) handleCLIAuthStart(w http.ResponseWriter, r *http.Request) {
	token, err := crypto.MintToken("")
	if err != nil {
		writeError(w, "", err)
		return
	}
	sess, err := s.store.CreateCLISession(r.Context(), token)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, "", map[string]any{
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt,
	})
}

// cliAuthApprove is called from the authenticated browser session: it mints
// a fresh API key and deposits it for the waiting CLI.
func (s *Server) cliAuthApprove(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		Token     string `json:"token"`
		ProgramID string `json:"programId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "token is required")
	}
	if req.ProgramID == "" {
		req.ProgramID = "builder"
	}

	raw, err := crypto.MintToken(crypto.PrefixAPIKey)
	if err != nil {
		return nil, err
	}
	key := &store.APIKey{
		KeyHash:   crypto.Digest(raw),
		TenantID:  id.TenantID,
		ProgramID: req.ProgramID,
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		return nil, err
	}
	if err := s.store.ApproveCLISession(r.Context(), req.Token, id.TenantID, raw); err != nil {
		return nil, err
	}
	return map[string]bool{"approved": true}, nil
}

// handleCLIAuthPoll hands the deposited key to exactly one poller, then
// deletes the record. Unauthenticated by design: the token is the secret.
func (s *Server) handleCLIAuthPoll(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.PollCLISession(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, store.ErrCLISessionPending) {
			writeJSON(w, http.StatusOK, "", map[string]string{"status": "pending"})
			return
		}
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, "", map[string]any{
		"status":   "approved",
		"tenantId": sess.TenantID.String,
		"apiKey":   sess.APIKey.String,
	})
}

// --- audit -------------------------------------------------------------------

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	entries, err := s.audit.Log(r.Context(), id.TenantID, clampLimit(r.URL.Query().Get("limit")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	entries, err := s.audit.Trace(r.Context(), id.TenantID, r.PathValue("traceId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Server) getCosts(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	since, err := dispatch.PeriodStart(r.URL.Query().Get("period"), time.Now().UTC())
	if err != nil {
		return nil, apiErrorf(http.StatusBadRequest, "invalid_argument", "unknown period")
	}
	summaries, err := s.audit.Costs(r.Context(), id.TenantID, since)
	if err != nil {
		return nil, err
	}
	return map[string]any{"costs": summaries}, nil
}

// --- maintenance sweeps ------------------------------------------------------

func (s *Server) sweepOrphans(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	reclaimed, err := s.dispatch.SweepOrphans(r.Context(), id.TenantID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"reclaimed": reclaimed}, nil
}

func (s *Server) sweepRelayTTL(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	expired, err := s.relay.SweepTTL(r.Context(), id.TenantID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"expired": expired}, nil
}

func (s *Server) sweepRelayDLQ(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	bumped, moved, err := s.relay.SweepDLQ(r.Context(), id.TenantID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"attemptsBumped": bumped, "deadLettered": moved}, nil
}

func (s *Server) sweepSessions(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	cleaned, err := s.sessions.SweepExpired(r.Context(), id.TenantID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"cleaned": cleaned}, nil
}

func (s *Server) clearComplianceCache(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	var req struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.SessionID == "" {
		s.sessions.Compliance().ClearCache("", "")
	} else {
		s.sessions.Compliance().ClearCache(id.TenantID, req.SessionID)
	}
	return map[string]bool{"cleared": true}, nil
}

func (s *Server) derezSession(w http.ResponseWriter, r *http.Request) (any, error) {
	id := auth.FromContext(r.Context())
	sessionID := r.PathValue("id")
	if err := s.sessions.Compliance().Derez(r.Context(), id.TenantID, sessionID); err != nil {
		return nil, err
	}
	return map[string]string{"sessionId": sessionID, "state": "DEREZED"}, nil
}
