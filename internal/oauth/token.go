package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/store"
)

// handleToken implements the token endpoint for authorization_code,
// refresh_token, and client_credentials grants. All grant failures collapse
// into a generic invalid_grant so callers cannot probe which check failed.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.tokenFromCode(w, r)
	case "refresh_token":
		s.tokenFromRefresh(w, r)
	case "client_credentials":
		s.tokenFromClientCredentials(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "unknown grant_type")
	}
}

func (s *Server) tokenFromCode(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	rawCode := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")
	redirectURI := r.PostFormValue("redirect_uri")

	if clientID == "" || rawCode == "" || verifier == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing required parameter")
		return
	}

	client, err := s.store.GetOAuthClient(r.Context(), clientID)
	if err != nil {
		invalidGrant(w)
		return
	}
	if !s.authenticateClient(r, client) {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	// The verify predicate runs inside the consume transaction, so the code
	// is only burned when every binding holds.
	code, err := s.store.ConsumeAuthCode(r.Context(), crypto.Digest(rawCode), func(c *store.AuthCode) bool {
		if c.ClientID != clientID {
			return false
		}
		if c.RedirectURI != redirectURI {
			return false
		}
		return crypto.ConstantTimeEqual(crypto.S256Challenge(verifier), c.Challenge)
	})
	if err != nil {
		invalidGrant(w)
		return
	}

	s.issueTokenPair(r.Context(), w, code.UserID, clientID, code.Scope, uuid.NewString())
}

func (s *Server) tokenFromRefresh(w http.ResponseWriter, r *http.Request) {
	presented := r.PostFormValue("refresh_token")
	// Cheap shape check before any store work.
	if !strings.HasPrefix(presented, crypto.PrefixRefreshToken) {
		invalidGrant(w)
		return
	}

	accessRaw, err := crypto.MintToken(crypto.PrefixAccessToken)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "token generation failed")
		return
	}
	refreshRaw, err := crypto.MintToken(crypto.PrefixRefreshToken)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "token generation failed")
		return
	}

	now := time.Now().UTC()
	newAccess := &store.OAuthToken{
		TokenHash: crypto.Digest(accessRaw),
		Type:      store.TokenTypeAccess,
		ExpiresAt: now.Add(AccessTokenTTL),
	}
	newRefresh := &store.OAuthToken{
		TokenHash: crypto.Digest(refreshRaw),
		Type:      store.TokenTypeRefresh,
		ExpiresAt: now.Add(RefreshTokenTTL),
	}

	rotated, err := s.store.RotateRefreshToken(r.Context(), crypto.Digest(presented), newAccess, newRefresh)
	if err != nil {
		if errors.Is(err, store.ErrRefreshReplayed) {
			slog.Warn("oauth: refresh token replay detected, family revoked")
		}
		invalidGrant(w)
		return
	}
	writeTokenResponse(w, accessRaw, refreshRaw, rotated.Scope)
}

func (s *Server) tokenFromClientCredentials(w http.ResponseWriter, r *http.Request) {
	client, err := s.store.GetOAuthClient(r.Context(), r.PostFormValue("client_id"))
	if err != nil {
		invalidGrant(w)
		return
	}
	// This grant issues tokens for the client itself, so it is restricted to
	// confidential clients with a service-account tenant binding.
	if client.AuthMethod == "none" || !client.SecretHash.Valid || !client.TenantID.Valid {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client_credentials requires a confidential service client")
		return
	}
	if !s.authenticateClient(r, client) {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	scope := r.PostFormValue("scope")
	if scope == "" {
		scope = "mcp:full"
	}
	s.issueTokenPair(r.Context(), w, client.TenantID.String, client.ID, scope, uuid.NewString())
}

// authenticateClient checks the client secret for confidential clients.
// Public clients (auth method none) pass without a secret.
func (s *Server) authenticateClient(r *http.Request, client *store.OAuthClient) bool {
	if client.AuthMethod == "none" {
		return true
	}
	if !client.SecretHash.Valid {
		return false
	}
	return crypto.ConstantTimeEqual(
		crypto.Digest(r.PostFormValue("client_secret")), client.SecretHash.String)
}

// issueTokenPair mints a fresh access + refresh pair under a new family and
// writes the token response.
func (s *Server) issueTokenPair(ctx context.Context, w http.ResponseWriter, tenantID, clientID, scope, familyID string) {
	accessRaw, err := crypto.MintToken(crypto.PrefixAccessToken)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "token generation failed")
		return
	}
	refreshRaw, err := crypto.MintToken(crypto.PrefixRefreshToken)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "token generation failed")
		return
	}

	now := time.Now().UTC()
	access := &store.OAuthToken{
		TokenHash: crypto.Digest(accessRaw),
		Type:      store.TokenTypeAccess,
		TenantID:  tenantID,
		ClientID:  clientID,
		Scope:     scope,
		FamilyID:  familyID,
		ExpiresAt: now.Add(AccessTokenTTL),
	}
	refresh := &store.OAuthToken{
		TokenHash: crypto.Digest(refreshRaw),
		Type:      store.TokenTypeRefresh,
		TenantID:  tenantID,
		ClientID:  clientID,
		Scope:     scope,
		FamilyID:  familyID,
		ExpiresAt: now.Add(RefreshTokenTTL),
	}
	if err := s.store.CreateTokenPair(ctx, access, refresh); err != nil {
		slog.Error("oauth: failed to store token pair", "err", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "token storage failed")
		return
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchOAuthClient(touchCtx, clientID); err != nil {
			slog.Warn("oauth: failed to stamp client last-used", "err", err)
		}
	}()

	writeTokenResponse(w, accessRaw, refreshRaw, scope)
}

func writeTokenResponse(w http.ResponseWriter, accessRaw, refreshRaw, scope string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessRaw,
		"token_type":    "Bearer",
		"expires_in":    int(AccessTokenTTL.Seconds()),
		"refresh_token": refreshRaw,
		"scope":         scope,
	}); err != nil {
		slog.Error("oauth: failed to encode token response", "err", err)
	}
}

func invalidGrant(w http.ResponseWriter) {
	oauthError(w, http.StatusBadRequest, "invalid_grant", "the grant is invalid, expired, or revoked")
}

// handleRevoke implements RFC 7009. Revoking a refresh token cascades to its
// family. The endpoint always answers 200 so callers cannot probe token
// existence.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		if token := r.PostFormValue("token"); token != "" {
			if err := s.store.RevokeToken(r.Context(), crypto.Digest(token)); err != nil {
				slog.Error("oauth: revocation failed", "err", err)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}
