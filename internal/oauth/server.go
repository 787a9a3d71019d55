// Package oauth implements the embedded OAuth 2.1 authorization server:
// RFC 8414 discovery, dynamic client registration, the S256-only
// authorization-code flow with a consent page, token issuance with refresh
// rotation, and RFC 7009 revocation.
package oauth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/ratelimit"
	"github.com/crossbus/crossbus/internal/store"
)

// Token and record lifetimes.
const (
	AccessTokenTTL  = time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
	PendingAuthTTL  = 10 * time.Minute
	AuthCodeTTL     = 10 * time.Minute
)

// RegistrationLimit caps dynamic client registrations per IP per hour.
const RegistrationLimit = 10

var supportedScopes = []string{"mcp:full", "mcp:read", "mcp:write", "mcp:admin"}

// Server is the authorization server. It owns its routes and mounts them on
// the shared mux.
type Server struct {
	store     *store.Store
	identity  auth.IdentityVerifier
	issuer    string // external base URL, e.g. https://bus.example.com
	regWindow *ratelimit.EventWindow
}

// New creates the authorization server. identity verifies the upstream
// identity token presented at consent time.
func New(st *store.Store, identity auth.IdentityVerifier, issuer string) *Server {
	return &Server{
		store:     st,
		identity:  identity,
		issuer:    strings.TrimRight(issuer, "/"),
		regWindow: ratelimit.NewEventWindow(RegistrationLimit, time.Hour),
	}
}

// Register mounts the OAuth routes.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("POST /oauth/register", s.handleRegister)
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /oauth/consent", s.handleConsent)
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("POST /oauth/revoke", s.handleRevoke)
}

// handleMetadata serves the RFC 8414 discovery document.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/oauth/authorize",
		"token_endpoint":                        s.issuer + "/oauth/token",
		"registration_endpoint":                 s.issuer + "/oauth/register",
		"revocation_endpoint":                   s.issuer + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      supportedScopes,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Error("oauth: failed to encode metadata", "err", err)
	}
}

type registerRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// handleRegister implements dynamic client registration. Registration is
// throttled per IP, redirect URIs must be loopback or HTTPS, and
// confidential clients receive a one-time secret stored only as a digest.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if ok, retry := s.regWindow.Allow(ip); !ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
		oauthError(w, http.StatusTooManyRequests, "invalid_client_metadata",
			"registration rate limit exceeded")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed request body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, raw := range req.RedirectURIs {
		if !validRedirectURI(raw) {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri",
				"redirect uris must be loopback or https")
			return
		}
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "none"
	}

	client := &store.OAuthClient{
		ID:            uuid.NewString(),
		Name:          req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    req.GrantTypes,
		ResponseTypes: req.ResponseTypes,
		AuthMethod:    req.TokenEndpointAuthMethod,
	}

	var secret string
	if req.TokenEndpointAuthMethod != "none" {
		var err error
		secret, err = crypto.MintToken(crypto.PrefixClientSecret)
		if err != nil {
			oauthError(w, http.StatusInternalServerError, "server_error", "secret generation failed")
			return
		}
		client.SecretHash.String = crypto.Digest(secret)
		client.SecretHash.Valid = true
	}

	if err := s.store.CreateOAuthClient(r.Context(), client); err != nil {
		slog.Error("oauth: client registration failed", "err", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	resp := map[string]any{
		"client_id":                  client.ID,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.AuthMethod,
		"client_id_issued_at":        client.CreatedAt.Unix(),
	}
	if secret != "" {
		resp["client_secret"] = secret
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("oauth: failed to encode registration response", "err", err)
	}
}

// validRedirectURI accepts loopback http and any https URI.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		return false
	}
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

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// oauthError writes an RFC 6749 error response body.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	}); err != nil {
		slog.Error("oauth: failed to encode error response", "err", err)
	}
}
