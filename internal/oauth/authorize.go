package oauth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/store"
)

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>Authorize {{.ClientName}}</title>
	<style>
		body { font-family: sans-serif; max-width: 28rem; margin: 4rem auto; }
		.scope { background: #f4f4f4; padding: 0.25rem 0.5rem; margin: 0.25rem 0; }
		button { padding: 0.5rem 1.5rem; margin-right: 0.5rem; }
	</style>
</head>
<body>
	<h1>Authorization request</h1>
	<p><strong>{{.ClientName}}</strong> is requesting access with the following scopes:</p>
	{{range .Scopes}}<div class="scope">{{.}}</div>{{end}}
	<form method="POST" action="/oauth/consent">
		<input type="hidden" name="pending_id" value="{{.PendingID}}">
		<p>
			<label for="identity_token">Identity token</label><br>
			<input type="password" id="identity_token" name="identity_token" size="40">
		</p>
		<button type="submit" name="decision" value="allow">Allow</button>
		<button type="submit" name="decision" value="deny">Deny</button>
	</form>
</body>
</html>
`))

// handleAuthorize validates the authorization request, persists a pending
// record, and renders the consent page. Validation failures that cannot be
// safely redirected (unknown client, bad redirect URI, missing state) are
// answered directly and never create a pending record.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	client, err := s.store.GetOAuthClient(r.Context(), q.Get("client_id"))
	if err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			oauthError(w, http.StatusBadRequest, "invalid_request", "unknown client")
			return
		}
		slog.Error("oauth: client lookup failed", "err", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "client lookup failed")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered")
		return
	}

	// state is mandatory; without it the client cannot correlate the
	// response, so the error is answered directly.
	state := q.Get("state")
	if state == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state is required")
		return
	}

	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type")
		return
	}
	if q.Get("code_challenge_method") != "S256" {
		redirectError(w, r, redirectURI, state, "invalid_request")
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" {
		redirectError(w, r, redirectURI, state, "invalid_request")
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = "mcp:full"
	}

	now := time.Now().UTC()
	pending := &store.PendingAuth{
		ID:              uuid.NewString(),
		ClientID:        client.ID,
		RedirectURI:     redirectURI,
		Challenge:       challenge,
		ChallengeMethod: "S256",
		State:           state,
		Scope:           scope,
		CreatedAt:       now,
		ExpiresAt:       now.Add(PendingAuthTTL),
	}
	if err := s.store.CreatePendingAuth(r.Context(), pending); err != nil {
		slog.Error("oauth: failed to create pending authorization", "err", err)
		redirectError(w, r, redirectURI, state, "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err = consentTemplate.Execute(w, map[string]any{
		"ClientName": clientDisplayName(client),
		"Scopes":     strings.Fields(scope),
		"PendingID":  pending.ID,
	})
	if err != nil {
		slog.Error("oauth: failed to render consent page", "err", err)
	}
}

// handleConsent finishes the flow: on deny it redirects with access_denied;
// on allow it verifies the identity token, atomically converts the pending
// record into a single-use code, and redirects with code and state.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	pending, err := s.store.GetPendingAuth(r.Context(), r.PostFormValue("pending_id"))
	if err != nil {
		if errors.Is(err, store.ErrPendingNotFound) || errors.Is(err, store.ErrPendingExpired) {
			oauthError(w, http.StatusBadRequest, "invalid_request", "authorization expired or unknown")
			return
		}
		slog.Error("oauth: pending lookup failed", "err", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "authorization lookup failed")
		return
	}

	if r.PostFormValue("decision") != "allow" {
		redirectError(w, r, pending.RedirectURI, pending.State, "access_denied")
		return
	}

	if s.identity == nil {
		redirectError(w, r, pending.RedirectURI, pending.State, "access_denied")
		return
	}
	subject, err := s.identity.Verify(r.Context(), r.PostFormValue("identity_token"))
	if err != nil {
		redirectError(w, r, pending.RedirectURI, pending.State, "access_denied")
		return
	}

	rawCode, err := crypto.MintToken("")
	if err != nil {
		redirectError(w, r, pending.RedirectURI, pending.State, "server_error")
		return
	}

	now := time.Now().UTC()
	code := &store.AuthCode{
		CodeHash:        crypto.Digest(rawCode),
		ClientID:        pending.ClientID,
		UserID:          subject,
		RedirectURI:     pending.RedirectURI,
		Challenge:       pending.Challenge,
		ChallengeMethod: pending.ChallengeMethod,
		State:           pending.State,
		Scope:           pending.Scope,
		CreatedAt:       now,
		ExpiresAt:       now.Add(AuthCodeTTL),
	}
	if err := s.store.MintAuthCode(r.Context(), pending.ID, code); err != nil {
		if errors.Is(err, store.ErrPendingNotFound) {
			// A concurrent consent already converted this pending record.
			oauthError(w, http.StatusBadRequest, "invalid_request", "authorization already used")
			return
		}
		slog.Error("oauth: failed to mint authorization code", "err", err)
		redirectError(w, r, pending.RedirectURI, pending.State, "server_error")
		return
	}

	dest, err := url.Parse(pending.RedirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "bad redirect uri")
		return
	}
	vals := dest.Query()
	vals.Set("code", rawCode)
	vals.Set("state", pending.State)
	dest.RawQuery = vals.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// redirectError sends an error back to the client's redirect URI with the
// original state, per RFC 6749 §4.1.2.1.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code string) {
	dest, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "bad redirect uri")
		return
	}
	vals := dest.Query()
	vals.Set("error", code)
	vals.Set("state", state)
	dest.RawQuery = vals.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

func clientDisplayName(c *store.OAuthClient) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
