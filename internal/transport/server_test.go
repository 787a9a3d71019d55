package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/audit"
	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/relay"
	"github.com/crossbus/crossbus/internal/session"
	"github.com/crossbus/crossbus/internal/store"
	"github.com/crossbus/crossbus/internal/transport"
)

type harness struct {
	ts    *httptest.Server
	store *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "crossbus-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	st, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := transport.NewServer(transport.Config{
		Store:     st,
		Validator: auth.NewValidator(st, nil),
		Dispatch:  dispatch.New(st),
		Relay:     relay.New(st, nil, nil, nil),
		Sessions:  session.New(st),
		Audit:     audit.NewRecorder(st),
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, store: st}
}

// mintKey inserts an API key record and returns the raw credential.
func (h *harness) mintKey(t *testing.T, tenantID, programID, tier string, caps ...string) string {
	t.Helper()
	raw, err := crypto.MintToken(crypto.PrefixAPIKey)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if err := h.store.CreateAPIKey(context.Background(), &store.APIKey{
		KeyHash:      crypto.Digest(raw),
		TenantID:     tenantID,
		ProgramID:    programID,
		Capabilities: caps,
		RateTier:     tier,
	}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return raw
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		TraceID string `json:"traceId"`
	} `json:"meta"`
}

func (h *harness) do(t *testing.T, method, path, key, body string, hdr map[string]string) (*http.Response, envelope) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := h.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp, env
}

// TestHealthAndStatus verifies the unauthenticated surface answers in the
// standard envelope.
func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)

	resp, env := h.do(t, http.MethodGet, "/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("healthz = %d success=%v", resp.StatusCode, env.Success)
	}

	resp, env = h.do(t, http.MethodGet, "/v1/status", "", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("status = %d success=%v", resp.StatusCode, env.Success)
	}
	var data struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Version == "" {
		t.Errorf("status data = %s", env.Data)
	}
}

// TestUnauthenticated verifies missing and unknown credentials map to 401
// with the unauthenticated code.
func TestUnauthenticated(t *testing.T) {
	h := newHarness(t)

	for _, key := range []string{"", "cb_never-minted", "garbage"} {
		resp, env := h.do(t, http.MethodGet, "/v1/tasks", key, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, resp.StatusCode)
		}
		if env.Success || env.Error == nil || env.Error.Code != "unauthenticated" {
			t.Errorf("key %q: envelope = %+v", key, env)
		}
	}
}

// TestCreateTaskEnvelope exercises an authenticated write: envelope shape,
// trace id echo, and the stored task.
func TestCreateTaskEnvelope(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "unlimited")

	resp, env := h.do(t, http.MethodPost, "/v1/tasks", key,
		`{"title":"deploy the relay","type":"task","priority":"high"}`,
		map[string]string{"X-Trace-ID": "trace-42"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %+v", resp.StatusCode, env.Error)
	}
	if !env.Success || env.Meta.TraceID != "trace-42" {
		t.Errorf("envelope = %+v", env)
	}
	if got := resp.Header.Get("X-Trace-ID"); got != "trace-42" {
		t.Errorf("X-Trace-ID header = %q", got)
	}

	var task struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Status   string `json:"status"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(env.Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Title != "deploy the relay" || task.Status != "created" || task.Priority != "high" {
		t.Errorf("task = %+v", task)
	}
}

// TestSchemaValidation verifies malformed bodies are rejected before the
// handler runs.
func TestSchemaValidation(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "unlimited")

	cases := []struct {
		name string
		body string
	}{
		{"missing title", `{"type":"task"}`},
		{"unknown field", `{"title":"x","surprise":true}`},
		{"bad enum", `{"title":"x","priority":"extreme"}`},
		{"not json", `nonsense`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := h.do(t, http.MethodPost, "/v1/tasks", key, tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if env.Error == nil || env.Error.Code != "invalid_argument" {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
}

// TestCapabilityDenied verifies a builder-class key cannot reach key
// management.
func TestCapabilityDenied(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "builder", "standard")

	resp, env := h.do(t, http.MethodPost, "/v1/keys", key, `{"programId":"builder"}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "permission_denied" {
		t.Errorf("envelope = %+v", env)
	}
}

// TestErrorMapping covers not-found and conflict translations.
func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "unlimited")

	resp, env := h.do(t, http.MethodGet, "/v1/tasks/ghost", key, "", nil)
	if resp.StatusCode != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Errorf("unknown task: %d %+v", resp.StatusCode, env.Error)
	}

	_, created := h.do(t, http.MethodPost, "/v1/tasks", key, `{"title":"contended"}`, nil)
	var task struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(created.Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	if resp, _ := h.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", key,
		`{"sessionId":"builder.one"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first claim status = %d", resp.StatusCode)
	}
	resp, env = h.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", key,
		`{"sessionId":"builder.two"}`, nil)
	if resp.StatusCode != http.StatusConflict || env.Error.Code != "conflict" {
		t.Errorf("second claim: %d %+v", resp.StatusCode, env.Error)
	}
}

// TestRateLimitHeaders verifies the advertised limit headers and the 429 once
// a low-tier bucket fills.
func TestRateLimitHeaders(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "low")

	resp, _ := h.do(t, http.MethodGet, "/v1/tasks", key, "", nil)
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "20" {
		t.Errorf("X-RateLimit-Limit = %q, want 20", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "19" {
		t.Errorf("X-RateLimit-Remaining = %q, want 19", got)
	}

	for i := 0; i < 19; i++ {
		h.do(t, http.MethodGet, "/v1/tasks", key, "", nil)
	}
	resp, env := h.do(t, http.MethodGet, "/v1/tasks", key, "", nil)
	if resp.StatusCode != http.StatusTooManyRequests || env.Error.Code != "rate_limited" {
		t.Errorf("over limit: %d %+v", resp.StatusCode, env.Error)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
}

// TestComplianceHeader verifies calls carrying a session id surface the
// compliance state and a derezed session is rejected with 410.
func TestComplianceHeader(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "unlimited")
	hdr := map[string]string{transport.SessionHeader: "builder.fresh"}

	resp, _ := h.do(t, http.MethodGet, "/v1/tasks", key, "", hdr)
	if got := resp.Header.Get("X-Compliance-State"); got != session.StatePendingBoot {
		t.Errorf("X-Compliance-State = %q, want PENDING_BOOT", got)
	}

	if resp, env := h.do(t, http.MethodPost, "/v1/admin/sessions/builder.fresh/derez",
		key, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("derez: %d %+v", resp.StatusCode, env.Error)
	}

	resp, env := h.do(t, http.MethodGet, "/v1/tasks", key, "", hdr)
	if resp.StatusCode != http.StatusGone || env.Error.Code != "session_terminated" {
		t.Errorf("derezed call: %d %+v", resp.StatusCode, env.Error)
	}
}

// TestBodyLimit verifies oversized bodies are rejected.
func TestBodyLimit(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "unlimited")

	big := `{"title":"` + strings.Repeat("x", transport.MaxBodyBytes) + `"}`
	resp, env := h.do(t, http.MethodPost, "/v1/tasks", key, big, nil)
	if resp.StatusCode != http.StatusBadRequest || env.Error.Code != "invalid_argument" {
		t.Errorf("oversized body: %d %+v", resp.StatusCode, env.Error)
	}
}

// TestCLIAuthBootstrap walks the browser round-trip: start, approve with an
// admin key, poll once for the deposited key, second poll 404.
func TestCLIAuthBootstrap(t *testing.T) {
	h := newHarness(t)
	adminKey := h.mintKey(t, "acme", "orchestrator", "unlimited")

	_, started := h.do(t, http.MethodPost, "/v1/cli/auth", "", "", nil)
	var boot struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(started.Data, &boot); err != nil || boot.Token == "" {
		t.Fatalf("start data = %s", started.Data)
	}

	// Pending until approved.
	_, pending := h.do(t, http.MethodGet, "/v1/cli/auth/"+boot.Token, "", "", nil)
	var pollView struct {
		Status string `json:"status"`
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(pending.Data, &pollView); err != nil || pollView.Status != "pending" {
		t.Fatalf("pending poll = %s", pending.Data)
	}

	if resp, env := h.do(t, http.MethodPost, "/v1/cli/auth/approve", adminKey,
		`{"token":"`+boot.Token+`","programId":"builder"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %+v", resp.StatusCode, env.Error)
	}

	_, approved := h.do(t, http.MethodGet, "/v1/cli/auth/"+boot.Token, "", "", nil)
	if err := json.Unmarshal(approved.Data, &pollView); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if pollView.Status != "approved" || !strings.HasPrefix(pollView.APIKey, crypto.PrefixAPIKey) {
		t.Fatalf("approved poll = %s", approved.Data)
	}

	// The deposited key authenticates.
	if resp, env := h.do(t, http.MethodGet, "/v1/tasks", pollView.APIKey, "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("minted key rejected: %d %+v", resp.StatusCode, env.Error)
	}

	// Exactly one poll wins.
	resp, env := h.do(t, http.MethodGet, "/v1/cli/auth/"+boot.Token, "", "", nil)
	if resp.StatusCode != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Errorf("second poll: %d %+v", resp.StatusCode, env.Error)
	}
}

// TestQuestionResponse polls a question task before and after its answer
// lands, and rejects reading a plain task through the question endpoint.
func TestQuestionResponse(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "orchestrator", "unlimited")

	_, created := h.do(t, http.MethodPost, "/v1/tasks", key,
		`{"title":"which region?","type":"question"}`, nil)
	var q struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(created.Data, &q); err != nil {
		t.Fatalf("decode question: %v", err)
	}

	_, env := h.do(t, http.MethodGet, "/v1/questions/"+q.ID+"/response", key, "", nil)
	var view struct {
		Status   string `json:"status"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil || view.Status != "waiting" {
		t.Fatalf("unanswered poll = %s", env.Data)
	}

	h.do(t, http.MethodPost, "/v1/tasks/"+q.ID+"/claim", key, `{"sessionId":"builder.answers"}`, nil)
	if resp, env := h.do(t, http.MethodPost, "/v1/tasks/"+q.ID+"/complete", key,
		`{"outcome":"SUCCESS","result":"eu-west-1"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %+v", resp.StatusCode, env.Error)
	}

	_, env = h.do(t, http.MethodGet, "/v1/questions/"+q.ID+"/response", key, "", nil)
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Status != "answered" || view.Response != "eu-west-1" {
		t.Errorf("answered poll = %s", env.Data)
	}

	_, plain := h.do(t, http.MethodPost, "/v1/tasks", key, `{"title":"not a question"}`, nil)
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(plain.Data, &p); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	resp, env := h.do(t, http.MethodGet, "/v1/questions/"+p.ID+"/response", key, "", nil)
	if resp.StatusCode != http.StatusBadRequest || env.Error.Code != "invalid_argument" {
		t.Errorf("plain task through question endpoint: %d %+v", resp.StatusCode, env.Error)
	}
}

// TestSessionLifecycleOverHTTP creates a session, pulses it with a context
// sample, and reads it back with its compliance state.
func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	key := h.mintKey(t, "acme", "builder", "standard")

	resp, env := h.do(t, http.MethodPost, "/v1/sessions", key,
		`{"sessionId":"builder.checkout","name":"checkout flow"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create session: %d %+v", resp.StatusCode, env.Error)
	}

	resp, env = h.do(t, http.MethodPost, "/v1/sessions/builder.checkout/pulse", key,
		`{"contextBytes":100000}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pulse: %d %+v", resp.StatusCode, env.Error)
	}

	_, got := h.do(t, http.MethodGet, "/v1/sessions/builder.checkout", key, "", nil)
	var view struct {
		Session struct {
			ID             string  `json:"id"`
			Status         string  `json:"status"`
			ContextPercent float64 `json:"contextPercent"`
		} `json:"session"`
		ComplianceState string `json:"complianceState"`
	}
	if err := json.Unmarshal(got.Data, &view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if view.Session.Status != "active" || view.Session.ContextPercent != 50 {
		t.Errorf("session view = %+v", view.Session)
	}
	if view.ComplianceState != session.StatePendingBoot {
		t.Errorf("complianceState = %q, want PENDING_BOOT", view.ComplianceState)
	}
}
