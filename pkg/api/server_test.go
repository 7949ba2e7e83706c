package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dd0wney/cluso-portal/pkg/audit"
	"github.com/dd0wney/cluso-portal/pkg/auth"
	"github.com/dd0wney/cluso-portal/pkg/config"
	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

type upstream struct {
	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	status  int
	reply   string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	u.mu.Lock()
	u.bodies = append(u.bodies, body)
	u.headers = append(u.headers, r.Header.Clone())
	status, reply := u.status, u.reply
	u.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

type portal struct {
	server   *Server
	srv      *httptest.Server
	upstream *upstream
	cfg      *config.Config
}

func testConfig(t *testing.T, workflowURL string) *config.Config {
	t.Helper()
	hash, err := auth.HashPasswordCost("secret", bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Crypto.Passphrase = "api-test-passphrase"
	cfg.Crypto.HMACSecret = "api-test-hmac-secret"
	cfg.Crypto.RequireSignature = true
	cfg.Auth.JWTSecret = "api-test-jwt-secret-that-is-long-enough"
	cfg.Auth.Users = []config.User{
		{Username: "alice", PasswordHash: hash, Roles: []string{"viewer"}},
		{Username: "carol", PasswordHash: hash, Roles: []string{"viewer", config.DefaultAuditRole}},
	}
	cfg.Workflow.URL = workflowURL
	return cfg
}

func newPortal(t *testing.T, mutate func(*config.Config)) *portal {
	t.Helper()
	up := &upstream{reply: `{"dataresponse":{"ok":true}}`}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	cfg := testConfig(t, upSrv.URL)
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &portal{server: s, srv: srv, upstream: up, cfg: cfg}
}

func (p *portal) client(tokens transport.TokenStore) *transport.Client {
	opts := []transport.ClientOption{transport.WithBaseURL(p.srv.URL)}
	if tokens != nil {
		opts = append(opts, transport.WithTokenStore(tokens))
	}
	return NewClient(p.cfg, opts...)
}

func (p *portal) login(t *testing.T) string {
	t.Helper()
	return p.loginAs(t, "alice")
}

func (p *portal) loginAs(t *testing.T, username string) string {
	t.Helper()
	c := p.client(nil)
	got := c.Submit(context.Background(), RouteLogin, map[string]any{"username": username, "password": "secret"})
	require.NoError(t, c.State().Snapshot().Error)
	session, ok := got.(map[string]any)
	require.True(t, ok, "unexpected login reply %#v", got)
	token, _ := session["token"].(string)
	require.NotEmpty(t, token)
	return token
}

// workflowBody seals fields into bo[0].input.fields.
func workflowBody(t *testing.T, b *envelope.Builder, fields any) map[string]any {
	t.Helper()
	env, err := b.Create(fields)
	require.NoError(t, err)
	return map[string]any{
		"service": "orders",
		"bo":      []any{map[string]any{"input": map[string]any{"fields": env}}},
	}
}

func TestLogin_EndToEnd(t *testing.T) {
	p := newPortal(t, nil)

	token := p.login(t)

	claims, err := p.server.Sessions().Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"viewer"}, claims.Roles)
}

func TestLogin_ResponseIsSealed(t *testing.T) {
	p := newPortal(t, nil)

	env, err := p.server.Builder().Create(map[string]any{"username": "alice", "password": "secret"})
	require.NoError(t, err)
	raw, _ := json.Marshal(env)

	req, _ := http.NewRequest(http.MethodPost, p.srv.URL+RouteLogin, bytes.NewReader(raw))
	req.Header.Set(transport.HeaderEncryptedRequest, "true")
	req.Header.Set(transport.HeaderContentType, transport.ContentTypeJSON)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "true", resp.Header.Get(transport.HeaderEncryptedResponse))
	assert.True(t, envelope.IsEnvelopeJSON(body))
	assert.NotContains(t, string(body), "token")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	// the same envelope cannot be used twice
	req2, _ := http.NewRequest(http.MethodPost, p.srv.URL+RouteLogin, bytes.NewReader(raw))
	req2.Header.Set(transport.HeaderEncryptedRequest, "true")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()

	var e transport.ErrorResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&e))
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, envelope.ErrRequestReplayed.Error(), e.Message)
}

func TestLogin_Refused(t *testing.T) {
	tests := []struct {
		name       string
		payload    any
		wantStatus int
		wantMsg    string
	}{
		{"wrong password", map[string]any{"username": "alice", "password": "nope"}, http.StatusUnauthorized, msgInvalidCredentials},
		{"unknown user", map[string]any{"username": "bob", "password": "secret"}, http.StatusUnauthorized, msgInvalidCredentials},
		{"missing password", map[string]any{"username": "alice"}, http.StatusBadRequest, "Password: field is required"},
		{"not an object", "alice:secret", http.StatusBadRequest, msgInvalidLogin},
	}

	p := newPortal(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := p.client(nil)
			assert.Nil(t, c.Submit(context.Background(), RouteLogin, tt.payload))

			snap := c.State().Snapshot()
			require.Error(t, snap.Error)
			assert.Equal(t, tt.wantMsg, snap.Error.Error())
			assert.Equal(t, tt.wantStatus, snap.Status)
		})
	}
}

func TestLogin_UnsignedRefused(t *testing.T) {
	p := newPortal(t, nil)

	unsigned := p.cfg.Crypto
	unsigned.HMACSecret = ""
	c := transport.NewClient(NewBuilder(unsigned), transport.WithBaseURL(p.srv.URL))

	assert.Nil(t, c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice", "password": "secret"}))
	assert.Equal(t, transport.MsgSignatureMissing, c.State().Snapshot().Error.Error())
}

func TestLogin_RateLimited(t *testing.T) {
	p := newPortal(t, func(c *config.Config) {
		c.Auth.LoginRPS = 0.01
		c.Auth.LoginBurst = 1
	})

	c := p.client(nil)
	c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, c.State().Snapshot().Status)

	c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice", "password": "secret"})
	snap := c.State().Snapshot()
	assert.Equal(t, http.StatusTooManyRequests, snap.Status)
	assert.EqualError(t, snap.Error, "Too many requests")
}

func TestWorkflow_EndToEnd(t *testing.T) {
	p := newPortal(t, nil)
	tokens := &transport.MemoryTokenStore{}
	tokens.Set(p.login(t))

	c := p.client(tokens)
	body := workflowBody(t, NewBuilder(p.cfg.Crypto), map[string]any{"orderId": "A-1"})
	got := c.Submit(context.Background(), RouteWorkflow, body, transport.WithEncryption(false))

	require.NoError(t, c.State().Snapshot().Error)
	// sealed replies are returned as decrypted, without unwrapping
	assert.Equal(t, map[string]any{"dataresponse": map[string]any{"ok": true}}, got)

	require.Len(t, p.upstream.bodies, 1)
	forwarded := p.upstream.bodies[0]
	assert.Equal(t, "orders", forwarded["service"])
	fields := forwarded["bo"].([]any)[0].(map[string]any)["input"].(map[string]any)["fields"]
	assert.Equal(t, map[string]any{"orderId": "A-1"}, fields)

	hdr := p.upstream.headers[0]
	assert.Equal(t, "alice", hdr.Get(HeaderPortalUser))
	assert.NotEmpty(t, hdr.Get("X-Request-ID"))
}

func TestWorkflow_Failures(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		status     int
		reply      string
		token      bool
		wantStatus int
		wantMsg    string
	}{
		{"no session", nil, 0, "", false, http.StatusUnauthorized, "Authentication required"},
		{"upstream client error", nil, http.StatusUnprocessableEntity, `{"message":"orderId is unknown"}`, true, http.StatusUnprocessableEntity, "orderId is unknown"},
		{"upstream server error", nil, http.StatusInternalServerError, `{"message":"stack trace here"}`, true, http.StatusBadGateway, msgWorkflowUnavailable},
		{"upstream non json", nil, http.StatusOK, `<html>`, true, http.StatusBadGateway, msgWorkflowUnavailable},
		{"not configured", func(c *config.Config) { c.Workflow.URL = "" }, 0, "", true, http.StatusServiceUnavailable, "Workflow service not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPortal(t, tt.mutate)
			p.upstream.status = tt.status
			if tt.reply != "" {
				p.upstream.reply = tt.reply
			}

			tokens := &transport.MemoryTokenStore{}
			if tt.token {
				tokens.Set(p.login(t))
			}

			c := p.client(tokens)
			body := workflowBody(t, NewBuilder(p.cfg.Crypto), map[string]any{"orderId": "A-1"})
			assert.Nil(t, c.Submit(context.Background(), RouteWorkflow, body, transport.WithEncryption(false)))

			snap := c.State().Snapshot()
			require.Error(t, snap.Error)
			assert.Equal(t, tt.wantStatus, snap.Status)
			assert.Equal(t, tt.wantMsg, snap.Error.Error())
			assert.NotContains(t, snap.Error.Error(), "stack trace")
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	p := newPortal(t, nil)
	p.login(t)

	get := func(path string) (int, string) {
		resp, err := http.Get(p.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	status, body := get(RouteHealth)
	assert.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"status":"healthy"`)

	status, _ = get(RouteHealthReady)
	assert.Equal(t, http.StatusOK, status)
	status, _ = get(RouteHealthLive)
	assert.Equal(t, http.StatusOK, status)

	p.server.SetDraining(true)
	status, body = get(RouteHealthReady)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body, "Draining")
	p.server.SetDraining(false)

	status, body = get(RouteMetrics)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `portal_auth_login_attempts_total{result="success"} 1`)
	assert.Contains(t, body, `portal_envelope_requests_total{encrypted="true",route="/api/auth/login"} 1`)
}

func TestHealth_DevSecretsDegrade(t *testing.T) {
	p := newPortal(t, func(c *config.Config) {
		c.DevFallbacks = []string{"crypto.passphrase"}
	})

	resp, err := http.Get(p.srv.URL + RouteHealth)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `"status":"degraded"`)
}

func TestRouting(t *testing.T) {
	p := newPortal(t, nil)

	resp, err := http.Get(p.srv.URL + RouteLogin)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(p.srv.URL+RouteLogin, transport.ContentTypeJSON, strings.NewReader(strings.Repeat("x", int(p.cfg.HTTP.BodyLimit)+1)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodOptions, p.srv.URL+RouteWorkflow, nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNewServer_Invalid(t *testing.T) {
	_, err := NewServer(nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg := testConfig(t, "")
	cfg.Auth.JWTSecret = "short"
	_, err = NewServer(cfg)
	assert.ErrorIs(t, err, auth.ErrShortSecret)

	cfg = testConfig(t, "")
	cfg.Auth.Users = append(cfg.Auth.Users, cfg.Auth.Users[0])
	_, err = NewServer(cfg)
	assert.ErrorIs(t, err, auth.ErrDuplicateUser)
}

func TestSession_Expiry(t *testing.T) {
	p := newPortal(t, nil)
	token := p.login(t)

	p.server.Sessions().SetClock(func() time.Time { return time.Now().Add(2 * p.cfg.Auth.TokenTTL) })

	tokens := &transport.MemoryTokenStore{}
	tokens.Set(token)
	c := p.client(tokens)
	c.Submit(context.Background(), RouteWorkflow, map[string]any{"bo": []any{}}, transport.WithEncryption(false))

	assert.Equal(t, http.StatusUnauthorized, c.State().Snapshot().Status)
	assert.Equal(t, "Invalid or expired session", c.State().Snapshot().Error.Error())
}

func (p *portal) getAudit(t *testing.T, token, query string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, p.srv.URL+RouteAudit+query, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestAuditTrail(t *testing.T) {
	p := newPortal(t, nil)

	c := p.client(nil)
	c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice", "password": "wrong"})
	alice := p.login(t)

	tokens := &transport.MemoryTokenStore{}
	tokens.Set(alice)
	wc := p.client(tokens)
	wc.Submit(context.Background(), RouteWorkflow, workflowBody(t, NewBuilder(p.cfg.Crypto), map[string]any{"orderId": "A-1"}), transport.WithEncryption(false))
	require.NoError(t, wc.State().Snapshot().Error)

	resp, _ := p.getAudit(t, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = p.getAudit(t, alice, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	carol := p.loginAs(t, "carol")
	resp, body := p.getAudit(t, carol, "?username=alice")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var got struct {
		Events []struct {
			Username string            `json:"username"`
			Action   string            `json:"action"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		} `json:"events"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, 3, got.Count)
	assert.Equal(t, "failure", got.Events[0].Status)
	assert.Equal(t, "login", got.Events[1].Action)
	assert.Equal(t, "success", got.Events[1].Status)
	assert.Equal(t, "workflow", got.Events[2].Action)
	assert.Equal(t, "orders", got.Events[2].Metadata["service"])

	resp, body = p.getAudit(t, carol, "?format=csv&action=login&limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "carol")

	for _, q := range []string{"?format=xml", "?limit=0", "?since=yesterday"} {
		resp, _ = p.getAudit(t, carol, q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestAuditTrail_RateLimited(t *testing.T) {
	p := newPortal(t, func(c *config.Config) {
		c.Auth.LoginRPS = 0.01
		c.Auth.LoginBurst = 1
	})

	c := p.client(nil)
	c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice", "password": "nope"})
	c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice", "password": "nope"})

	events := p.server.Audit().Events(&audit.Filter{Action: audit.ActionRateLimited}, 0)
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusDenied, events[0].Status)
	assert.Equal(t, "127.0.0.1", events[0].IPAddress)
	assert.NotEmpty(t, events[0].RequestID)
}

func TestNewClient_ConfigTimeout(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Client.Timeout = 50 * time.Millisecond

	assert.Equal(t, 50*time.Millisecond, NewClient(cfg).Timeout())
	assert.Equal(t, time.Second, NewClient(cfg, transport.WithDefaultTimeout(time.Second)).Timeout())

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	c := NewClient(cfg, transport.WithBaseURL(slow.URL))
	assert.Nil(t, c.Submit(context.Background(), RouteLogin, map[string]any{"username": "alice"}))
	require.Error(t, c.State().Snapshot().Error)
	assert.Equal(t, "Request timeout", c.State().Snapshot().Error.Error())
}
