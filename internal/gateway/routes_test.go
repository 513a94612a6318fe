package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/engine"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/plugin"
	"github.com/phantom-sec/phantom/internal/session"
)

const testToken = "test-token-123"

// --- isAllowedConfigPath tests ---

func TestIsAllowedConfigPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		// Allowed paths
		{"gateway.port", true},
		{"gateway.bind", true},
		{"gateway.customBindHost", true},
		{"gateway.allowedOrigins", true},
		{"logging", true},
		{"logging.level", true},
		{"session.store", true},
		{"engine.capacity", true},
		{"engine.categoryCosts.exploit", true},
		{"plugins.disabled", true},
		{"reporter.bufferSize", true},
		// Blocked paths (not in allowlist)
		{"gateway.auth", false},
		{"gateway.auth.token", false},
		{"gateway.auth.password", false},
		{"gateway.portal", false},
		{"reporter.irc.password", false},
		{"cloud.digitalocean.token", false},
		{"plugins.paths", false},
		{"enginex", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, isAllowedConfigPath(tt.path))
		})
	}
}

func TestRunParamsRequest(t *testing.T) {
	req, err := RunParams{
		PluginID: "ping",
		Target:   "example.com",
		Options:  map[string]any{"count": 3},
		Timeout:  "1m30s",
	}.request()
	require.NoError(t, err)
	assert.Equal(t, "ping", req.PluginID)
	assert.Equal(t, 90*time.Second, req.Timeout)
	assert.Equal(t, 3, req.Options["count"])

	for _, p := range []RunParams{
		{Target: "x"},
		{PluginID: "ping"},
		{PluginID: "ping", Target: "x", Timeout: "soon"},
		{PluginID: "ping", Target: "x", Timeout: "-1s"},
	} {
		_, err := p.request()
		assert.ErrorIs(t, err, errInvalidParams, "%+v", p)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: x", errInvalidParams), http.StatusBadRequest, "invalid_params"},
		{errUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{&plugin.RegistryError{Kind: plugin.KindNotFound, ID: "x"}, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: x", session.ErrNotFound), http.StatusNotFound, "not_found"},
		{session.NewPersistError(session.KindCorruptData, "x", nil), http.StatusInternalServerError, "storage_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

// --- HTTP API tests ---

type apiFixture struct {
	srv      *Server
	ts       *httptest.Server
	reg      *plugin.Registry
	sessions *session.Manager
}

func newAPIFixture(t *testing.T, opts ...ServerOption) *apiFixture {
	t.Helper()
	log := logging.New(nil, "silent")

	reg := plugin.NewRegistry(log)
	_, err := reg.Register(plugin.NewMockLoader("ping", domain.CategoryRecon))
	require.NoError(t, err)
	_, err = reg.Register(plugin.NewMockLoader("fingerprint", domain.CategoryWeb))
	require.NoError(t, err)

	hm := hooks.NewManager(log, 0)
	eng := engine.New(engine.Config{}, reg, hm, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Close(ctx)
		hm.Close()
	})

	sessions := session.NewManager(session.NewFilePersister(t.TempDir(), log), log)

	cfg := config.Defaults()
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = testToken

	all := append([]ServerOption{WithPlugins(reg), WithRunner(eng), WithSessions(sessions)}, opts...)
	srv := New(cfg, log, all...)

	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiFixture{srv: srv, ts: ts, reg: reg, sessions: sessions}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = strings.NewReader(string(raw))
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error ErrorShape `json:"error"`
}

func TestAPIRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/plugins", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = f.do(t, "GET", "/api/plugins", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "unauthorized", body.Error.Code)

	resp = f.do(t, "POST", "/api/run", "", RunParams{PluginID: "ping", Target: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIAuthRateLimited(t *testing.T) {
	f := newAPIFixture(t)

	for range authMaxFailures {
		resp := f.do(t, "GET", "/api/plugins", "wrong", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := f.do(t, "GET", "/api/plugins", testToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAPIListPlugins(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/plugins", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Plugins []domain.PluginDescriptor `json:"plugins"`
	}](t, resp)
	require.Len(t, body.Plugins, 2)
	assert.Equal(t, "fingerprint", body.Plugins[0].ID)
	assert.Equal(t, "ping", body.Plugins[1].ID)

	resp = f.do(t, "GET", "/api/plugins?category=web", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[struct {
		Plugins []domain.PluginDescriptor `json:"plugins"`
	}](t, resp)
	require.Len(t, body.Plugins, 1)
	assert.Equal(t, "fingerprint", body.Plugins[0].ID)

	resp = f.do(t, "GET", "/api/plugins?category=forensics", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[struct {
		Plugins []domain.PluginDescriptor `json:"plugins"`
	}](t, resp)
	assert.NotNil(t, body.Plugins)
	assert.Empty(t, body.Plugins)

	resp = f.do(t, "GET", "/api/plugins?category=bogus", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIGetPlugin(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/plugins/ping", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeBody[domain.PluginDescriptor](t, resp)
	assert.Equal(t, "ping", d.ID)
	assert.Equal(t, domain.CategoryRecon, d.Category)

	resp = f.do(t, "GET", "/api/plugins/nope", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "not_found", body.Error.Code)
}

func TestAPIRunRecordsInSession(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/api/run", testToken, RunParams{PluginID: "ping", Target: "example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody[RunResponse](t, resp)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, domain.StatusSuccess, first.Result.Status)
	assert.Equal(t, "example.com", first.Result.Data["target"])

	// Runs without a session id share the gateway session.
	resp = f.do(t, "POST", "/api/run", testToken, RunParams{PluginID: "fingerprint", Target: "example.org"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[RunResponse](t, resp)
	assert.Equal(t, first.SessionID, second.SessionID)

	resp = f.do(t, "GET", "/api/sessions/"+first.SessionID, testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[session.Snapshot](t, resp)
	assert.Equal(t, gatewaySessionName, snap.Name)
	require.Len(t, snap.Results, 2)
	assert.Equal(t, "ping", snap.Results[0].PluginID)
	assert.Equal(t, "fingerprint", snap.Results[1].PluginID)

	// The session was persisted after each run.
	resp = f.do(t, "GET", "/api/sessions", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[struct {
		Sessions []session.Summary `json:"sessions"`
	}](t, resp)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, first.SessionID, list.Sessions[0].ID)
	assert.Equal(t, 2, list.Sessions[0].Entries)
}

func TestAPIRunExplicitSession(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create("engagement")

	resp := f.do(t, "POST", "/api/run", testToken, RunParams{
		PluginID:  "ping",
		Target:    "10.0.0.1",
		SessionID: sess.ID(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[RunResponse](t, resp)
	assert.Equal(t, sess.ID(), out.SessionID)
	assert.Equal(t, 1, sess.Len())

	resp = f.do(t, "POST", "/api/run", testToken, RunParams{
		PluginID:  "ping",
		Target:    "10.0.0.1",
		SessionID: "missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRunUnknownPluginIsAResult(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/api/run", testToken, RunParams{PluginID: "nope", Target: "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[RunResponse](t, resp)
	assert.Equal(t, domain.StatusFailed, out.Result.Status)
	require.NotNil(t, out.Result.Error)
	assert.Equal(t, domain.ErrUnknownPlugin, out.Result.Error.Kind)
}

func TestAPIRunBadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"missing target", RunParams{PluginID: "ping"}},
		{"missing plugin", RunParams{Target: "x"}},
		{"bad timeout", RunParams{PluginID: "ping", Target: "x", Timeout: "later"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, "POST", "/api/run", testToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.Equal(t, "invalid_params", body.Error.Code)
		})
	}
}

func TestAPIRunWithoutEngine(t *testing.T) {
	f := newAPIFixture(t, WithRunner(nil))

	resp := f.do(t, "POST", "/api/run", testToken, RunParams{PluginID: "ping", Target: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIGetSessionMissing(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/sessions/does-not-exist", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, ref := range []string{"../secrets", `..\secrets`, "snapshot.json"} {
		_, err := f.srv.lookupSession(ref)
		assert.ErrorIs(t, err, errInvalidParams, ref)
	}
}

func TestAPIWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Auth.Token = testToken
	srv := New(cfg, logging.New(nil, "silent"))
	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	req, _ := http.NewRequest("GET", ts.URL+"/api/plugins", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("GET", ts.URL+"/api/plugins/ping", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServerMethods(t *testing.T) {
	srv := New(config.Defaults(), logging.New(nil, "silent"))
	assert.ElementsMatch(t, []string{
		"health", "config.get", "config.set",
		"plugins.list", "plugins.get",
		"session.list", "session.get", "run", "events.subscribe",
	}, srv.Methods())
	assert.IsIncreasing(t, srv.Methods())
}
