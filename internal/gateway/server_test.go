package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/engine"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/plugin"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = testToken

	log := logging.New(nil, "silent")
	raw := map[string]any{
		"gateway": map[string]any{
			"port": 18790,
			"bind": "loopback",
		},
	}

	srv := New(cfg, log, WithConfigRaw(raw))

	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	// Public endpoint only returns status; no version, clients, or uptime
	assert.Empty(t, health.Version)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func connectRequest(token string) Frame {
	f, _ := NewRequest("auth-req", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client: ClientInfo{
			ID:       "test-client",
			Version:  "1.0.0",
			Platform: "linux",
			Mode:     "cli",
		},
		Auth: &ConnectAuth{Token: token},
	})
	return f
}

// rpc sends one request and reads the matching response.
func rpc(t *testing.T, conn *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	for {
		var resp Frame
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.Type == FrameTypeResponse && resp.ID == id {
			return resp
		}
	}
}

func TestWebSocketRPCHealth(t *testing.T) {
	conn := authenticatedConn(t)

	resp := rpc(t, conn, "req-2", "health", nil)
	assert.Equal(t, FrameTypeResponse, resp.Type)
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.NotEmpty(t, health.Version)
}

func TestWebSocketRPCConfigGet(t *testing.T) {
	conn := authenticatedConn(t)

	resp := rpc(t, conn, "req-3", "config.get", configGetParams{Key: "gateway.port"})
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "gateway.port", result["key"])
	assert.Equal(t, float64(18790), result["value"])
}

func TestWebSocketRPCConfigSet(t *testing.T) {
	conn := authenticatedConn(t)

	resp := rpc(t, conn, "req-4", "config.set", configSetParams{Key: "gateway.bind", Value: "lan"})
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	resp = rpc(t, conn, "req-5", "config.get", configGetParams{Key: "gateway.bind"})
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "lan", result["value"])
}

func TestWebSocketRPCConfigErrors(t *testing.T) {
	conn := authenticatedConn(t)

	tests := []struct {
		method string
		params any
		code   string
	}{
		{"config.get", configGetParams{Key: "gateway.auth.token"}, "forbidden"},
		{"config.set", configSetParams{Key: "reporter.irc.password", Value: "x"}, "forbidden"},
		{"config.get", configGetParams{}, "invalid_params"},
		{"config.set", configSetParams{}, "invalid_params"},
		{"config.get", configGetParams{Key: "logging.level"}, "not_found"},
		{"config.get", configGetParams{Key: "logging..level"}, "invalid_params"},
	}
	for i, tt := range tests {
		resp := rpc(t, conn, "cfg-"+string(rune('a'+i)), tt.method, tt.params)
		require.NotNil(t, resp.OK)
		assert.False(t, *resp.OK)
		require.NotNil(t, resp.Error)
		assert.Equal(t, tt.code, resp.Error.Code, "%s %+v", tt.method, tt.params)
	}
}

func TestWebSocketRPCUnknownMethod(t *testing.T) {
	conn := authenticatedConn(t)

	resp := rpc(t, conn, "req-6", "nonexistent.method", nil)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "method_not_found", resp.Error.Code)
}

func TestWebSocketRPCPluginsAndRun(t *testing.T) {
	f := newAPIFixture(t)
	conn := dialAuthenticated(t, f.ts.URL)

	resp := rpc(t, conn, "p1", "plugins.list", pluginsListParams{Category: "recon"})
	require.True(t, *resp.OK)
	var list struct {
		Plugins []domain.PluginDescriptor `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &list))
	require.Len(t, list.Plugins, 1)
	assert.Equal(t, "ping", list.Plugins[0].ID)

	resp = rpc(t, conn, "p2", "plugins.get", idParams{ID: "nope"})
	require.False(t, *resp.OK)
	assert.Equal(t, "not_found", resp.Error.Code)

	resp = rpc(t, conn, "r1", "run", RunParams{PluginID: "ping", Target: "example.com"})
	require.True(t, *resp.OK)
	var out RunResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.Equal(t, domain.StatusSuccess, out.Result.Status)

	resp = rpc(t, conn, "s1", "session.get", idParams{ID: out.SessionID})
	require.True(t, *resp.OK)
	var snap struct {
		ID      string            `json:"session_id"`
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &snap))
	assert.Equal(t, out.SessionID, snap.ID)
	assert.Len(t, snap.Results, 1)

	resp = rpc(t, conn, "s2", "session.list", nil)
	require.True(t, *resp.OK)

	resp = rpc(t, conn, "r2", "run", RunParams{PluginID: "ping"})
	require.False(t, *resp.OK)
	assert.Equal(t, "invalid_params", resp.Error.Code)
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0 // let OS pick a port
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = "test-token"

	log := logging.New(nil, "silent")
	srv := New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give it a moment to start
	time.Sleep(100 * time.Millisecond)

	// Stop it
	cancel()

	err := <-errCh
	assert.NoError(t, err)
}

func TestServeForwardsHookEvents(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Auth.Token = testToken

	log := logging.New(nil, "silent")
	hm := hooks.NewManager(log, 0)
	srv := New(cfg, log, WithHooks(hm))

	var lifecycle []string
	hm.On(hooks.EventGatewayStart, "test", func(_ context.Context, ev hooks.Event) error {
		lifecycle = append(lifecycle, ev.Event)
		return nil
	})
	hm.On(hooks.EventGatewayStop, "test", func(_ context.Context, ev hooks.Event) error {
		lifecycle = append(lifecycle, ev.Event)
		return nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	conn := dialAuthenticated(t, "http://"+ln.Addr().String())

	hm.Emit(context.Background(), hooks.Event{
		Event:    hooks.EventPluginCompleted,
		PluginID: "ping",
		Target:   "example.com",
		Detail:   map[string]any{"status": "success"},
	})

	var frame Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameTypeEvent, frame.Type)
	assert.Equal(t, hooks.EventPluginCompleted, frame.Event)
	assert.Positive(t, frame.Seq)

	var ev hooks.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &ev))
	assert.Equal(t, "ping", ev.PluginID)
	assert.Equal(t, "example.com", ev.Target)
	assert.Equal(t, "success", ev.Detail["status"])

	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{hooks.EventGatewayStart, hooks.EventGatewayStop}, lifecycle)
	assert.Zero(t, hm.Count(hooks.EventAll), "forwarder should be removed on shutdown")
}

// dialAuthenticated opens a websocket to baseURL and completes the handshake.
func dialAuthenticated(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	return dialWith(t, baseURL, connectRequest(testToken))
}

// dialWith opens a websocket to baseURL and sends connect as the handshake.
func dialWith(t *testing.T, baseURL string, connect Frame) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.NoError(t, conn.WriteJSON(connect))

	var helloResp Frame
	require.NoError(t, conn.ReadJSON(&helloResp))
	require.NotNil(t, helloResp.OK)
	require.True(t, *helloResp.OK, "handshake should succeed")

	t.Cleanup(func() { conn.Close() })
	return conn
}

// authenticatedConn returns a WebSocket connection that has completed the handshake.
func authenticatedConn(t *testing.T) *websocket.Conn {
	t.Helper()
	_, ts := testServer(t)
	return dialAuthenticated(t, ts.URL)
}

// serveWithHooks runs a gateway on a real listener with a hook manager.
func serveWithHooks(t *testing.T) (*hooks.Manager, string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Auth.Token = testToken

	log := logging.New(nil, "silent")
	hm := hooks.NewManager(log, 0)
	srv := New(cfg, log, WithHooks(hm))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return hm, "http://" + ln.Addr().String()
}

func readEvent(t *testing.T, conn *websocket.Conn) hooks.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var frame Frame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type != FrameTypeEvent {
			continue
		}
		var ev hooks.Event
		require.NoError(t, json.Unmarshal(frame.Payload, &ev))
		return ev
	}
}

func TestWebSocketSubscription(t *testing.T) {
	hm, base := serveWithHooks(t)

	connect, err := NewRequest("auth-req", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      ClientInfo{ID: "watcher", Version: "1.0.0", Mode: "ui"},
		Auth:        &ConnectAuth{Token: testToken},
		Subscribe:   &Subscription{Plugins: []string{"ping"}},
	})
	require.NoError(t, err)
	conn := dialWith(t, base, connect)

	emit := func(event, pluginID string) {
		hm.Emit(context.Background(), hooks.Event{Event: event, PluginID: pluginID, Target: "example.com"})
	}

	emit(hooks.EventPluginCompleted, "other")
	emit(hooks.EventPluginCompleted, "ping")
	ev := readEvent(t, conn)
	assert.Equal(t, "ping", ev.PluginID)

	resp := rpc(t, conn, "sub1", "events.subscribe", Subscription{Events: []string{hooks.EventPluginFailed}})
	require.True(t, *resp.OK)

	emit(hooks.EventPluginCompleted, "ping")
	emit(hooks.EventPluginFailed, "other")
	ev = readEvent(t, conn)
	assert.Equal(t, hooks.EventPluginFailed, ev.Event)
	assert.Equal(t, "other", ev.PluginID)

	resp = rpc(t, conn, "h", "health", nil)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &health))
	require.NotNil(t, health.Reporter)
	assert.Equal(t, []string{hooks.EventAll}, health.Reporter.Events)
	assert.Zero(t, health.Reporter.Dropped)

	resp = rpc(t, conn, "sub2", "events.subscribe", Subscription{Events: []string{"bogus"}})
	require.False(t, *resp.OK)
	assert.Equal(t, "invalid_params", resp.Error.Code)
}

func TestWebSocketRunsAreConcurrentAndCancelledOnDisconnect(t *testing.T) {
	f := newAPIFixture(t)

	started := make(chan struct{}, maxInFlight+1)
	slow := plugin.NewMockLoader("slow", domain.CategoryRecon)
	slow.Template.ExecuteFunc = func(ctx context.Context, target string, _ map[string]any) (map[string]any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := f.reg.Register(slow)
	require.NoError(t, err)

	conn := dialAuthenticated(t, f.ts.URL)

	resp := rpc(t, conn, "h0", "health", nil)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK)

	// One more than the per-connection limit; the last is turned away.
	for i := range maxInFlight + 1 {
		req, err := NewRequest(fmt.Sprintf("run-%d", i), "run", RunParams{PluginID: "slow", Target: fmt.Sprintf("h%d", i)})
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(req))
	}

	var busy Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for busy.Error == nil {
		require.NoError(t, conn.ReadJSON(&busy))
	}
	assert.Equal(t, "busy", busy.Error.Code)
	assert.True(t, busy.Error.Retryable)

	// Runs beyond the engine's capacity wait in admission but still hold
	// a connection slot.
	for range engine.DefaultCapacity {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("runs did not start")
		}
	}

	// With every slot taken the connection still answers, with busy for
	// any method.
	resp = rpc(t, conn, "h1", "health", nil)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "busy", resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, 1000, resp.Error.RetryAfter)

	conn.Close()

	require.Eventually(t, func() bool {
		return slow.Counters.Cleanup.Load() == engine.DefaultCapacity
	}, 5*time.Second, 10*time.Millisecond)

	f.srv.smu.Lock()
	sess := f.srv.session
	f.srv.smu.Unlock()
	require.NotNil(t, sess)
	require.Eventually(t, func() bool { return sess.Len() == maxInFlight }, 5*time.Second, 10*time.Millisecond)
	for r := range sess.Query(nil) {
		assert.Equal(t, domain.StatusCancelled, r.Status, r.Target)
	}
}
