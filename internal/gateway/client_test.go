package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
)

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func TestHubAddRemove(t *testing.T) {
	h := newHub(testLog())
	assert.Zero(t, h.count())

	h.add(&Client{ConnID: "a", Info: ClientInfo{ID: "cli"}})
	h.add(&Client{ConnID: "b"})
	h.add(&Client{ConnID: "a"}) // same id replaces
	assert.Equal(t, 2, h.count())

	h.remove("a")
	h.remove("missing")
	assert.Equal(t, 1, h.count())
}

func TestHubCloseAll(t *testing.T) {
	h := newHub(testLog())
	h.add(&Client{ConnID: "a", closed: true})
	h.add(&Client{ConnID: "b", closed: true})

	h.closeAll()
	assert.Zero(t, h.count())
	assert.Zero(t, h.publish(hooks.Event{Event: hooks.EventPluginCompleted}, 1))
}

func TestSubscriptionMatches(t *testing.T) {
	completed := hooks.Event{Event: hooks.EventPluginCompleted, PluginID: "ping", Target: "a.example"}
	started := hooks.Event{Event: hooks.EventGatewayStart}

	tests := []struct {
		name string
		sub  Subscription
		ev   hooks.Event
		want bool
	}{
		{"empty matches all", Subscription{}, completed, true},
		{"event listed", Subscription{Events: []string{hooks.EventPluginCompleted}}, completed, true},
		{"event not listed", Subscription{Events: []string{hooks.EventPluginFailed}}, completed, false},
		{"wildcard event", Subscription{Events: []string{hooks.EventAll}}, completed, true},
		{"plugin listed", Subscription{Plugins: []string{"ping", "whois"}}, completed, true},
		{"plugin not listed", Subscription{Plugins: []string{"whois"}}, completed, false},
		{"target listed", Subscription{Targets: []string{"a.example"}}, completed, true},
		{"target not listed", Subscription{Targets: []string{"b.example"}}, completed, false},
		{"plugin filter ignores lifecycle events", Subscription{Plugins: []string{"whois"}}, started, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}

func TestSubscriptionValidate(t *testing.T) {
	assert.NoError(t, Subscription{}.validate())
	assert.NoError(t, Subscription{Events: []string{hooks.EventAll, hooks.EventSessionSaved}}.validate())
	assert.ErrorContains(t, Subscription{Events: []string{"plugin_exploded"}}.validate(), "plugin_exploded")
}

// wsPair returns a server-side Client and the dialing peer's connection.
func wsPair(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var up websocket.Upgrader
		if c, err := up.Upgrade(w, r, nil); err == nil {
			accepted <- c
		}
	}))
	t.Cleanup(ts.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	c := NewClient(context.Background(), <-accepted, ClientInfo{ID: "peer"}, AuthResult{OK: true, Method: "token"})
	t.Cleanup(func() { c.Close() })
	return c, peer
}

func readEventFrame(t *testing.T, conn *websocket.Conn) (Frame, hooks.Event) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	var ev hooks.Event
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	return f, ev
}

func TestHubPublish(t *testing.T) {
	h := newHub(testLog())

	all, allPeer := wsPair(t)
	pingOnly, pingPeer := wsPair(t)
	pingOnly.SetSubscription(Subscription{Plugins: []string{"ping"}})
	h.add(all)
	h.add(pingOnly)

	assert.Equal(t, 1, h.publish(hooks.Event{Event: hooks.EventPluginCompleted, PluginID: "whois"}, 1))
	assert.Equal(t, 2, h.publish(hooks.Event{Event: hooks.EventPluginCompleted, PluginID: "ping"}, 2))

	for _, want := range []struct {
		seq    int64
		plugin string
	}{{1, "whois"}, {2, "ping"}} {
		f, ev := readEventFrame(t, allPeer)
		assert.Equal(t, want.seq, f.Seq)
		assert.Equal(t, want.plugin, ev.PluginID)
	}
	f, ev := readEventFrame(t, pingPeer)
	assert.Equal(t, int64(2), f.Seq)
	assert.Equal(t, "ping", ev.PluginID)

	require.NoError(t, pingOnly.Close())
	assert.Equal(t, 1, h.publish(hooks.Event{Event: hooks.EventPluginCompleted, PluginID: "ping"}, 3),
		"closed clients are skipped")
}

func TestClientSendAfterClose(t *testing.T) {
	c, _ := wsPair(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")

	assert.ErrorIs(t, c.Respond("r1", map[string]string{"ok": "yes"}), ErrClientClosed)
	assert.Error(t, c.Context().Err())
}

func TestClientGoHandleLimitAndDrain(t *testing.T) {
	c, _ := wsPair(t)

	release := make(chan struct{})
	var running sync.WaitGroup
	running.Add(maxInFlight)
	for range maxInFlight {
		require.True(t, c.goHandle(func() {
			running.Done()
			select {
			case <-release:
			case <-c.Context().Done():
			}
		}))
	}
	running.Wait()
	assert.False(t, c.goHandle(func() {}), "limit reached")

	close(release)
	require.Eventually(t, func() bool { return c.goHandle(func() {}) }, 5*time.Second, 10*time.Millisecond)

	require.True(t, c.goHandle(func() { <-c.Context().Done() }))
	c.drain()
	assert.Error(t, c.Context().Err())
}

func TestBindAddress(t *testing.T) {
	tests := []struct {
		bind string
		port int
		host string
		want string
	}{
		{"loopback", 18790, "", "127.0.0.1:18790"},
		{"lan", 9999, "", "0.0.0.0:9999"},
		{"custom", 3000, "", "0.0.0.0:3000"},
		{"custom", 3000, "10.0.0.1", "10.0.0.1:3000"},
		{"custom", 3000, "::1", "[::1]:3000"},
		{"auto", 8080, "", "127.0.0.1:8080"},
		{"", 5000, "", "127.0.0.1:5000"},
	}
	for _, tt := range tests {
		got := bindAddress(config.GatewayConfig{Bind: tt.bind, Port: tt.port, CustomBindHost: tt.host})
		assert.Equal(t, tt.want, got, "bind=%q host=%q", tt.bind, tt.host)
	}
}
