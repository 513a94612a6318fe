package gateway

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantom-sec/phantom/internal/hooks"
)

// openChallenged dials /ws and consumes the challenge event.
func openChallenged(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, 101, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, FrameTypeEvent, challenge.Type)
	require.Equal(t, challengeEvent, challenge.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(challenge.Payload, &payload))
	assert.NotEmpty(t, payload["nonce"])
	return conn
}

func TestHandshake_Hello(t *testing.T) {
	// Served through the full middleware chain.
	_, base := serveWithHooks(t)
	conn := openChallenged(t, base)

	require.NoError(t, conn.WriteJSON(connectRequest(testToken)))
	var res Frame
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, FrameTypeResponse, res.Type)
	assert.Equal(t, "auth-req", res.ID)
	require.NotNil(t, res.OK)
	require.True(t, *res.OK)

	var hello HelloOK
	require.NoError(t, json.Unmarshal(res.Payload, &hello))
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Contains(t, hello.Features.Methods, "run")
	assert.Contains(t, hello.Features.Events, hooks.EventPluginCompleted)
	assert.Equal(t, challengeEvent, hello.Features.Events[0])
	assert.Equal(t, ServerPolicy{MaxPayload: maxPayload, MaxInFlight: maxInFlight}, hello.Policy)
}

func TestHandshake_Refusals(t *testing.T) {
	connectWith := func(mutate func(*ConnectParams)) Frame {
		p := ConnectParams{
			MinProtocol: 1,
			MaxProtocol: 1,
			Client:      ClientInfo{ID: "c", Version: "1.0.0", Mode: "cli"},
			Auth:        &ConnectAuth{Token: testToken},
		}
		mutate(&p)
		f, err := NewRequest("auth-req", "connect", p)
		require.NoError(t, err)
		return f
	}
	wrongMethod, err := NewRequest("r1", "health", nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		frame    Frame
		wantCode string
	}{
		{"wrong token", connectRequest("wrong-token"), "unauthorized"},
		{"no credentials", connectWith(func(p *ConnectParams) { p.Auth = nil }), "unauthorized"},
		{"not a connect", wrongMethod, "protocol_error"},
		{"bad params", Frame{Type: FrameTypeRequest, ID: "x", Method: "connect", Params: json.RawMessage(`"nope"`)}, "invalid_params"},
		{"unknown event", connectWith(func(p *ConnectParams) { p.Subscribe = &Subscription{Events: []string{"nope"}} }), "invalid_params"},
		{"protocol too new", connectWith(func(p *ConnectParams) { p.MinProtocol, p.MaxProtocol = 2, 3 }), "protocol_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := testServer(t)
			conn := openChallenged(t, ts.URL)
			require.NoError(t, conn.WriteJSON(tt.frame))

			var res Frame
			require.NoError(t, conn.ReadJSON(&res))
			require.NotNil(t, res.OK)
			assert.False(t, *res.OK)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantCode, res.Error.Code)

			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
		})
	}
}

func TestSupportsProtocol(t *testing.T) {
	tests := []struct {
		lo, hi int
		want   bool
	}{
		{0, 0, true},
		{1, 1, true},
		{0, 5, true},
		{1, 0, true},
		{2, 0, false},
		{2, 3, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, supportsProtocol(tt.lo, tt.hi), "[%d, %d]", tt.lo, tt.hi)
	}
}
