package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/version"
)

const (
	handshakeTimeout = 10 * time.Second
	challengeEvent   = "connect.challenge"
)

// refusal is a handshake failure the peer is told about before the
// connection closes.
type refusal struct {
	code   string
	reason string
}

func (r *refusal) Error() string { return r.code + ": " + r.reason }

func refuse(code, reason string) error { return &refusal{code: code, reason: reason} }

// handshake runs challenge, connect, hello on a fresh connection. The
// returned client is registered and has been sent its hello.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(challengeEvent, map[string]any{
		"nonce": uuid.NewString(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	reqID, params, err := readConnect(conn)
	var auth AuthResult
	var sub Subscription
	if err == nil {
		auth, sub, err = s.admit(params)
	}
	if err != nil {
		var r *refusal
		if errors.As(err, &r) {
			conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: r.code, Message: r.reason}))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, r.reason))
		}
		return nil, err
	}

	conn.SetReadDeadline(time.Time{})
	client := NewClient(s.baseCtx, conn, params.Client, auth)
	client.SetSubscription(sub)

	hello, err := NewResponse(reqID, s.hello(client.ConnID, sub))
	if err != nil {
		return nil, fmt.Errorf("creating hello: %w", err)
	}
	// Registering inside the write keeps event frames from overtaking hello.
	err = client.write(func(c *websocket.Conn) error {
		s.clients.add(client)
		return c.WriteJSON(hello)
	})
	if err != nil {
		s.clients.remove(client.ConnID)
		client.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Str("clientVersion", params.Client.Version).
		Str("mode", params.Client.Mode).
		Str("authMethod", auth.Method).
		Msg("client authenticated")
	return client, nil
}

// readConnect reads the peer's first frame, which must be a connect request.
func readConnect(conn *websocket.Conn) (string, ConnectParams, error) {
	var params ConnectParams
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", params, fmt.Errorf("reading connect: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", params, fmt.Errorf("parsing connect frame: %w", err)
	}
	if f.Type != FrameTypeRequest || f.Method != "connect" {
		return f.ID, params, refuse("protocol_error", "expected connect request")
	}
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return f.ID, params, refuse("invalid_params", "invalid connect params")
	}
	return f.ID, params, nil
}

// admit checks protocol range, credentials and subscription, in that order.
func (s *Server) admit(p ConnectParams) (AuthResult, Subscription, error) {
	if !supportsProtocol(p.MinProtocol, p.MaxProtocol) {
		return AuthResult{}, Subscription{}, refuse("protocol_mismatch",
			fmt.Sprintf("server speaks protocol %d, client wants %d..%d", ProtocolVersion, p.MinProtocol, p.MaxProtocol))
	}
	auth := Authorize(s.auth, p.Auth)
	if !auth.OK {
		return auth, Subscription{}, refuse("unauthorized", auth.Reason)
	}
	var sub Subscription
	if p.Subscribe != nil {
		sub = *p.Subscribe
	}
	if err := sub.validate(); err != nil {
		return auth, sub, refuse("invalid_params", err.Error())
	}
	return auth, sub, nil
}

// supportsProtocol reports whether ProtocolVersion lies in [lo, hi]. A
// zero bound is open.
func supportsProtocol(lo, hi int) bool {
	if lo > 0 && ProtocolVersion < lo {
		return false
	}
	return hi == 0 || ProtocolVersion <= hi
}

func (s *Server) hello(connID string, sub Subscription) HelloOK {
	return HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: s.version,
			Commit:  version.Commit,
			ConnID:  connID,
		},
		Features: Features{
			Methods: s.Methods(),
			Events:  append([]string{challengeEvent}, hooks.AllEvents...),
		},
		Policy:       ServerPolicy{MaxPayload: maxPayload, MaxInFlight: maxInFlight},
		Subscription: sub,
	}
}
