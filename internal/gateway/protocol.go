package gateway

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/phantom-sec/phantom/internal/hooks"
)

// Frame types for the WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Frame is the base envelope for all WebSocket messages.
// The Type field discriminates between request, response, and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the standard error format in response frames.
type ErrorShape struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	RetryAfter int    `json:"retryAfterMs,omitempty"`
}

// ConnectParams are sent by the client in the initial "connect" request.
type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      ClientInfo    `json:"client"`
	Auth        *ConnectAuth  `json:"auth,omitempty"`
	Subscribe   *Subscription `json:"subscribe,omitempty"`
}

// Subscription selects which execution events a client receives.
// Empty lists match everything.
type Subscription struct {
	Events  []string `json:"events,omitempty"`
	Plugins []string `json:"plugins,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// Matches reports whether ev passes the subscription filter. Events that
// carry no plugin or target, such as gateway_start, pass those filters.
func (s Subscription) Matches(ev hooks.Event) bool {
	if len(s.Events) > 0 && !slices.Contains(s.Events, hooks.EventAll) && !slices.Contains(s.Events, ev.Event) {
		return false
	}
	if len(s.Plugins) > 0 && ev.PluginID != "" && !slices.Contains(s.Plugins, ev.PluginID) {
		return false
	}
	if len(s.Targets) > 0 && ev.Target != "" && !slices.Contains(s.Targets, ev.Target) {
		return false
	}
	return true
}

// validate rejects unknown event names.
func (s Subscription) validate() error {
	for _, ev := range s.Events {
		if ev != hooks.EventAll && !slices.Contains(hooks.AllEvents, ev) {
			return fmt.Errorf("unknown event %q", ev)
		}
	}
	return nil
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"` // "cli" | "ui" | "bot"
	InstanceID  string `json:"instanceId,omitempty"`
}

// ConnectAuth carries credentials in the connect request.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOK is the server's response payload after successful authentication.
type HelloOK struct {
	Protocol     int          `json:"protocol"`
	Server       ServerInfo   `json:"server"`
	Features     Features     `json:"features"`
	Policy       ServerPolicy `json:"policy"`
	Subscription Subscription `json:"subscription"`
}

// ServerInfo identifies the gateway server.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises available RPC methods and events.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// ServerPolicy communicates protocol limits to the client.
type ServerPolicy struct {
	MaxPayload  int `json:"maxPayload"`
	MaxInFlight int `json:"maxInFlight"` // concurrent requests per connection
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// Protocol version supported by this server.
const ProtocolVersion = 1

// Per-connection limits advertised in HelloOK.
const (
	maxPayload  = 4 << 20
	maxInFlight = 8
)
