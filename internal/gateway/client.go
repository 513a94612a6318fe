package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
)

// ErrClientClosed is returned by writes to a client that has gone away.
var ErrClientClosed = errors.New("client connection closed")

// writeWait bounds one frame write; a stalled peer must not hold up
// delivery to the others.
const writeWait = 10 * time.Second

// Client is one authenticated websocket peer.
type Client struct {
	ConnID    string
	Info      ClientInfo
	Auth      AuthResult
	Connected time.Time

	conn *websocket.Conn

	// Runs started by this client inherit ctx and die with the connection.
	ctx    context.Context
	cancel context.CancelFunc

	inflight *semaphore.Weighted
	pending  sync.WaitGroup

	subMu sync.RWMutex
	sub   Subscription

	mu     sync.Mutex // serializes writes
	closed bool
}

// NewClient wraps an upgraded connection that has passed authentication.
func NewClient(parent context.Context, conn *websocket.Conn, info ClientInfo, auth AuthResult) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		ConnID:    uuid.NewString(),
		Info:      info,
		Auth:      auth,
		Connected: time.Now(),
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  semaphore.NewWeighted(maxInFlight),
	}
}

// Context is done once the client disconnects.
func (c *Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Client) Subscription() Subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.sub
}

func (c *Client) SetSubscription(sub Subscription) {
	c.subMu.Lock()
	c.sub = sub
	c.subMu.Unlock()
}

// write runs fn against the socket under the write lock with a deadline.
func (c *Client) write(fn func(*websocket.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return fn(c.conn)
}

// Send writes one frame.
func (c *Client) Send(f Frame) error {
	return c.write(func(conn *websocket.Conn) error { return conn.WriteJSON(f) })
}

// Respond answers request reqID with payload.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError answers request reqID with an error.
func (c *Client) RespondError(reqID string, shape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, shape))
}

// ReadFrame blocks for the next frame from the peer.
func (c *Client) ReadFrame() (Frame, error) {
	var f Frame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(data, &f)
	return f, err
}

// goHandle runs fn on its own goroutine, or reports false when the client
// already has maxInFlight handlers running.
func (c *Client) goHandle(fn func()) bool {
	if !c.inflight.TryAcquire(1) {
		return false
	}
	c.pending.Add(1)
	go func() {
		defer func() {
			c.inflight.Release(1)
			c.pending.Done()
		}()
		fn()
	}()
	return true
}

// drain cancels in-flight handlers and waits for them to return.
func (c *Client) drain() {
	if c.cancel != nil {
		c.cancel()
	}
	c.pending.Wait()
}

// Close cancels the client's context and closes the socket once.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// hub tracks connected clients and fans events out to them.
type hub struct {
	log *logging.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func newHub(log *logging.Logger) *hub {
	return &hub{log: log, clients: make(map[string]*Client)}
}

func (h *hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ConnID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Int("connected", n).Msg("client connected")
}

func (h *hub) remove(connID string) {
	h.mu.Lock()
	_, ok := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()
	if ok {
		h.log.Info().Str("connId", connID).Msg("client disconnected")
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// publish encodes ev once and writes it to every client whose subscription
// matches. It returns how many clients received it.
func (h *hub) publish(ev hooks.Event, seq int64) int {
	h.mu.RLock()
	var targets []*Client
	for _, c := range h.clients {
		if c.Subscription().Matches(ev) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	pm, err := prepareEvent(ev, seq)
	if err != nil {
		h.log.Warn().Err(err).Str("event", ev.Event).Msg("encoding event failed")
		return 0
	}

	delivered := 0
	for _, c := range targets {
		err := c.write(func(conn *websocket.Conn) error { return conn.WritePreparedMessage(pm) })
		if err != nil {
			h.log.Warn().Err(err).Str("connId", c.ConnID).Msg("event send failed")
			continue
		}
		delivered++
	}
	return delivered
}

func prepareEvent(ev hooks.Event, seq int64) (*websocket.PreparedMessage, error) {
	f, err := NewEvent(ev.Event, ev, seq)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, data)
}

// closeAll disconnects every client.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
