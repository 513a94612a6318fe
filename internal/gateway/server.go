package gateway

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/session"
	"github.com/phantom-sec/phantom/internal/version"
)

const (
	hookName        = "gateway"
	shutdownTimeout = 10 * time.Second
)

// Catalog exposes the installed plugins.
type Catalog interface {
	Descriptor(id string) (domain.PluginDescriptor, error)
	Descriptors(cat domain.Category) []domain.PluginDescriptor
}

// Runner executes plugin requests on behalf of gateway clients.
type Runner interface {
	Submit(ctx context.Context, sess *session.Session, req domain.ExecutionRequest) domain.ExecutionResult
}

// Server serves the REST API and the websocket RPC protocol.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *hub
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	mu        sync.RWMutex
	configRaw map[string]any

	plugins  Catalog
	runner   Runner
	sessions *session.Manager
	hooks    *hooks.Manager

	smu     sync.Mutex
	session *session.Session // shared by runs that name no session

	baseCtx     context.Context
	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *failureLimiter
}

type ServerOption func(*Server)

// WithConfigRaw exposes raw to config.get and config.set.
func WithConfigRaw(raw map[string]any) ServerOption {
	return func(s *Server) { s.configRaw = raw }
}

// WithHooks attaches the hook manager. Lifecycle events are emitted there
// and every event is relayed to subscribed websocket clients.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) { s.hooks = hm }
}

func WithPlugins(c Catalog) ServerOption {
	return func(s *Server) { s.plugins = c }
}

func WithRunner(r Runner) ServerOption {
	return func(s *Server) { s.runner = r }
}

func WithSessions(m *session.Manager) ServerOption {
	return func(s *Server) { s.sessions = m }
}

// New builds a gateway; call Start or Serve to run it.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Sub("gateway"),
		clients:     newHub(log.Sub("clients")),
		handlers:    make(map[string]RequestHandler),
		version:     version.Version,
		configRaw:   make(map[string]any),
		baseCtx:     context.Background(),
		authLimiter: newFailureLimiter(authFailWindow, authMaxFailures),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRPCHandlers()
	return s
}

// Handle registers an RPC method.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods lists the registered RPC methods in order.
func (s *Server) Methods() []string {
	return slices.Sorted(maps.Keys(s.handlers))
}

// bindAddress maps the configured bind mode to a listen address. Unknown
// modes fall back to loopback.
func bindAddress(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	switch cfg.Bind {
	case "lan":
		host = "0.0.0.0"
	case "custom":
		host = cmp.Or(cfg.CustomBindHost, "0.0.0.0")
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	addr := bindAddress(s.cfg.Gateway)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on ln until ctx ends, then disconnects clients
// and drains HTTP requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)

	addr := ln.Addr().String()
	s.baseCtx = ctx
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	if s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Str("bind", s.cfg.Gateway.Bind).Msg("gateway is not bound to loopback; put it behind a TLS proxy")
	}
	s.log.Info().
		Str("addr", addr).
		Str("auth", s.auth.Mode).
		Int("methods", len(s.handlers)).
		Msg("gateway listening")
	s.attachHooks(ctx, addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.authLimiter.run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		s.detachHooks(context.WithoutCancel(ctx))
		s.clients.closeAll()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(sctx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) attachHooks(ctx context.Context, addr string) {
	if s.hooks == nil {
		return
	}
	s.hooks.On(hooks.EventAll, hookName, func(_ context.Context, ev hooks.Event) error {
		s.clients.publish(ev, s.eventSeq.Add(1))
		return nil
	})
	s.hooks.Emit(ctx, hooks.Event{
		Event:  hooks.EventGatewayStart,
		Detail: map[string]any{"addr": addr},
	})
}

func (s *Server) detachHooks(ctx context.Context) {
	if s.hooks == nil {
		return
	}
	s.hooks.Emit(ctx, hooks.Event{Event: hooks.EventGatewayStop})
	s.hooks.Off(hooks.EventAll, hookName)
}

// Addr is the listen address once serving, else "".
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// handleWebSocket upgrades the request, authenticates the peer and serves
// its frames until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}
	defer func() {
		client.drain()
		s.clients.remove(client.ConnID)
		client.Close()
	}()

	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}
		if frame.Type == FrameTypeRequest {
			s.dispatch(client, frame)
		}
	}
}

// dispatch starts the handler for frame on its own goroutine so slow runs
// do not hold up the connection.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	rc := &RequestContext{Ctx: client.Context(), Client: client, Frame: frame, Server: s}
	if client.goHandle(func() { handler(rc) }) {
		return
	}
	client.RespondError(frame.ID, ErrorShape{
		Code:       "busy",
		Message:    fmt.Sprintf("too many requests in flight (max %d)", maxInFlight),
		Retryable:  true,
		RetryAfter: 1000,
	})
}
