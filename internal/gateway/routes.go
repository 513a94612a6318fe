package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/plugin"
	"github.com/phantom-sec/phantom/internal/session"
)

// safeConfigPrefixes lists config path prefixes that can be read and
// written via RPC. All other paths are denied by default (allowlist).
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.allowedOrigins",
	"logging",
	"session",
	"engine",
	"plugins.disabled",
	"reporter.bufferSize",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// maxRunBody bounds POST /api/run request bodies.
const maxRunBody = 1 << 20

// gatewaySessionName names the session that collects runs submitted
// without a session id.
const gatewaySessionName = "gateway"

// Errors returned by the shared run and lookup paths; each maps to an
// HTTP status and an RPC error code.
var (
	errUnavailable   = errors.New("no execution engine configured")
	errInvalidParams = errors.New("invalid params")
)

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/plugins", s.requireAuth(s.handleListPlugins))
	mux.HandleFunc("GET /api/plugins/{id}", s.requireAuth(s.handleGetPlugin))
	mux.HandleFunc("POST /api/run", s.requireAuth(s.handleRun))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("config.set", s.rpcConfigSet)
	s.Handle("plugins.list", s.rpcPluginsList)
	s.Handle("plugins.get", s.rpcPluginsGet)
	s.Handle("session.list", s.rpcSessionList)
	s.Handle("session.get", s.rpcSessionGet)
	s.Handle("run", s.rpcRun)
	s.Handle("events.subscribe", s.rpcSubscribe)
}

// RunParams is the body of POST /api/run and the params of the run method.
type RunParams struct {
	PluginID  string         `json:"plugin_id"`
	Target    string         `json:"target"`
	Options   map[string]any `json:"options,omitempty"`
	Timeout   string         `json:"timeout,omitempty"` // Go duration, e.g. "30s"
	SessionID string         `json:"session_id,omitempty"`
}

// RunResponse pairs a result with the session that recorded it.
type RunResponse struct {
	SessionID string                 `json:"session_id"`
	Result    domain.ExecutionResult `json:"result"`
}

func (p RunParams) request() (domain.ExecutionRequest, error) {
	if p.PluginID == "" {
		return domain.ExecutionRequest{}, fmt.Errorf("%w: plugin_id is required", errInvalidParams)
	}
	if p.Target == "" {
		return domain.ExecutionRequest{}, fmt.Errorf("%w: target is required", errInvalidParams)
	}
	req := domain.ExecutionRequest{PluginID: p.PluginID, Target: p.Target, Options: p.Options}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil || d < 0 {
			return domain.ExecutionRequest{}, fmt.Errorf("%w: bad timeout %q", errInvalidParams, p.Timeout)
		}
		req.Timeout = d
	}
	return req, nil
}

// gatewaySession returns the shared session for runs without a session id.
func (s *Server) gatewaySession() *session.Session {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.session == nil {
		if s.sessions != nil {
			s.session = s.sessions.Create(gatewaySessionName)
		} else {
			s.session = session.New(gatewaySessionName)
		}
	}
	return s.session
}

// lookupSession resolves a session id or unique id prefix. File paths are
// not accepted from remote clients.
func (s *Server) lookupSession(ref string) (*session.Session, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.HasSuffix(ref, ".json") {
		return nil, fmt.Errorf("%w: bad session id %q", errInvalidParams, ref)
	}
	if s.sessions == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, ref)
	}
	return s.sessions.Resolve(ref)
}

// run executes one request and persists the session that recorded it.
// A failed save is logged; the result is still returned.
func (s *Server) run(ctx context.Context, p RunParams) (RunResponse, error) {
	if s.runner == nil {
		return RunResponse{}, errUnavailable
	}
	req, err := p.request()
	if err != nil {
		return RunResponse{}, err
	}

	sess := s.gatewaySession()
	if p.SessionID != "" {
		if sess, err = s.lookupSession(p.SessionID); err != nil {
			return RunResponse{}, err
		}
	}

	res := s.runner.Submit(ctx, sess, req)
	if s.sessions != nil {
		if err := s.sessions.Save(sess.ID()); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID()).Msg("saving gateway session failed")
		}
	}
	return RunResponse{SessionID: sess.ID(), Result: res}, nil
}

func (s *Server) listPlugins(category string) ([]domain.PluginDescriptor, error) {
	cat := domain.Category(category)
	if cat != "" && !cat.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", errInvalidParams, category)
	}
	if s.plugins == nil {
		return []domain.PluginDescriptor{}, nil
	}
	out := s.plugins.Descriptors(cat)
	if out == nil {
		out = []domain.PluginDescriptor{}
	}
	return out, nil
}

func (s *Server) getPlugin(id string) (domain.PluginDescriptor, error) {
	if s.plugins == nil {
		return domain.PluginDescriptor{}, &plugin.RegistryError{Kind: plugin.KindNotFound, ID: id}
	}
	return s.plugins.Descriptor(id)
}

func (s *Server) listSessions() ([]session.Summary, error) {
	if s.sessions == nil {
		return []session.Summary{}, nil
	}
	out, err := s.sessions.List()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []session.Summary{}
	}
	return out, nil
}

// errorStatus maps an operation error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidParams):
		return http.StatusBadRequest, "invalid_params"
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, plugin.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrCorruptData), errors.Is(err, session.ErrVersionMismatch):
		return http.StatusInternalServerError, "storage_error"
	case errors.Is(err, session.ErrIOFailure):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// HTTP handlers

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	out, err := s.listPlugins(r.URL.Query().Get("category"))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	d, err := s.getPlugin(r.PathValue("id"))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var p RunParams
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid request body: "+err.Error())
		return
	}

	// Runs may outlive the server write timeout.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	resp, err := s.run(r.Context(), p)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	out, err := s.listSessions()
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookupSession(r.PathValue("id"))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	h := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.count(),
	}
	if s.plugins != nil {
		h.Plugins = len(s.plugins.Descriptors(""))
	}
	if !s.startedAt.IsZero() {
		h.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	if s.hooks != nil {
		h.Reporter = &ReporterHealth{Events: s.hooks.Events(), Dropped: s.hooks.Dropped()}
	}
	rc.Respond(h)
}

func (s *Server) respondErr(rc *RequestContext, err error) {
	_, code := errorStatus(err)
	rc.RespondError(code, err.Error())
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.RLock()
	val, ok := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()
	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

type configSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configSetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "cannot modify config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	config.SetValueAtPath(s.configRaw, path, p.Value)
	s.mu.Unlock()

	rc.Respond(map[string]any{"key": p.Key, "value": p.Value})
}

type pluginsListParams struct {
	Category string `json:"category,omitempty"`
}

func (s *Server) rpcPluginsList(rc *RequestContext) {
	var p pluginsListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	out, err := s.listPlugins(p.Category)
	if err != nil {
		s.respondErr(rc, err)
		return
	}
	rc.Respond(map[string]any{"plugins": out})
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) rpcPluginsGet(rc *RequestContext) {
	var p idParams
	if err := rc.Params(&p); err != nil || p.ID == "" {
		rc.RespondError("invalid_params", "id is required")
		return
	}
	d, err := s.getPlugin(p.ID)
	if err != nil {
		s.respondErr(rc, err)
		return
	}
	rc.Respond(d)
}

func (s *Server) rpcSessionList(rc *RequestContext) {
	out, err := s.listSessions()
	if err != nil {
		s.respondErr(rc, err)
		return
	}
	rc.Respond(map[string]any{"sessions": out})
}

func (s *Server) rpcSessionGet(rc *RequestContext) {
	var p idParams
	if err := rc.Params(&p); err != nil || p.ID == "" {
		rc.RespondError("invalid_params", "id is required")
		return
	}
	sess, err := s.lookupSession(p.ID)
	if err != nil {
		s.respondErr(rc, err)
		return
	}
	rc.Respond(sess.Snapshot())
}

func (s *Server) rpcRun(rc *RequestContext) {
	var p RunParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	resp, err := s.run(rc.Ctx, p)
	if err != nil {
		s.respondErr(rc, err)
		return
	}
	rc.Respond(resp)
}

func (s *Server) rpcSubscribe(rc *RequestContext) {
	var sub Subscription
	if err := rc.Params(&sub); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if err := sub.validate(); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	rc.Client.SetSubscription(sub)
	rc.Respond(sub)
}
