package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/engine"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/plugin"
	"github.com/phantom-sec/phantom/internal/plugin/builtin"
	"github.com/phantom-sec/phantom/internal/plugin/wasm"
	"github.com/phantom-sec/phantom/internal/session"
	"github.com/phantom-sec/phantom/internal/store"
)

// closeTimeout bounds how long shutdown waits for in-flight executions.
const closeTimeout = 30 * time.Second

// app is the runtime assembled from config: registry, reporter, store,
// sessions and engine.
type app struct {
	cfg      config.Config
	log      *logging.Logger
	hooks    *hooks.Manager
	registry *plugin.Registry
	wasm     *wasm.Source
	engine   *engine.Engine
	sessions *session.Manager
	db       *store.DB // nil with the file store
}

// newRegistry builds the plugin registry from the builtin and wasm sources
// and publishes the first index. Rejected plugins are logged, not fatal.
func newRegistry(ctx context.Context, cfg config.Config, log *logging.Logger) (*plugin.Registry, *wasm.Source) {
	reg := plugin.NewRegistry(log)
	reg.AddSource(builtin.NewSource(builtin.Options{
		Resolvers:         cfg.Plugins.Resolvers,
		DigitalOceanToken: cfg.Cloud.DigitalOcean.Token,
		DigitalOceanURL:   cfg.Cloud.DigitalOcean.BaseURL,
	}))

	var ws *wasm.Source
	if cfg.Plugins.WASM.Enabled {
		dirs := cfg.Plugins.Paths
		if len(dirs) == 0 {
			dirs = []string{paths.Plugins}
		}
		ws = wasm.NewSource(wasm.Options{
			Paths:        dirs,
			AllowedHosts: cfg.Plugins.WASM.AllowedHosts,
		}, log)
		reg.AddSource(ws)
	}
	reg.Disable(cfg.Plugins.Disabled...)

	if err := reg.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("some plugins were not loaded")
	}
	return reg, ws
}

// openPersister opens the configured session store.
func openPersister(cfg config.Config, log *logging.Logger) (session.Persister, *store.DB, error) {
	switch cfg.Session.Store {
	case "file":
		dir := cfg.Session.Dir
		if dir == "" {
			dir = paths.Sessions
		}
		return session.NewFilePersister(dir, log), nil, nil
	default:
		db, err := store.Open(paths.Database(), log)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		return store.NewSessionStore(db), db, nil
	}
}

func engineConfig(c config.EngineConfig) engine.Config {
	costs := make(map[domain.Category]int64, len(c.CategoryCosts))
	for k, v := range c.CategoryCosts {
		costs[domain.Category(k)] = v
	}
	return engine.Config{
		Capacity:       c.Capacity,
		DefaultTimeout: c.DefaultTimeout,
		CancelGrace:    c.CancelGrace,
		CleanupTimeout: c.CleanupTimeout,
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
		CategoryCosts:  costs,
	}
}

func newApp(ctx context.Context, cfg config.Config, log *logging.Logger) (*app, error) {
	persister, db, err := openPersister(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		hooks:    hooks.NewManager(log, cfg.Reporter.BufferSize),
		sessions: session.NewManager(persister, log),
		db:       db,
	}
	a.hooks.On(hooks.EventAll, "log", logSink(log.Sub("events")))
	a.hooks.Start(ctx)
	a.sessions.OnSave(func(s session.Summary) {
		a.hooks.Report(hooks.Event{
			Event:  hooks.EventSessionSaved,
			Detail: map[string]any{"session_id": s.ID, "name": s.Name, "entries": s.Entries},
		})
	})

	a.registry, a.wasm = newRegistry(ctx, cfg, log)
	a.engine = engine.New(engineConfig(cfg.Engine), a.registry, a.hooks, log)
	return a, nil
}

// reload rescans the plugin sources and reports the new index size. The
// previous index stays in use for executions already resolved.
func (a *app) reload(ctx context.Context) error {
	err := a.registry.Reload(ctx)
	detail := map[string]any{"plugins": a.registry.Count()}
	if err != nil {
		detail["error"] = err.Error()
	}
	a.hooks.Report(hooks.Event{Event: hooks.EventRegistryReload, Detail: detail})
	return err
}

// Close drains the engine and reporter, then releases storage.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing engine: %w", err))
	}
	a.hooks.Close()
	if a.wasm != nil {
		if err := a.wasm.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing wasm runtime: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// logSink writes every reporter event to the log.
func logSink(log *logging.Logger) hooks.Handler {
	return func(_ context.Context, ev hooks.Event) error {
		e := log.Debug()
		switch ev.Event {
		case hooks.EventPluginCompleted:
			e = log.Info()
		case hooks.EventPluginFailed:
			e = log.Warn()
		}
		e = e.Str("event", ev.Event)
		if ev.PluginID != "" {
			e = e.Str("plugin", ev.PluginID)
		}
		if ev.Target != "" {
			e = e.Str("target", ev.Target)
		}
		if v, ok := ev.Detail["status"].(string); ok {
			e = e.Str("status", v)
		}
		if v, ok := ev.Detail["duration_ms"].(int64); ok {
			e = e.Int64("duration_ms", v)
		}
		if v, ok := ev.Detail["error"].(string); ok {
			e = e.Str("error", v)
		}
		e.Msg("execution event")
		return nil
	}
}
