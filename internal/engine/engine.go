// Package engine runs plugins: it resolves the requested plugin, admits the
// request against a weighted capacity, drives the plugin lifecycle under a
// timeout and records the outcome in the caller's session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/plugin"
	"github.com/phantom-sec/phantom/internal/session"
)

// Defaults applied by New for zero config fields.
const (
	DefaultCapacity       = 4
	DefaultCancelGrace    = 2 * time.Second
	DefaultCleanupTimeout = 10 * time.Second
)

// ErrClosed is the cause recorded for requests submitted after Close.
var ErrClosed = errors.New("engine closed")

// Config is read once by New. Later changes to the value passed in have no effect.
type Config struct {
	// Capacity is the admission budget in cost units.
	Capacity int64

	// DefaultTimeout bounds Execute when the request has no timeout of its
	// own. Zero means no timeout.
	DefaultTimeout time.Duration

	// CancelGrace is how long a cancelled plugin may keep running before
	// the engine gives up on it and cleans up anyway.
	CancelGrace time.Duration

	// CleanupTimeout bounds the wait for Cleanup.
	CleanupTimeout time.Duration

	// RatePerSecond limits how fast executions start. Zero disables it.
	RatePerSecond float64
	Burst         int

	// CategoryCosts gives the cost of plugins that declare none.
	CategoryCosts map[domain.Category]int64
}

// Resolver looks up plugin loaders by id.
type Resolver interface {
	Resolve(id string) (plugin.Loader, error)
}

// Reporter receives execution events. Report must not block.
type Reporter interface {
	Report(ev hooks.Event)
}

// Engine executes plugin requests concurrently.
type Engine struct {
	cfg      Config
	reg      Resolver
	reporter Reporter
	log      *logging.Logger

	sem     *semaphore.Weighted
	line    admissionLine
	limiter *rate.Limiter
	locks   *keyLocks

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup // Submit calls
	bg      sync.WaitGroup // plugin goroutines, including ones abandoned after the grace period

	mu       sync.Mutex
	inflight map[string]*Execution

	inUse     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates an engine. rep may be nil.
func New(cfg Config, reg Resolver, rep Reporter, log *logging.Logger) *Engine {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	cfg.CategoryCosts = maps.Clone(cfg.CategoryCosts)

	e := &Engine{
		cfg:      cfg,
		reg:      reg,
		reporter: rep,
		log:      log.Sub("engine"),
		sem:      semaphore.NewWeighted(cfg.Capacity),
		locks:    newKeyLocks(),
		inflight: make(map[string]*Execution),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return e
}

// Config returns the engine's copy of its configuration.
func (e *Engine) Config() Config {
	c := e.cfg
	c.CategoryCosts = maps.Clone(e.cfg.CategoryCosts)
	return c
}

// Cost returns the admission cost of a plugin.
func (e *Engine) Cost(d domain.PluginDescriptor) int64 {
	cost := d.Cost
	if cost <= 0 {
		cost = e.cfg.CategoryCosts[d.Category]
	}
	if cost <= 0 {
		cost = 1
	}
	return min(cost, e.cfg.Capacity)
}

// Submit runs req and returns its result, which is also appended to sess
// when sess is not nil. It always returns a complete result: failures of
// every kind are reported through Status and Error.
//
// Submit blocks until the request has been admitted and has reached a
// terminal state. Requests for the same plugin and target never overlap.
func (e *Engine) Submit(ctx context.Context, sess *session.Session, req domain.ExecutionRequest) domain.ExecutionResult {
	return e.submit(ctx, sess, req, nil)
}

// SubmitAll runs reqs concurrently and returns their results in the same
// order. Requests enter admission in slice order.
func (e *Engine) SubmitAll(ctx context.Context, sess *session.Session, reqs []domain.ExecutionRequest) []domain.ExecutionResult {
	out := make([]domain.ExecutionResult, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		queued := make(chan struct{})
		var once sync.Once
		signal := func() { once.Do(func() { close(queued) }) }

		g.Go(func() error {
			defer signal()
			out[i] = e.submit(ctx, sess, req, signal)
			return nil
		})
		<-queued
	}
	_ = g.Wait()
	return out
}

func (e *Engine) submit(ctx context.Context, sess *session.Session, req domain.ExecutionRequest, queued func()) domain.ExecutionResult {
	e.closeMu.RLock()
	if e.closed {
		e.closeMu.RUnlock()
		now := e.now()
		res := e.result(req, now, domain.StatusCancelled,
			domain.NewExecError(domain.ErrCancelled, "request rejected", ErrClosed))
		e.record(sess, res)
		return res
	}
	e.wg.Add(1)
	e.closeMu.RUnlock()
	defer e.wg.Done()

	res := e.execute(ctx, req, queued)
	return e.record(sess, res)
}

// record appends res to sess, reports it and updates counters.
func (e *Engine) record(sess *session.Session, res domain.ExecutionResult) domain.ExecutionResult {
	detail := map[string]any{
		"status":      string(res.Status),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if sess != nil {
		stored, err := sess.Append(res)
		if err != nil {
			e.log.Error().Err(err).Str("session", sess.ID()).Str("plugin", res.PluginID).Msg("session append failed")
		} else {
			res = stored
		}
		detail["session_id"] = sess.ID()
	}

	event := hooks.EventPluginCompleted
	if res.Status == domain.StatusSuccess {
		e.completed.Add(1)
	} else {
		e.failed.Add(1)
		event = hooks.EventPluginFailed
		if res.Error != nil {
			detail["error_kind"] = string(res.Error.Kind)
			detail["error"] = res.Error.Message
		}
	}
	e.report(event, res.PluginID, res.Target, detail)
	return res
}

func (e *Engine) report(event, pluginID, target string, detail map[string]any) {
	if e.reporter == nil {
		return
	}
	e.reporter.Report(hooks.Event{
		Event:     event,
		PluginID:  pluginID,
		Target:    target,
		Timestamp: e.now(),
		Detail:    detail,
	})
}

func (e *Engine) now() time.Time { return time.Now().UTC() }

func (e *Engine) result(req domain.ExecutionRequest, started time.Time, st domain.Status, execErr *domain.ExecError) domain.ExecutionResult {
	finished := e.now()
	if finished.Before(started) {
		finished = started
	}
	return domain.ExecutionResult{
		PluginID:   req.PluginID,
		Target:     req.Target,
		Status:     st,
		Error:      execErr,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
}

func (e *Engine) track(x *Execution) func() {
	e.mu.Lock()
	e.inflight[x.ID] = x
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.inflight, x.ID)
		e.mu.Unlock()
	}
}

func (e *Engine) setState(x *Execution, s State) {
	e.mu.Lock()
	x.State = s
	if s == StateInitializing {
		x.Started = e.now()
	}
	e.mu.Unlock()
}

// InFlight lists executions that have been submitted and not yet finished,
// oldest first.
func (e *Engine) InFlight() []Execution {
	e.mu.Lock()
	out := make([]Execution, 0, len(e.inflight))
	for _, x := range e.inflight {
		out = append(out, *x)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b Execution) int { return a.Submitted.Compare(b.Submitted) })
	return out
}

// Stats reports current load.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.inflight)
	e.mu.Unlock()
	return Stats{
		Capacity:  e.cfg.Capacity,
		InUse:     e.inUse.Load(),
		InFlight:  n,
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

// Close rejects new submissions and waits for in-flight ones, including
// plugin goroutines that outlived their grace period, until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info().Msg("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for executions: %w", ctx.Err())
	}
}

func newExecutionID() string { return uuid.NewString() }
