package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/plugin"
)

var errTimedOut = errors.New("execution timed out")

// PanicError is the cause recorded when a plugin panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("plugin panic: %v", p.Value) }

func protect[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

type outcome struct {
	refused bool
	initErr error
	data    map[string]any
	execErr error
}

func lockKey(req domain.ExecutionRequest) string {
	return req.PluginID + "\x00" + req.Target
}

// execute resolves, admits and runs one request. queued is called once the
// request holds its place in the admission line, or has given up on it.
func (e *Engine) execute(ctx context.Context, req domain.ExecutionRequest, queued func()) domain.ExecutionResult {
	var signalOnce sync.Once
	signal := func() {
		if queued != nil {
			signalOnce.Do(queued)
		}
	}
	submitted := e.now()

	loader, err := e.reg.Resolve(req.PluginID)
	if err != nil {
		signal()
		e.log.Warn().Str("plugin", req.PluginID).Str("target", req.Target).Msg("unknown plugin")
		return e.result(req, submitted, domain.StatusFailed,
			domain.NewExecError(domain.ErrUnknownPlugin, fmt.Sprintf("no plugin %q", req.PluginID), err))
	}

	x := &Execution{
		ID:        newExecutionID(),
		PluginID:  req.PluginID,
		Target:    req.Target,
		State:     StatePending,
		Cost:      e.Cost(loader.Descriptor()),
		Submitted: submitted,
		Timeout:   e.timeout(req),
	}
	defer e.track(x)()

	queuedErr := func(err error) domain.ExecutionResult {
		signal()
		e.log.Debug().Str("plugin", req.PluginID).Str("target", req.Target).Err(err).Msg("cancelled while queued")
		return e.result(req, submitted, domain.StatusCancelled,
			domain.NewExecError(domain.ErrCancelled, "cancelled before start", err))
	}

	unlock, err := e.locks.lock(ctx, lockKey(req), signal)
	if err != nil {
		return queuedErr(err)
	}

	if e.limiter != nil {
		signal()
		if err := e.limiter.Wait(ctx); err != nil {
			unlock()
			return queuedErr(err)
		}
	}

	place := e.line.join()
	signal()
	if err := e.line.wait(ctx, place); err != nil {
		unlock()
		return queuedErr(err)
	}
	err = e.sem.Acquire(ctx, x.Cost)
	e.line.leave(place)
	if err != nil {
		unlock()
		return queuedErr(err)
	}
	e.inUse.Add(x.Cost)
	release := func() {
		e.inUse.Add(-x.Cost)
		e.sem.Release(x.Cost)
		unlock()
	}

	if err := ctx.Err(); err != nil {
		release()
		return queuedErr(context.Cause(ctx))
	}

	res, straggler := e.lifecycle(ctx, req, loader, x)
	if straggler == nil {
		release()
		return res
	}
	// The plugin is still inside Initialize or Execute. Its key and its
	// capacity stay taken until it actually returns.
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		<-straggler
		release()
		e.log.Debug().Str("plugin", req.PluginID).Str("target", req.Target).Msg("abandoned plugin returned, capacity released")
	}()
	return res
}

func (e *Engine) timeout(req domain.ExecutionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.cfg.DefaultTimeout
}

// lifecycle drives Initialize and Execute on a fresh instance and
// guarantees a single Cleanup call once an instance exists. straggler is
// non-nil when the plugin was abandoned after the grace period; it
// delivers once the plugin goroutine finally returns.
func (e *Engine) lifecycle(ctx context.Context, req domain.ExecutionRequest, loader plugin.Loader, x *Execution) (res domain.ExecutionResult, straggler <-chan outcome) {
	started := e.now()
	e.setState(x, StateInitializing)
	e.report(hooks.EventPluginStarted, req.PluginID, req.Target, map[string]any{
		"execution_id": x.ID,
		"cost":         x.Cost,
	})

	inst, err := protect(loader.New)
	if err == nil && inst == nil {
		err = errors.New("loader returned nil plugin")
	}
	if err != nil {
		e.log.Error().Err(err).Str("plugin", req.PluginID).Msg("plugin construction failed")
		return e.finish(x, e.result(req, started, domain.StatusFailed,
			domain.NewExecError(domain.ErrInitializationError, "constructing plugin", err))), nil
	}

	var cleanupOnce sync.Once
	defer cleanupOnce.Do(func() { e.cleanup(ctx, req, inst) })

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	running := make(chan struct{})
	done := make(chan outcome, 1)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		done <- drive(runCtx, inst, req, running)
	}()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var timerC <-chan time.Time
	runningC := (<-chan struct{})(running)

	for {
		select {
		case <-runningC:
			runningC = nil
			e.setState(x, StateRunning)
			if x.Timeout > 0 {
				timer = time.NewTimer(x.Timeout)
				timerC = timer.C
			}

		case out := <-done:
			return e.finish(x, e.settle(req, started, runCtx, out)), nil

		case <-timerC:
			cancel(errTimedOut)
			e.log.Warn().Str("plugin", req.PluginID).Str("target", req.Target).Dur("timeout", x.Timeout).Msg("execution timed out")
			res, straggler = e.abandon(req, started, done, domain.StatusTimedOut,
				domain.NewExecError(domain.ErrTimeout, fmt.Sprintf("execution exceeded %s", x.Timeout), errTimedOut))
			return e.finish(x, res), straggler

		case <-ctx.Done():
			cause := context.Cause(ctx)
			cancel(cause)
			res, straggler = e.abandon(req, started, done, domain.StatusCancelled,
				domain.NewExecError(domain.ErrCancelled, "cancelled by caller", cause))
			return e.finish(x, res), straggler
		}
	}
}

func (e *Engine) finish(x *Execution, res domain.ExecutionResult) domain.ExecutionResult {
	e.setState(x, stateFor(res.Status))
	ev := e.log.Info()
	if res.Status != domain.StatusSuccess {
		ev = e.log.Warn()
		if res.Error != nil {
			ev = ev.Str("kind", string(res.Error.Kind)).Str("cause", res.Error.Cause)
		}
	}
	ev.Str("plugin", res.PluginID).
		Str("target", res.Target).
		Str("status", string(res.Status)).
		Dur("duration", res.Duration).
		Msg("execution finished")
	return res
}

// drive runs on its own goroutine. It closes running once Initialize has
// succeeded.
func drive(ctx context.Context, inst plugin.Plugin, req domain.ExecutionRequest, running chan<- struct{}) outcome {
	ready, err := protect(func() (bool, error) { return inst.Initialize(ctx) })
	if err != nil {
		return outcome{initErr: err}
	}
	if !ready {
		return outcome{refused: true}
	}

	close(running)
	data, err := protect(func() (map[string]any, error) {
		return inst.Execute(ctx, req.Target, req.Options)
	})
	return outcome{data: data, execErr: err}
}

// settle converts a finished lifecycle into a result.
func (e *Engine) settle(req domain.ExecutionRequest, started time.Time, runCtx context.Context, out outcome) domain.ExecutionResult {
	failed := out.initErr != nil || out.execErr != nil
	if failed && runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		return e.result(req, started, domain.StatusCancelled,
			domain.NewExecError(domain.ErrCancelled, "cancelled by caller", cause))
	}

	switch {
	case out.initErr != nil:
		return e.result(req, started, domain.StatusFailed,
			domain.NewExecError(domain.ErrInitializationError, "initialize failed", out.initErr))
	case out.refused:
		return e.result(req, started, domain.StatusFailed,
			domain.NewExecError(domain.ErrInitializationRefused, "plugin reported not ready", nil))
	case out.execErr != nil:
		return e.result(req, started, domain.StatusFailed,
			domain.NewExecError(domain.ErrExecutionError, "execute failed", out.execErr))
	}

	data, err := domain.NormalizeData(out.data)
	if err != nil {
		return e.result(req, started, domain.StatusFailed,
			domain.NewExecError(domain.ErrExecutionError, "plugin returned data that cannot be encoded", err))
	}
	res := e.result(req, started, domain.StatusSuccess, nil)
	res.Data = data
	return res
}

// abandon waits up to the grace period for a signalled plugin to return,
// then yields the terminal result whether or not it did. If it did not,
// done is handed back so the caller can wait for the straggler.
func (e *Engine) abandon(req domain.ExecutionRequest, started time.Time, done <-chan outcome, st domain.Status, execErr *domain.ExecError) (domain.ExecutionResult, <-chan outcome) {
	grace := time.NewTimer(e.cfg.CancelGrace)
	defer grace.Stop()

	select {
	case <-done:
		return e.result(req, started, st, execErr), nil
	case <-grace.C:
		e.log.Warn().
			Str("plugin", req.PluginID).
			Str("target", req.Target).
			Dur("grace", e.cfg.CancelGrace).
			Msg("plugin ignored cancellation, cleaning up anyway")
		return e.result(req, started, st, execErr), done
	}
}

func (e *Engine) cleanup(ctx context.Context, req domain.ExecutionRequest, inst plugin.Plugin) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()

	done := make(chan error, 1)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		_, err := protect(func() (struct{}, error) { return struct{}{}, inst.Cleanup(cctx) })
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			e.log.Warn().Err(err).Str("plugin", req.PluginID).Str("target", req.Target).Msg("cleanup failed")
		}
	case <-cctx.Done():
		e.log.Error().Str("plugin", req.PluginID).Str("target", req.Target).Msg("cleanup did not finish in time")
	}
}
