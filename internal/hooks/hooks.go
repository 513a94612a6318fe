// Package hooks is the event reporter: the engine pushes execution events
// here and registered handlers (log, IRC, websocket) consume them.
package hooks

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phantom-sec/phantom/internal/logging"
)

// Event names.
const (
	EventPluginStarted   = "plugin_started"
	EventPluginCompleted = "plugin_completed"
	EventPluginFailed    = "plugin_failed"
	EventSessionSaved    = "session_saved"
	EventRegistryReload  = "registry_reload"
	EventGatewayStart    = "gateway_start"
	EventGatewayStop     = "gateway_stop"

	// EventAll subscribes a handler to every event.
	EventAll = "*"
)

// AllEvents is every concrete event name, in lifecycle order.
var AllEvents = []string{
	EventPluginStarted,
	EventPluginCompleted,
	EventPluginFailed,
	EventSessionSaved,
	EventRegistryReload,
	EventGatewayStart,
	EventGatewayStop,
}

// DefaultBufferSize is the queue length used when NewManager gets zero.
const DefaultBufferSize = 256

// Event carries one structured occurrence to handlers.
type Event struct {
	Event     string         `json:"event"`
	PluginID  string         `json:"plugin_id,omitempty"`
	Target    string         `json:"target,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Handler consumes one event. An error is logged and never stops the
// remaining handlers.
type Handler func(ctx context.Context, ev Event) error

type namedHandler struct {
	name string
	fn   Handler
}

// table maps event names to their handlers. It is never mutated once
// published; writers build a new one.
type table map[string][]namedHandler

// Manager routes events to registered handlers, either synchronously
// (Emit) or through a bounded queue (Report).
type Manager struct {
	log *logging.Logger

	wmu  sync.Mutex // serializes writers of subs
	subs atomic.Pointer[table]

	qmu     sync.RWMutex // guards queue sends against Close
	queue   chan Event
	closed  bool
	started atomic.Bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewManager returns a manager whose Report queue holds bufferSize events,
// or DefaultBufferSize when bufferSize is not positive.
func NewManager(log *logging.Logger, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Manager{
		log:   log.Sub("hooks"),
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	m.subs.Store(&table{})
	return m
}

func (m *Manager) current() table { return *m.subs.Load() }

// update publishes a copy of the table with event's handlers replaced by
// fn's result.
func (m *Manager) update(event string, fn func([]namedHandler) []namedHandler) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	next := maps.Clone(m.current())
	if hs := fn(slices.Clone(next[event])); len(hs) > 0 {
		next[event] = hs
	} else {
		delete(next, event)
	}
	m.subs.Store(&next)
}

// On adds handler for event, or for every event when event is EventAll.
func (m *Manager) On(event, name string, handler Handler) {
	m.update(event, func(hs []namedHandler) []namedHandler {
		return append(hs, namedHandler{name: name, fn: handler})
	})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off drops every handler called name from event.
func (m *Manager) Off(event, name string) {
	m.update(event, func(hs []namedHandler) []namedHandler {
		return slices.DeleteFunc(hs, func(h namedHandler) bool { return h.name == name })
	})
}

// Emit runs the handlers for ev on the calling goroutine: those registered
// for ev.Event first, then the EventAll ones, each group in registration
// order. A failing or panicking handler is logged and skipped.
func (m *Manager) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	t := m.current()
	for _, h := range slices.Concat(t[ev.Event], t[EventAll]) {
		if err := invoke(ctx, h, ev); err != nil {
			m.log.Warn().Err(err).Str("event", ev.Event).Str("handler", h.name).Msg("hook handler failed")
		}
	}
}

func invoke(ctx context.Context, h namedHandler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.fn(ctx, ev)
}

// Report queues ev for asynchronous dispatch and returns immediately.
// When the queue is full or the manager is closed the event is dropped.
func (m *Manager) Report(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	m.qmu.RLock()
	defer m.qmu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.queue <- ev:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.log.Warn().Int64("dropped", n).Str("event", ev.Event).Msg("reporter queue full, dropping events")
		}
	}
}

// Start launches the dispatcher. Calling it more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		for ev := range m.queue {
			m.Emit(ctx, ev)
		}
	}()
}

// Close stops accepting events, delivers whatever is queued and waits for
// the dispatcher to exit.
func (m *Manager) Close() {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.qmu.Unlock()

	if m.started.Load() {
		<-m.done
	}
}

// Dropped returns how many events Report has discarded.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

// Count is the number of handlers registered for event itself.
func (m *Manager) Count(event string) int {
	return len(m.current()[event])
}

// Events lists, sorted, the event names with at least one handler.
func (m *Manager) Events() []string {
	return slices.Sorted(maps.Keys(m.current()))
}
