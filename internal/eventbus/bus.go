// Package eventbus provides in-process publish/subscribe used to decouple
// game systems from the connection layer. Publishing never blocks the caller;
// a single dispatch goroutine delivers events to subscribers in publish order.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/event"
)

// Errors returned by Bus operations.
var (
	ErrClosed     = errors.New("event bus is shut down")
	ErrNilEvent   = errors.New("event must not be nil")
	ErrEmptyType  = errors.New("event type must not be empty")
	ErrNilHandler = errors.New("handler must not be nil")
	ErrQueueFull  = errors.New("event queue full")
)

const (
	defaultQueueCapacity = 1024
	defaultShutdownGrace = 5 * time.Second
)

// SyncFunc is a handler that runs inline in the dispatch goroutine. A slow
// SyncFunc delays every subsequent event; use Async for anything that blocks.
type SyncFunc func(ev event.Event) error

// AsyncFunc is a handler that runs in its own goroutine. The context is
// cancelled when the bus shuts down.
type AsyncFunc func(ctx context.Context, ev event.Event) error

type handlerKind int

const (
	kindSync handlerKind = iota
	kindAsync
)

// handlerCore is heap-allocated so Handler values compare by registration
// identity, which Unsubscribe relies on.
type handlerCore struct {
	kind  handlerKind
	sync  SyncFunc
	async AsyncFunc
}

// Handler is an opaque subscription target. Build one with Sync or Async;
// the execution mode is fixed at construction.
type Handler struct {
	core *handlerCore
}

// Sync wraps fn as an inline handler.
//
// Precondition: fn must be non-nil.
func Sync(fn SyncFunc) Handler {
	if fn == nil {
		return Handler{}
	}
	return Handler{core: &handlerCore{kind: kindSync, sync: fn}}
}

// Async wraps fn as a goroutine-per-event handler.
//
// Precondition: fn must be non-nil.
func Async(fn AsyncFunc) Handler {
	if fn == nil {
		return Handler{}
	}
	return Handler{core: &handlerCore{kind: kindAsync, async: fn}}
}

// Options configures a Bus. Zero values select the defaults.
type Options struct {
	// QueueCapacity bounds the publish queue. Publish fails with ErrQueueFull
	// when the queue is full rather than blocking.
	QueueCapacity int
	// ShutdownGrace bounds how long Shutdown waits for in-flight handlers.
	ShutdownGrace time.Duration
}

// Bus is an asynchronous event bus. The dispatch goroutine is started lazily
// on the first Publish, so constructing a Bus spawns nothing.
// All methods are safe for concurrent use.
type Bus struct {
	logger *zap.Logger
	opts   Options

	mu       sync.RWMutex
	handlers map[event.Type][]Handler
	closed   bool

	queue     chan event.Event
	startOnce sync.Once
	loopDone  chan struct{}
	stopCh    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	tasks       sync.WaitGroup
	activeTasks atomic.Int64
	running     atomic.Bool
}

// New creates a Bus. No goroutines run until the first Publish.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger, opts Options) *Bus {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:   logger,
		opts:     opts,
		handlers: make(map[event.Type][]Handler),
		queue:    make(chan event.Event, opts.QueueCapacity),
		loopDone: make(chan struct{}),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers a handler for the given event type. A handler may be
// registered for multiple types; registering the same Handler twice for one
// type delivers each event to it twice.
//
// Precondition: t must be non-empty; h must come from Sync or Async.
// Postcondition: The handler receives every matching event published after registration.
func (b *Bus) Subscribe(t event.Type, h Handler) error {
	if t == "" {
		return ErrEmptyType
	}
	if h.core == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[t] = append(b.handlers[t], h)
	return nil
}

// Unsubscribe removes a previously registered handler.
//
// Postcondition: Returns true if the handler was registered for t, false otherwise.
func (b *Bus) Unsubscribe(t event.Type, h Handler) bool {
	if t == "" || h.core == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[t]
	for i, existing := range hs {
		if existing.core == h.core {
			b.handlers[t] = append(hs[:i], hs[i+1:]...)
			if len(b.handlers[t]) == 0 {
				delete(b.handlers, t)
			}
			return true
		}
	}
	return false
}

// Publish enqueues an event for dispatch and returns without waiting for any
// handler. The first call starts the dispatch goroutine. Publishing an event
// type with no subscribers succeeds and dispatches to no one.
//
// Precondition: ev must be non-nil with a non-empty type.
// Postcondition: The event is queued for FIFO dispatch, or an error is
// returned and the event is dropped.
func (b *Bus) Publish(ev event.Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	if ev.EventType() == "" {
		return ErrEmptyType
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	b.startOnce.Do(func() {
		b.running.Store(true)
		go b.dispatchLoop()
	})

	select {
	case b.queue <- ev:
		return nil
	default:
		b.logger.Warn("event queue full, dropping event",
			zap.String("event_type", string(ev.EventType())),
		)
		return fmt.Errorf("%w: %s", ErrQueueFull, ev.EventType())
	}
}

// dispatchLoop is the single consumer of the publish queue. Events enqueued
// before shutdown are still dispatched; handlers already running are bounded
// only by the shutdown grace.
func (b *Bus) dispatchLoop() {
	defer close(b.loopDone)
	defer b.running.Store(false)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers one event to every handler registered for its type.
// Sync handlers run inline; async handlers are spawned and tracked.
func (b *Bus) dispatch(ev event.Event) {
	t := ev.EventType()

	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[t]))
	copy(hs, b.handlers[t])
	b.mu.RUnlock()

	for _, h := range hs {
		switch h.core.kind {
		case kindSync:
			b.runSync(h.core.sync, ev)
		case kindAsync:
			b.tasks.Add(1)
			b.activeTasks.Add(1)
			go b.runAsync(h.core.async, ev)
		}
	}
}

func (b *Bus) runSync(fn SyncFunc, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("sync handler panicked",
				zap.String("event_type", string(ev.EventType())),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(ev); err != nil {
		b.logger.Error("sync handler failed",
			zap.String("event_type", string(ev.EventType())),
			zap.Error(err),
		)
	}
}

func (b *Bus) runAsync(fn AsyncFunc, ev event.Event) {
	defer b.tasks.Done()
	defer b.activeTasks.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("async handler panicked",
				zap.String("event_type", string(ev.EventType())),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(b.ctx, ev); err != nil {
		b.logger.Error("async handler failed",
			zap.String("event_type", string(ev.EventType())),
			zap.Error(err),
		)
	}
}

// Shutdown stops intake, dispatches events already queued, cancels the context
// passed to async handlers, and waits for in-flight handlers up to the
// shutdown grace or ctx's deadline, whichever ends first. Handlers still
// running after that are abandoned. Safe to call more than once.
//
// Postcondition: Publish and Subscribe return ErrClosed. Returns a non-nil
// error only when handlers were abandoned.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	started := b.running.Load()
	close(b.stopCh)
	b.cancel()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-b.loopDone
		b.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(b.opts.ShutdownGrace):
	case <-ctx.Done():
	}

	abandoned := b.activeTasks.Load()
	b.logger.Warn("event bus shutdown timed out",
		zap.Int64("abandoned_tasks", abandoned),
	)
	return fmt.Errorf("event bus shutdown: %d handler(s) abandoned", abandoned)
}

// Running reports whether the dispatch goroutine has been started and has not
// yet exited.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// QueueDepth returns the number of events waiting for dispatch.
func (b *Bus) QueueDepth() int {
	return len(b.queue)
}

// ActiveTasks returns the number of async handler goroutines in flight.
func (b *Bus) ActiveTasks() int64 {
	return b.activeTasks.Load()
}

// SubscriberCount returns the number of handlers registered for t.
func (b *Bus) SubscriberCount(t event.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
