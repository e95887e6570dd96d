package loom

import (
	"context"
	"reflect"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultBusConcurrency bounds concurrent handlers when NewBus is
// used without an explicit bound.
const DefaultBusConcurrency = 1024

type busHandler func(ctx context.Context, event any) error

// Bus is an in-process typed publish/subscribe fabric. Handlers are
// invoked in subscription order for a given event type but execute
// concurrently on spawned goroutines; an optional semaphore bounds
// the number of in-flight handlers across all event types.
//
// The handle is clonable: copies share the same handler table.
type Bus struct {
	shared *busShared
}

type busShared struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]busHandler
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewBus creates a bus with the default concurrency bound.
func NewBus() *Bus {
	return NewBusWithConcurrency(DefaultBusConcurrency)
}

// NewBusWithConcurrency creates a bus whose Emit suspends once n
// handlers are in flight.
func NewBusWithConcurrency(n int64) *Bus {
	return &Bus{shared: &busShared{
		handlers: make(map[reflect.Type][]busHandler),
		sem:      semaphore.NewWeighted(n),
		logger:   zap.NewNop(),
	}}
}

// NewUnboundedBus creates a bus without backpressure. A fast emitter
// can outrun slow handlers; prefer a bounded bus.
func NewUnboundedBus() *Bus {
	return &Bus{shared: &busShared{
		handlers: make(map[reflect.Type][]busHandler),
		logger:   zap.NewNop(),
	}}
}

// WithLogger routes handler panic reports through the given logger.
func (b *Bus) WithLogger(logger *zap.Logger) *Bus {
	b.shared.mu.Lock()
	b.shared.logger = logger
	b.shared.mu.Unlock()
	return b
}

// Subscribe appends a handler for events of type E. The handler
// receives a shared pointer to each emitted event; it must not
// mutate the payload.
func Subscribe[E any](b *Bus, handler func(ctx context.Context, event *E) error) {
	t := reflect.TypeOf((*E)(nil))
	wrapped := func(ctx context.Context, event any) error {
		return handler(ctx, event.(*E))
	}

	b.shared.mu.Lock()
	b.shared.handlers[t] = append(b.shared.handlers[t], wrapped)
	b.shared.mu.Unlock()
}

// Emit dispatches event to every handler subscribed to its type:
// each handler acquires a permit (when bounded) and runs on its own
// goroutine. Emit returns once all handlers have been spawned; with
// no handlers it is a no-op. Late subscribers are not invoked for an
// emit already in progress.
//
// Subscriptions key on *E; a non-pointer event is copied onto the
// heap first, so emitting E and *E reach the same handlers.
func (b *Bus) Emit(ctx context.Context, event any) error {
	return b.emit(ctx, event, nil)
}

// EmitAndWait is Emit followed by waiting for every spawned handler;
// handler errors are joined into the return value.
func (b *Bus) EmitAndWait(ctx context.Context, event any) error {
	g := new(errgroup.Group)
	if err := b.emit(ctx, event, g); err != nil {
		return err
	}
	return g.Wait()
}

func (b *Bus) emit(ctx context.Context, event any, g *errgroup.Group) error {
	t := reflect.TypeOf(event)
	if t != nil && t.Kind() != reflect.Pointer {
		p := reflect.New(t)
		p.Elem().Set(reflect.ValueOf(event))
		event = p.Interface()
		t = p.Type()
	}

	b.shared.mu.RLock()
	handlers := append([]busHandler(nil), b.shared.handlers[t]...)
	logger := b.shared.logger
	sem := b.shared.sem
	b.shared.mu.RUnlock()

	for _, h := range handlers {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
		}

		run := func(h busHandler) func() error {
			return func() (err error) {
				defer func() {
					if sem != nil {
						sem.Release(1)
					}
					if r := recover(); r != nil {
						logger.Error("event handler panicked",
							zap.String("event", t.String()),
							zap.Any("panic", r),
							zap.ByteString("stack", debug.Stack()))
					}
				}()
				return h(ctx, event)
			}
		}(h)

		if g != nil {
			g.Go(run)
			continue
		}
		go func() { _ = run() }()
	}
	return nil
}
