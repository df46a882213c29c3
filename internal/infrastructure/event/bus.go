// Package event delivers domain events to in-process handlers and forwards
// them to the analytics sink.
package event

import (
	"context"
	"sync/atomic"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/worker"
	"go.uber.org/zap"
)

// Dispatcher runs handler work off the publishing goroutine. *worker.Pool
// satisfies it.
type Dispatcher interface {
	Submit(name string, fn worker.Task) bool
}

// InMemoryEventBus implements shared.EventBus with in-memory pub/sub.
// Without a Dispatcher handlers run synchronously inside Publish.
type InMemoryEventBus struct {
	registry   *HandlerRegistry
	dispatcher Dispatcher
	logger     *zap.Logger
	running    atomic.Bool

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// BusOption configures an InMemoryEventBus
type BusOption func(*InMemoryEventBus)

// WithDispatcher hands each (event, handler) delivery to d.
func WithDispatcher(d Dispatcher) BusOption {
	return func(b *InMemoryEventBus) {
		b.dispatcher = d
	}
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger, opts ...BusOption) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &InMemoryEventBus{
		registry: NewHandlerRegistry(),
		logger:   logger.Named("event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers events to every matching handler. Handler failures are
// logged and never returned: publishing is best-effort.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	for _, evt := range events {
		b.published.Add(1)
		for _, h := range b.registry.GetHandlers(evt.EventType()) {
			if b.dispatcher == nil {
				b.deliver(ctx, h, evt)
				continue
			}
			h, evt := h, evt
			ok := b.dispatcher.Submit("event:"+evt.EventType(), func(taskCtx context.Context) error {
				b.deliver(taskCtx, h, evt)
				return nil
			})
			if !ok {
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Subscribe registers a handler. Without explicit types the handler's own
// EventTypes are used; an empty list subscribes to everything.
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}
	b.registry.Register(handler, eventTypes...)
	b.logger.Debug("handler subscribed", zap.Strings("event_types", eventTypes))
}

// Unsubscribe removes a handler
func (b *InMemoryEventBus) Unsubscribe(handler shared.EventHandler) {
	b.registry.Unregister(handler)
}

// Start marks the bus running
func (b *InMemoryEventBus) Start(ctx context.Context) error {
	b.running.Store(true)
	b.logger.Info("event bus started")
	return nil
}

// Stop marks the bus stopped. Deliveries queued on the dispatcher drain
// with the dispatcher itself.
func (b *InMemoryEventBus) Stop(ctx context.Context) error {
	b.running.Store(false)
	b.logger.Info("event bus stopped",
		zap.Int64("published", b.published.Load()),
		zap.Int64("failed", b.failed.Load()),
		zap.Int64("dropped", b.dropped.Load()),
	)
	return nil
}

// BusStats is a snapshot of delivery counters
type BusStats struct {
	Published int64
	Failed    int64
	Dropped   int64
}

// Stats returns delivery counters
func (b *InMemoryEventBus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *InMemoryEventBus) deliver(ctx context.Context, h shared.EventHandler, evt shared.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Error("handler panicked",
				zap.String("event_type", evt.EventType()),
				zap.String("event_id", evt.EventID().String()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := h.Handle(ctx, evt); err != nil {
		b.failed.Add(1)
		b.logger.Error("handler failed to process event",
			zap.String("event_type", evt.EventType()),
			zap.String("event_id", evt.EventID().String()),
			zap.String("project_id", evt.ProjectID()),
			zap.Error(err),
		)
	}
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)
