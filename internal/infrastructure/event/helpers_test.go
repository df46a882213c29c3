package event

import (
	"context"
	"sync"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/worker"
)

type testEvent struct {
	shared.BaseDomainEvent
	Data string `json:"data"`
}

func newTestEvent(eventType string) *testEvent {
	return &testEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, "Customer", "cus_1", "proj_1"),
		Data:            "payload",
	}
}

type testHandler struct {
	mu         sync.Mutex
	eventTypes []string
	handled    []shared.DomainEvent
	err        error
	panicWith  any
}

func newTestHandler(eventTypes ...string) *testHandler {
	return &testHandler{eventTypes: eventTypes}
}

func (h *testHandler) Handle(ctx context.Context, evt shared.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, evt)
	if h.panicWith != nil {
		panic(h.panicWith)
	}
	return h.err
}

func (h *testHandler) EventTypes() []string { return h.eventTypes }

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

// queueDispatcher records tasks and runs them when drained.
type queueDispatcher struct {
	mu     sync.Mutex
	tasks  []worker.Task
	reject bool
}

func (d *queueDispatcher) Submit(name string, fn worker.Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return false
	}
	d.tasks = append(d.tasks, fn)
	return true
}

func (d *queueDispatcher) drain() {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, fn := range tasks {
		_ = fn(context.Background())
	}
}
