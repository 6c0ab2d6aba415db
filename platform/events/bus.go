package events

import (
	"context"
	"errors"
	"sync"

	"lead_router_backend/platform/logger"
)

// InMemoryBus dispatches events to handlers registered in this process.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *logger.Logger
	wg       sync.WaitGroup
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for the named event.
func (b *InMemoryBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

func (b *InMemoryBus) handlersFor(eventName string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[eventName]...)
}

// Publish runs handlers asynchronously on a context detached from the caller,
// so request cancellation does not abort audit writes.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	handlers := b.handlersFor(event.EventName())
	if len(handlers) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := h.Handle(detached, event); err != nil && b.log != nil {
				b.log.Error("event handler failed", "event", event.EventName(), "event_id", event.EventID(), "error", err)
			}
		}(h)
	}
}

// PublishSync runs handlers in order and joins their errors.
func (b *InMemoryBus) PublishSync(ctx context.Context, event Event) error {
	var errs []error
	for _, h := range b.handlersFor(event.EventName()) {
		if err := h.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until asynchronously published handlers have returned.
func (b *InMemoryBus) Wait() {
	b.wg.Wait()
}

var _ Bus = (*InMemoryBus)(nil)
