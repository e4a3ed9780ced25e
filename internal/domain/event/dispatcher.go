package event

import (
	"sync"

	"go.uber.org/zap"
)

// EventHandler handles domain events
type EventHandler interface {
	// Handle processes the event
	Handle(event DomainEvent) error
	// HandledEvents returns the event names this handler handles, or "*"
	HandledEvents() []string
}

// EventDispatcher dispatches domain events to registered handlers
type EventDispatcher interface {
	// Dispatch sends an event to all registered handlers
	Dispatch(event DomainEvent)
	// Subscribe registers a handler for events
	Subscribe(handler EventHandler)
	// Unsubscribe removes a handler
	Unsubscribe(handler EventHandler)
}

// InMemoryDispatcher delivers events synchronously, in subscription order,
// on the dispatching goroutine. Events from one producer therefore arrive
// in the order they happened.
type InMemoryDispatcher struct {
	mu       sync.RWMutex
	named    map[string][]EventHandler
	wildcard []EventHandler
	logger   *zap.Logger
}

// NewInMemoryDispatcher creates a new InMemoryDispatcher. Handler errors are
// logged to logger.
func NewInMemoryDispatcher(logger *zap.Logger) *InMemoryDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryDispatcher{
		named:  make(map[string][]EventHandler),
		logger: logger,
	}
}

// Dispatch sends an event to the handlers registered for its name, then to
// the wildcard handlers
func (d *InMemoryDispatcher) Dispatch(event DomainEvent) {
	d.mu.RLock()
	named := d.named[event.EventName()]
	targets := make([]EventHandler, 0, len(named)+len(d.wildcard))
	targets = append(targets, named...)
	targets = append(targets, d.wildcard...)
	d.mu.RUnlock()

	for _, h := range targets {
		if err := h.Handle(event); err != nil {
			d.logger.Warn("event handler failed",
				zap.String("event", event.EventName()),
				zap.Error(err))
		}
	}
}

// Subscribe registers a handler for events
func (d *InMemoryDispatcher) Subscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, name := range handler.HandledEvents() {
		if name == "*" {
			d.wildcard = append(d.wildcard, handler)
			continue
		}
		d.named[name] = append(d.named[name], handler)
	}
}

// Unsubscribe removes a handler
func (d *InMemoryDispatcher) Unsubscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, handlers := range d.named {
		d.named[name] = without(handlers, handler)
	}
	d.wildcard = without(d.wildcard, handler)
}

// without returns handlers minus h, in a new slice so that snapshots taken
// by Dispatch stay intact
func without(handlers []EventHandler, h EventHandler) []EventHandler {
	out := make([]EventHandler, 0, len(handlers))
	for _, existing := range handlers {
		if existing != h {
			out = append(out, existing)
		}
	}
	return out
}

// NullDispatcher is a no-op dispatcher for when events are not needed
type NullDispatcher struct{}

// NewNullDispatcher creates a new NullDispatcher
func NewNullDispatcher() *NullDispatcher {
	return &NullDispatcher{}
}

// Dispatch does nothing
func (d *NullDispatcher) Dispatch(event DomainEvent) {}

// Subscribe does nothing
func (d *NullDispatcher) Subscribe(handler EventHandler) {}

// Unsubscribe does nothing
func (d *NullDispatcher) Unsubscribe(handler EventHandler) {}
