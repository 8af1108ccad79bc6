package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventHandler reacts to one auth event, such as the audit trail recording a
// login_failed attempt.
type EventHandler func(context.Context, Event) error

// Dispatcher fans auth events (user_registered, login_succeeded, login_failed,
// account_status_changed, logged_out) out to their subscribers. The auth
// service publishes after each state change. The audit service subscribes to
// AllEventTypes. A failed handler never undoes the change it reports.
type Dispatcher interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType EventType, handler EventHandler)
}

// inMemoryDispatcher delivers in-process, on the publisher's goroutine.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventHandler
}

// NewInMemoryDispatcher returns an empty Dispatcher.
func NewInMemoryDispatcher() Dispatcher {
	return &inMemoryDispatcher{
		listeners: make(map[EventType][]EventHandler),
	}
}

// Publish runs every handler subscribed to event.Type in subscription order.
// Later handlers still run after a failure. Each error is tagged with the
// event type and the errors are joined.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.listeners[event.Type]...)
	d.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", event.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe adds handler for eventType. It is safe to call while events are
// being published.
func (d *inMemoryDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventType] = append(d.listeners[eventType], handler)
}
