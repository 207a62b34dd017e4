// Copyright 2024-2026 Aiku AI

package callbacks

import (
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// Listener is the application's registry of event handlers, keyed by event
// type. Handlers for the same type keep their registration order, and types
// are visited in the order they were first registered.
type Listener struct {
	mu       sync.Mutex
	order    []event.Type
	handlers map[event.Type][]mautrix.EventHandler
}

// NewListener returns an empty registry.
func NewListener() *Listener {
	return &Listener{
		handlers: make(map[event.Type][]mautrix.EventHandler),
	}
}

// On registers handler for events of the given type.
func (l *Listener) On(eventType event.Type, handler mautrix.EventHandler) {
	if handler == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[eventType]; !ok {
		l.order = append(l.order, eventType)
	}
	l.handlers[eventType] = append(l.handlers[eventType], handler)
}

// OnMessage registers handler for m.room.message events.
func (l *Listener) OnMessage(handler mautrix.EventHandler) {
	l.On(event.EventMessage, handler)
}

// Each calls fn for every registered handler in registration order.
func (l *Listener) Each(fn func(eventType event.Type, handler mautrix.EventHandler)) {
	l.mu.Lock()
	order := make([]event.Type, len(l.order))
	copy(order, l.order)
	handlers := make(map[event.Type][]mautrix.EventHandler, len(l.handlers))
	for evtType, list := range l.handlers {
		handlers[evtType] = append([]mautrix.EventHandler(nil), list...)
	}
	l.mu.Unlock()

	for _, evtType := range order {
		for _, handler := range handlers[evtType] {
			fn(evtType, handler)
		}
	}
}

// Len returns the total number of registered handlers.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, list := range l.handlers {
		n += len(list)
	}
	return n
}
