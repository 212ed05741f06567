package memory

import (
	"sync"

	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"go.uber.org/zap"
)

// Dispatcher implements ports.EventDispatcher with synchronous in-process
// delivery. Handlers for a kind run in registration order on the
// publisher's goroutine.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[protocol.Kind][]subscription
	registered  map[protocol.Kind]struct{}
	nextID      ports.SubscriptionID
	logger      *zap.Logger
}

type subscription struct {
	id      ports.SubscriptionID
	handler ports.EventHandler
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[protocol.Kind][]subscription),
		registered:  make(map[protocol.Kind]struct{}),
		logger:      logger,
	}
}

// Subscribe registers handler for kind and records kind as subscribed.
// The record survives Unsubscribe.
func (d *Dispatcher) Subscribe(kind protocol.Kind, handler ports.EventHandler) ports.SubscriptionID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.subscribers[kind] = append(d.subscribers[kind], subscription{id: id, handler: handler})
	d.registered[kind] = struct{}{}
	return id
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(kind protocol.Kind, id ports.SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subscribers[kind]
	for i, s := range subs {
		if s.id == id {
			// copy so snapshots held by in-flight publishes stay intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(d.subscribers, kind)
			} else {
				d.subscribers[kind] = next
			}
			return
		}
	}
}

// Publish delivers payload to the current subscribers of kind. Handlers
// added or removed during delivery do not affect this call.
func (d *Dispatcher) Publish(kind protocol.Kind, payload any) {
	d.mu.RLock()
	handlers := make([]subscription, len(d.subscribers[kind]))
	copy(handlers, d.subscribers[kind])
	d.mu.RUnlock()

	event := ports.Event{Kind: kind, Payload: payload}
	for _, s := range handlers {
		d.deliver(s, event)
	}
}

// Signal publishes a kind that carries no payload
func (d *Dispatcher) Signal(kind protocol.Kind) {
	d.Publish(kind, nil)
}

// Subscribed reports whether kind has ever been subscribed to
func (d *Dispatcher) Subscribed(kind protocol.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.registered[kind]
	return ok
}

// Count returns the number of active handlers for kind
func (d *Dispatcher) Count(kind protocol.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.subscribers[kind])
}

// Close drops all handlers. The subscribed-kind record is kept.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscribers = make(map[protocol.Kind][]subscription)
	return nil
}

func (d *Dispatcher) deliver(s subscription, event ports.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("kind", string(event.Kind)),
				zap.Uint64("subscription", uint64(s.id)),
				zap.Any("panic", r))
		}
	}()
	s.handler(event)
}
