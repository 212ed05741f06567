// Package ports declares the interfaces that connect the client's
// application layer to its adapters.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/comfyrt/pkg/protocol"
)

// Event is one dispatched occurrence of a kind
type Event struct {
	Kind    protocol.Kind
	Payload any
}

// EventHandler receives dispatched events
type EventHandler func(event Event)

// SubscriptionID identifies a registered handler
type SubscriptionID uint64

// EventDispatcher is the typed publish/subscribe surface
type EventDispatcher interface {
	Subscribe(kind protocol.Kind, handler EventHandler) SubscriptionID
	Unsubscribe(kind protocol.Kind, id SubscriptionID)
	Publish(kind protocol.Kind, payload any)
	Signal(kind protocol.Kind)
	// Subscribed reports whether kind has ever had a subscriber
	Subscribed(kind protocol.Kind) bool
}

// KeyValueStore persists small string values
type KeyValueStore interface {
	// Get returns ("", false, nil) when key is absent
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MetricsCollector records client telemetry
type MetricsCollector interface {
	RecordFrame(kind protocol.Kind)
	RecordDecodeError(reason string)
	RecordUnknownKind()
	RecordConnectionState(state string)
	RecordReconnect()
	RecordPoll(ok bool)
	RecordSubmission(status string, duration time.Duration)
}

// NopMetrics discards all telemetry
type NopMetrics struct{}

func (NopMetrics) RecordFrame(protocol.Kind)              {}
func (NopMetrics) RecordDecodeError(string)               {}
func (NopMetrics) RecordUnknownKind()                     {}
func (NopMetrics) RecordConnectionState(string)           {}
func (NopMetrics) RecordReconnect()                       {}
func (NopMetrics) RecordPoll(bool)                        {}
func (NopMetrics) RecordSubmission(string, time.Duration) {}
