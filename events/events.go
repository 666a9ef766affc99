// Package events implements the typed publish/subscribe event bus from
// spec.md §4 (C2), generalized from the teacher's attestation broadcast/collect
// shape (pkg/batch/attestation_broadcaster.go) into a general pub/sub primitive.
package events

import (
	"sync"

	"github.com/certen/bridgekit/bridgelog"
)

// Type is one of the fixed event names from spec.md §6.
type Type string

const (
	QuoteUpdated         Type = "QUOTE_UPDATED"
	ExecutionStarted     Type = "EXECUTION_STARTED"
	StepChanged          Type = "STEP_CHANGED"
	ApprovalRequired     Type = "APPROVAL_REQUIRED"
	TransactionSent      Type = "TRANSACTION_SENT"
	TransactionConfirmed Type = "TRANSACTION_CONFIRMED"
	DepositStarted       Type = "DEPOSIT_STARTED"
	DepositCompleted     Type = "DEPOSIT_COMPLETED"
	ExecutionCompleted   Type = "EXECUTION_COMPLETED"
	ExecutionFailed      Type = "EXECUTION_FAILED"
	StatusChanged        Type = "STATUS_CHANGED"
)

// Event is a single published occurrence. ExecutionID is empty for events that
// are not scoped to a particular execution (e.g. QuoteUpdated).
type Event struct {
	Type        Type
	ExecutionID string
	Payload     any
}

// Handler receives published events. Handlers must not block for long; the bus
// invokes them synchronously and best-effort (panics and nothing else are
// recovered — handler errors have no return path by design, matching spec.md
// §4.9's "callbacks and event emissions are best-effort").
type Handler func(Event)

// Bus is a simple synchronous, per-type multi-subscriber dispatcher. Within a
// single executionId, events are always published by a single orchestrator
// goroutine, so delivery order for that executionId is the publish order
// (spec.md §5 "Ordering").
type Bus struct {
	mu     sync.RWMutex
	once   bool
	subs   map[Type][]subscription
	nextID int
	log    *bridgelog.Logger
}

type subscription struct {
	id      int
	handler Handler
}

// New creates an empty event bus. A nil logger is replaced with a discard logger.
func New(log *bridgelog.Logger) *Bus {
	if log == nil {
		log = bridgelog.Discard()
	}
	return &Bus{subs: make(map[Type][]subscription), log: log.WithComponent("events")}
}

// On subscribes handler to events of the given type and returns an unsubscribe
// token usable with Off.
func (b *Bus) On(t Type, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	return id
}

// Once subscribes handler to fire at most once for the given type.
func (b *Bus) Once(t Type, handler Handler) int {
	var id int
	wrapped := func(e Event) {
		handler(e)
		b.Off(t, id)
	}
	id = b.On(t, wrapped)
	return id
}

// Off removes the subscription with the given id from type t.
func (b *Bus) Off(t Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish dispatches an event to every subscriber of its type, in subscription
// order. A panicking handler is caught and logged, never propagated — matching
// spec.md §4.9's "best-effort" delivery guarantee for listener callbacks.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[e.Type]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.safeInvoke(s.handler, e)
	}
}

func (b *Bus) safeInvoke(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event_type", string(e.Type), "recovered", r)
		}
	}()
	handler(e)
}
