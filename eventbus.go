package modforge

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EventHandler is invoked for every event published under a subscribed id.
// Dispatch is synchronous on the publishing goroutine; handlers should return
// quickly. A handler error is logged and does not stop delivery to the
// remaining handlers for that publish.
type EventHandler func(event Event) error

// Subscription identifies one registered handler so it can be removed later.
type Subscription interface {
	// EventID returns the event identifier being subscribed to.
	EventID() string

	// ID returns the unique identifier for this subscription.
	ID() string

	// Owner returns the object the subscription was registered on behalf of.
	// UnsubscribeOwner removes every subscription sharing an owner.
	Owner() any
}

type busSubscription struct {
	id      string
	eventID string
	owner   any
	handler EventHandler
}

func (s *busSubscription) EventID() string { return s.eventID }
func (s *busSubscription) ID() string      { return s.id }
func (s *busSubscription) Owner() any      { return s.owner }

// EventBus is a synchronous publish/subscribe hub keyed by event id.
//
// Dispatch happens on the calling goroutine, in registration order, to the
// handlers registered under the published event's own id only — a subtype
// does not trigger handlers registered under another id. Publishing from
// inside a handler is safe: the nested publish completes depth-first before
// the outer dispatch loop continues.
//
// The subscription maps are mutex-guarded so mutation is safe from awaited
// continuations, but the design assumes bus traffic originates from a single
// logical update thread.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]*busSubscription
	logger   Logger
	mirrors  []func(Event)
}

// NewEventBus creates an event bus. The logger receives handler failures.
func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]*busSubscription),
		logger:   logger,
	}
}

// Subscribe registers handler for events published under eventID. The owner
// is an arbitrary object (typically the mod behaviour) used by
// UnsubscribeOwner to detach everything a mod registered in one call.
func (b *EventBus) Subscribe(eventID string, owner any, handler EventHandler) (Subscription, error) {
	if eventID == "" {
		return nil, ErrEventIDEmpty
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}

	sub := &busSubscription{
		id:      uuid.New().String(),
		eventID: eventID,
		owner:   owner,
		handler: handler,
	}

	b.mu.Lock()
	b.handlers[eventID] = append(b.handlers[eventID], sub)
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a single subscription. Unknown or already-removed
// subscriptions are a no-op.
func (b *EventBus) Unsubscribe(subscription Subscription) error {
	sub, ok := subscription.(*busSubscription)
	if !ok {
		return ErrSubscriptionInvalid
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.eventID]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.eventID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.eventID]) == 0 {
		delete(b.handlers, sub.eventID)
	}
	return nil
}

// UnsubscribeOwner removes every subscription registered with the given
// owner, across all event ids. It returns the number of subscriptions
// removed. Used to fully detach a mod on unload without requiring it to
// remember each individual subscription.
func (b *EventBus) UnsubscribeOwner(owner any) int {
	if owner == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for eventID, subs := range b.handlers {
		kept := subs[:0]
		for _, s := range subs {
			if s.owner == owner {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.handlers, eventID)
		} else {
			b.handlers[eventID] = kept
		}
	}
	return removed
}

// Publish delivers event synchronously to all handlers currently registered
// under event.EventID(), in registration order. Handler errors and panics
// are logged per handler; one failing handler never prevents delivery to the
// rest.
func (b *EventBus) Publish(event Event) error {
	if event == nil {
		return ErrEventNil
	}
	if event.EventID() == "" {
		return ErrEventIDEmpty
	}

	// Snapshot under the read lock so handlers may subscribe/unsubscribe
	// (including re-entrant publishes) without holding the lock during
	// dispatch.
	b.mu.RLock()
	subs := make([]*busSubscription, len(b.handlers[event.EventID()]))
	copy(subs, b.handlers[event.EventID()])
	mirrors := b.mirrors
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
	for _, mirror := range mirrors {
		mirror(event)
	}
	return nil
}

func (b *EventBus) dispatch(sub *busSubscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"eventId", event.EventID(), "subscription", sub.id, "panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := sub.handler(event); err != nil {
		b.logger.Error("Event handler failed",
			"eventId", event.EventID(), "subscription", sub.id, "error", err)
	}
}

// SubscriberCount returns the number of handlers registered under eventID.
func (b *EventBus) SubscriberCount(eventID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventID])
}

// EventIDs returns the event ids that currently have at least one handler.
func (b *EventBus) EventIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	return ids
}

// addMirror registers a tap that sees every published event after normal
// dispatch. Used by the CloudEvents observer bridge.
func (b *EventBus) addMirror(fn func(Event)) {
	b.mu.Lock()
	b.mirrors = append(b.mirrors, fn)
	b.mu.Unlock()
}

// SubscribeTo registers a handler for a concrete event type. Events published
// under eventID that are not a T are ignored, which keeps mod handlers free
// of type assertions:
//
//	modforge.SubscribeTo(bus, "player_damaged", mod, func(e PlayerDamagedEvent) error {
//	    ...
//	})
func SubscribeTo[T Event](bus *EventBus, eventID string, owner any, handler func(T) error) (Subscription, error) {
	if handler == nil {
		return nil, ErrHandlerNil
	}
	return bus.Subscribe(eventID, owner, func(event Event) error {
		typed, ok := event.(T)
		if !ok {
			return nil
		}
		return handler(typed)
	})
}
