// CloudEvents bridge for the mod system. Host-side observers (telemetry,
// tooling, external integrations) register here and receive standardized
// CloudEvents for system lifecycle transitions and, optionally, a mirror of
// all bus traffic.
package modforge

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// CloudEvent types emitted by the core, in reverse domain notation.
const (
	CloudEventTypeSystemReady = "com.modforge.system.ready"
	CloudEventTypeModLoaded   = "com.modforge.mod.loaded"
	CloudEventTypeModUnloaded = "com.modforge.mod.unloaded"
	CloudEventTypeModFailed   = "com.modforge.mod.failed"
	CloudEventTypeBusEvent    = "com.modforge.bus.event"
)

// Observer receives CloudEvents from the system notifier. Observers should
// handle events quickly to avoid blocking the publisher.
type Observer interface {
	// OnEvent is called for each matching event.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// FunctionalObserver adapts a plain function to the Observer interface.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer from a handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

// NewCloudEvent creates a properly formed CloudEvent.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// generateEventID returns a UUIDv7 (time-ordered) id, falling back to v4.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

type observerEntry struct {
	observer   Observer
	eventTypes map[string]bool // empty means all
}

// SystemNotifier distributes CloudEvents to registered observers. Observer
// errors are logged and do not affect other observers or the emitter.
type SystemNotifier struct {
	mu        sync.RWMutex
	observers map[string]*observerEntry
	logger    Logger
}

// NewSystemNotifier creates a notifier.
func NewSystemNotifier(logger Logger) *SystemNotifier {
	return &SystemNotifier{
		observers: make(map[string]*observerEntry),
		logger:    logger,
	}
}

// RegisterObserver adds an observer, optionally filtered to the given
// CloudEvent types. Re-registering an id replaces the previous filter.
func (n *SystemNotifier) RegisterObserver(observer Observer, eventTypes ...string) {
	entry := &observerEntry{observer: observer, eventTypes: make(map[string]bool, len(eventTypes))}
	for _, t := range eventTypes {
		entry.eventTypes[t] = true
	}

	n.mu.Lock()
	n.observers[observer.ObserverID()] = entry
	n.mu.Unlock()
}

// UnregisterObserver removes an observer. Idempotent.
func (n *SystemNotifier) UnregisterObserver(observer Observer) {
	n.mu.Lock()
	delete(n.observers, observer.ObserverID())
	n.mu.Unlock()
}

// ObserverCount returns the number of registered observers.
func (n *SystemNotifier) ObserverCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}

// Notify delivers event to every observer whose filter matches its type.
func (n *SystemNotifier) Notify(ctx context.Context, event cloudevents.Event) {
	n.mu.RLock()
	entries := make([]*observerEntry, 0, len(n.observers))
	for _, entry := range n.observers {
		entries = append(entries, entry)
	}
	n.mu.RUnlock()

	for _, entry := range entries {
		if len(entry.eventTypes) > 0 && !entry.eventTypes[event.Type()] {
			continue
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil {
			n.logger.Error("Observer failed to handle event",
				"observer", entry.observer.ObserverID(), "type", event.Type(), "error", err)
		}
	}
}

// MirrorBus taps the event bus so every published bus event is also
// delivered to observers as a CloudEventTypeBusEvent, carrying the bus event
// id and sender as extensions.
func (n *SystemNotifier) MirrorBus(bus *EventBus) {
	bus.addMirror(func(event Event) {
		ce := NewCloudEvent(CloudEventTypeBusEvent, "modforge/eventbus", event, map[string]any{
			"buseventid": event.EventID(),
			"sender":     event.SenderID(),
		})
		n.Notify(context.Background(), ce)
	})
}
