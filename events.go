package modforge

import (
	"time"
)

// Event is the contract every bus message satisfies. Routing and dispatch key
// on EventID (a stable string identifier), never on structural equality.
type Event interface {
	// EventID returns the stable identifier this event is published under.
	EventID() string

	// SenderID identifies the mod or core component that published the event.
	SenderID() string

	// Timestamp returns when the event was created.
	Timestamp() time.Time
}

// RequestIDCarrier is implemented by request and response events so the
// RequestResponseManager can correlate them. See reqresp.go.
type RequestIDCarrier interface {
	RequestID() string
}

// BaseEvent supplies the Event plumbing. Embed it in concrete event types:
//
//	type PlayerDamagedEvent struct {
//	    modforge.BaseEvent
//	    Amount int
//	}
type BaseEvent struct {
	ID     string
	Sender string
	At     time.Time
}

// NewBaseEvent stamps an event with its id, sender and the current time.
func NewBaseEvent(eventID, senderID string) BaseEvent {
	return BaseEvent{ID: eventID, Sender: senderID, At: time.Now()}
}

func (e BaseEvent) EventID() string      { return e.ID }
func (e BaseEvent) SenderID() string     { return e.Sender }
func (e BaseEvent) Timestamp() time.Time { return e.At }

// setIdentity stamps factory-constructed events (router actions) with their
// id, the triggering sender and a fresh timestamp.
func (e *BaseEvent) setIdentity(eventID, senderID string) {
	e.ID = eventID
	e.Sender = senderID
	e.At = time.Now()
}

// Event identifiers for events the core itself publishes.
const (
	EventIDSystemReady         = "system_ready"
	EventIDModLoaded           = "mod_loaded"
	EventIDModUnloaded         = "mod_unloaded"
	EventIDServiceRegistered   = "service_registered"
	EventIDServiceUnregistered = "service_unregistered"
)

// SystemReadyEvent is published once after a directory-wide load pass
// completes, regardless of how many mods loaded successfully.
type SystemReadyEvent struct {
	BaseEvent
	ModCount int
}

// ModLoadedEvent is published after a mod's behaviours have been instantiated
// and registered.
type ModLoadedEvent struct {
	BaseEvent
	ModID       string
	ModName     string
	Version     string
	LoadVersion int
	Reloaded    bool
}

// ModUnloadedEvent is published after a mod has been fully detached from the
// bus, lifecycle and service registry.
type ModUnloadedEvent struct {
	BaseEvent
	ModID       string
	LoadVersion int
}

// ServiceRegisteredEvent announces a new (or replaced) service registration.
type ServiceRegisteredEvent struct {
	BaseEvent
	ServiceType string
	ServiceID   string
	ProviderID  string
	Version     string
}

// ServiceUnregisteredEvent announces that a service was removed.
type ServiceUnregisteredEvent struct {
	BaseEvent
	ServiceType string
	ServiceID   string
	ProviderID  string
}
