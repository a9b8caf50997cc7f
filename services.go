package modforge

import (
	"fmt"
	"sync"
)

// serviceKey identifies a registration: the declared capability type name
// plus the instance id.
type serviceKey struct {
	typeName string
	id       string
}

type serviceEntry struct {
	decl     ServiceDeclaration
	provider string
	instance any
	seq      uint64 // registration order, for first-registered lookup
}

// ModServiceRegistry is a typed registry of named service instances that
// mods register for discovery by other mods. The whole registry is guarded
// by a single mutex: registration is low-frequency and contention-free in
// practice.
//
// Every registration and unregistration publishes a corresponding event on
// the bus so other mods can react to availability changes without polling.
type ModServiceRegistry struct {
	mu      sync.Mutex
	entries map[serviceKey]*serviceEntry
	nextSeq uint64
	bus     *EventBus
	logger  Logger
}

// NewModServiceRegistry creates a registry publishing availability events on
// bus.
func NewModServiceRegistry(bus *EventBus, logger Logger) *ModServiceRegistry {
	return &ModServiceRegistry{
		entries: make(map[serviceKey]*serviceEntry),
		bus:     bus,
		logger:  logger,
	}
}

// Register adds a service instance under its declared type and id.
// providerID identifies the registering mod. Registering a duplicate
// (type, id) replaces the previous entry; that is logged as a warning, not
// treated as an error.
func (r *ModServiceRegistry) Register(decl ServiceDeclaration, providerID string, instance any) error {
	if decl.Type == "" {
		return ErrServiceTypeEmpty
	}
	if instance == nil {
		return ErrServiceNil
	}
	if decl.ID == "" {
		decl.ID = decl.Type
	}

	key := serviceKey{typeName: decl.Type, id: decl.ID}

	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.logger.Warn("Replacing existing service registration",
			"type", decl.Type, "id", decl.ID, "provider", providerID)
	}
	r.nextSeq++
	r.entries[key] = &serviceEntry{
		decl:     decl,
		provider: providerID,
		instance: instance,
		seq:      r.nextSeq,
	}
	r.mu.Unlock()

	r.publish(&ServiceRegisteredEvent{
		BaseEvent:   NewBaseEvent(EventIDServiceRegistered, providerID),
		ServiceType: decl.Type,
		ServiceID:   decl.ID,
		ProviderID:  providerID,
		Version:     decl.Version,
	})
	return nil
}

// Service returns the first-registered instance of the given type name.
func (r *ModServiceRegistry) Service(typeName string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *serviceEntry
	for key, entry := range r.entries {
		if key.typeName != typeName {
			continue
		}
		if best == nil || entry.seq < best.seq {
			best = entry
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, typeName)
	}
	return best.instance, nil
}

// ServiceByID returns the instance registered under (typeName, id).
func (r *ModServiceRegistry) ServiceByID(typeName, id string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[serviceKey{typeName: typeName, id: id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrServiceNotFound, typeName, id)
	}
	return entry.instance, nil
}

// ServicesOf returns all instances registered under typeName, in
// registration order.
func (r *ModServiceRegistry) ServicesOf(typeName string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []*serviceEntry
	for key, entry := range r.entries {
		if key.typeName == typeName {
			entries = append(entries, entry)
		}
	}
	// insertion sort by seq; registries hold a handful of entries per type
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].seq < entries[j-1].seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	instances := make([]any, len(entries))
	for i, entry := range entries {
		instances[i] = entry.instance
	}
	return instances
}

// Unregister removes the (typeName, id) registration and reports whether an
// entry was removed.
func (r *ModServiceRegistry) Unregister(typeName, id string) bool {
	key := serviceKey{typeName: typeName, id: id}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.publish(&ServiceUnregisteredEvent{
		BaseEvent:   NewBaseEvent(EventIDServiceUnregistered, entry.provider),
		ServiceType: typeName,
		ServiceID:   id,
		ProviderID:  entry.provider,
	})
	return true
}

// UnregisterProvider removes every service registered by providerID,
// returning the number removed. Called by the manager on mod unload.
func (r *ModServiceRegistry) UnregisterProvider(providerID string) int {
	r.mu.Lock()
	var removed []serviceKey
	for key, entry := range r.entries {
		if entry.provider == providerID {
			removed = append(removed, key)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, key := range removed {
		r.publish(&ServiceUnregisteredEvent{
			BaseEvent:   NewBaseEvent(EventIDServiceUnregistered, providerID),
			ServiceType: key.typeName,
			ServiceID:   key.id,
			ProviderID:  providerID,
		})
	}
	return len(removed)
}

// IsRegistered reports whether any instance of typeName exists; with id it
// checks the exact (typeName, id) pair.
func (r *ModServiceRegistry) IsRegistered(typeName string, id ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(id) > 0 {
		_, ok := r.entries[serviceKey{typeName: typeName, id: id[0]}]
		return ok
	}
	for key := range r.entries {
		if key.typeName == typeName {
			return true
		}
	}
	return false
}

// Snapshot returns the current declarations with their providers, for
// diagnostics (debug server).
func (r *ModServiceRegistry) Snapshot() []ServiceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ServiceInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		infos = append(infos, ServiceInfo{
			Type:     entry.decl.Type,
			ID:       entry.decl.ID,
			Version:  entry.decl.Version,
			Provider: entry.provider,
		})
	}
	return infos
}

// ServiceInfo describes one registration for diagnostic surfaces.
type ServiceInfo struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
}

func (r *ModServiceRegistry) publish(event Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(event); err != nil {
		r.logger.Error("Failed to publish service event", "eventId", event.EventID(), "error", err)
	}
}

// ServiceAs retrieves the first-registered service of typeName and asserts
// it to T:
//
//	inv, err := modforge.ServiceAs[InventoryService](registry, "InventoryService")
func ServiceAs[T any](r *ModServiceRegistry, typeName string) (T, error) {
	var zero T
	instance, err := r.Service(typeName)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrServiceWrongType, typeName, instance)
	}
	return typed, nil
}
