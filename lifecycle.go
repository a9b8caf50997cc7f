package modforge

import (
	"fmt"
	"sync"
)

// LifecycleManager fans per-frame updates out to registered mods. The host's
// update-loop driver calls UpdateAll/FixedUpdateAll/LateUpdateAll once per
// tick; mods are visited in registration order, each call individually
// guarded so one mod's panic never blocks delivery to the rest.
type LifecycleManager struct {
	mu      sync.Mutex
	entries []lifecycleEntry
	logger  Logger
}

type lifecycleEntry struct {
	modID    string
	behavior Behavior
}

// NewLifecycleManager creates an empty lifecycle registry.
func NewLifecycleManager(logger Logger) *LifecycleManager {
	return &LifecycleManager{logger: logger}
}

// RegisterMod adds a mod's behaviour to the update fan-out. Registration is
// idempotent: a (modID, behavior) pair already present is not added twice.
func (l *LifecycleManager) RegisterMod(modID string, behavior Behavior) {
	if behavior == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.modID == modID && entry.behavior == behavior {
			return
		}
	}
	l.entries = append(l.entries, lifecycleEntry{modID: modID, behavior: behavior})
}

// UnregisterMod removes every behaviour registered under modID. Unregistering
// a mod that is not registered is a silent no-op.
func (l *LifecycleManager) UnregisterMod(modID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for _, entry := range l.entries {
		if entry.modID != modID {
			kept = append(kept, entry)
		}
	}
	l.entries = kept
}

// RegisteredCount returns the number of registered behaviours.
func (l *LifecycleManager) RegisteredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// UpdateAll delivers Update(dt) to every registered Updatable behaviour.
func (l *LifecycleManager) UpdateAll(dt float64) {
	for _, entry := range l.snapshot() {
		if updatable, ok := entry.behavior.(Updatable); ok {
			l.guard(entry.modID, "Update", func() { updatable.Update(dt) })
		}
	}
}

// FixedUpdateAll delivers FixedUpdate(dt) to every FixedUpdatable behaviour.
func (l *LifecycleManager) FixedUpdateAll(dt float64) {
	for _, entry := range l.snapshot() {
		if updatable, ok := entry.behavior.(FixedUpdatable); ok {
			l.guard(entry.modID, "FixedUpdate", func() { updatable.FixedUpdate(dt) })
		}
	}
}

// LateUpdateAll delivers LateUpdate(dt) to every LateUpdatable behaviour.
func (l *LifecycleManager) LateUpdateAll(dt float64) {
	for _, entry := range l.snapshot() {
		if updatable, ok := entry.behavior.(LateUpdatable); ok {
			l.guard(entry.modID, "LateUpdate", func() { updatable.LateUpdate(dt) })
		}
	}
}

// snapshot copies the registration-order entry list so a behaviour may
// register or unregister mods from inside an update callback.
func (l *LifecycleManager) snapshot() []lifecycleEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]lifecycleEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

func (l *LifecycleManager) guard(modID, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Mod update panicked",
				"mod", modID, "phase", phase, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
