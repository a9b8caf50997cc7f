// Package modforge is a mod hosting core for game-style hosts. It discovers
// mod packages (manifest + artifact + resources), loads them with optional
// hot-reload generation tracking, instantiates mod-declared behaviours
// through an explicit factory registry, and wires them into an event bus, a
// service registry, a request/response correlator and a tick-driven
// lifecycle/timer system.
//
// The host owns the update loop and drives the core each frame:
//
//	mgr := modforge.NewModManager(modforge.ModManagerConfig{ModsDir: dir}, logger)
//	mgr.Behaviors().Register("ExampleMod", func() modforge.Behavior { return &ExampleMod{} })
//	mgr.LoadModsFromDirectory(ctx, dir)
//	for range ticker.C {
//	    mgr.Tick(dt)
//	}
package modforge

import (
	"fmt"
	"strings"
	"sync"
)

// Behavior is the capability every mod-declared behaviour type implements.
// Instances are created by factories registered in the BehaviorRegistry and
// initialized exactly once per load.
type Behavior interface {
	// Initialize is called once after the behaviour is instantiated, before
	// the mod becomes active. The context gives access to the bus, services,
	// timers and the mod's own manifest and resources.
	Initialize(ctx *ModContext) error
}

// Updatable behaviours receive per-frame updates from the LifecycleManager.
type Updatable interface {
	Update(dt float64)
}

// FixedUpdatable behaviours receive fixed-timestep updates.
type FixedUpdatable interface {
	FixedUpdate(dt float64)
}

// LateUpdatable behaviours receive late updates after the regular pass.
type LateUpdatable interface {
	LateUpdate(dt float64)
}

// Shutdowner behaviours are given a chance to release resources on unload.
// Shutdown errors are logged and do not abort the unload.
type Shutdowner interface {
	Shutdown() error
}

// ModContext is handed to every behaviour at Initialize time. It scopes the
// core's collaborators to one mod.
type ModContext struct {
	ModID     string
	Manifest  *ModManifest
	Resources *ModResources
	Security  *SecurityContext

	Bus      *EventBus
	Services *ModServiceRegistry
	Timers   *TimerSystem
	Requests *RequestResponseManager
	Logger   Logger
}

// BehaviorFactory constructs a fresh behaviour instance. Factories must be
// cheap and side-effect free; all setup belongs in Initialize.
type BehaviorFactory func() Behavior

// BehaviorRegistry maps manifest-declared type names to factories. Mods (or
// the host on their behalf) register their behaviour types explicitly; the
// loader resolves manifest names against this table instead of guessing at
// runtime type names.
type BehaviorRegistry struct {
	mu        sync.RWMutex
	factories map[string]BehaviorFactory
}

// NewBehaviorRegistry creates an empty registry.
func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{factories: make(map[string]BehaviorFactory)}
}

// Register binds a type name to a factory. Re-registering a name replaces
// the previous factory, which is what a hot-reloaded mod generation does.
func (r *BehaviorRegistry) Register(name string, factory BehaviorFactory) error {
	if name == "" {
		return ErrBehaviorNotRegistered
	}
	if factory == nil {
		return ErrFactoryNil
	}

	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
	return nil
}

// Unregister removes a type name. Unknown names are a no-op.
func (r *BehaviorRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.factories, name)
	r.mu.Unlock()
}

// Resolve looks up a factory by manifest-declared name. The literal name is
// tried first; as a migration aid for manifests written with fully qualified
// names, the final dotted segment is tried second ("ExampleMods.Foo" finds a
// factory registered as "Foo").
func (r *BehaviorRegistry) Resolve(name string) (BehaviorFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if factory, ok := r.factories[name]; ok {
		return factory, nil
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		if factory, ok := r.factories[name[idx+1:]]; ok {
			return factory, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBehaviorNotRegistered, name)
}

// Registered reports whether a factory exists for name (literal match only).
func (r *BehaviorRegistry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}
