package modforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ModState tracks a mod instance through its lifetime. Transitions are
// monotonic (NotLoaded → Loading → Loaded → Active) except for the explicit
// Pause/Resume pair and the Error escape hatch, which is reachable from any
// state when an operation fails.
type ModState string

const (
	StateNotLoaded ModState = "not_loaded"
	StateLoading   ModState = "loading"
	StateLoaded    ModState = "loaded"
	StateActive    ModState = "active"
	StatePaused    ModState = "paused"
	StateUnloading ModState = "unloading"
	StateError     ModState = "error"
)

// ModInstance is the runtime wrapper around a LoadedMod: its state machine,
// load timestamp and security grant.
type ModInstance struct {
	Mod      *LoadedMod
	State    ModState
	LoadedAt time.Time
	Security *SecurityContext

	// LastError carries the failure message when State is StateError.
	LastError string
}

// GenerationRecord is one retained load generation, kept for diagnostics and
// rollback visibility only — old generations are never executed.
type GenerationRecord struct {
	LoadVersion int       `json:"loadVersion"`
	ContentHash string    `json:"contentHash,omitempty"`
	Version     string    `json:"version"`
	LoadedAt    time.Time `json:"loadedAt"`
	UnloadedAt  time.Time `json:"unloadedAt,omitempty"`
}

// ModManagerConfig configures the composition root.
type ModManagerConfig struct {
	// ModsDir is the default directory scanned by LoadModsFromDirectory.
	ModsDir string

	// ConfigDir roots the per-mod ConfigStore. Defaults to <ModsDir>/../config.
	ConfigDir string

	Loader ModLoaderConfig

	// Security enables pre-load validation when non-nil.
	Security *SecurityConfig

	// Router installs a CommunicationRouter when non-nil.
	Router *RouterConfig
}

// ModManager orchestrates the mod system: it owns the loader, event bus,
// service registry, lifecycle, timers, router and request/response manager,
// and tracks per-mod instances and generation history.
//
// The host drives it from a single logical update thread:
//
//	mgr.Tick(dt)       // Update + timers
//	mgr.FixedTick(dt)  // fixed timestep pass
//	mgr.LateTick(dt)   // late pass
type ModManager struct {
	config ModManagerConfig
	logger Logger

	behaviors      *BehaviorRegistry
	eventFactories *EventFactoryRegistry
	bus            *EventBus
	services       *ModServiceRegistry
	lifecycle      *LifecycleManager
	timers         *TimerSystem
	requests       *RequestResponseManager
	notifier       *SystemNotifier
	configs        *ConfigStore
	loader         *ModLoader
	security       *SecurityManager
	router         *CommunicationRouter

	mu      sync.Mutex
	mods    map[string]*ModInstance
	history map[string][]GenerationRecord
	stopped bool
}

// NewModManager wires the core together. Configuration errors (bad security
// key, invalid routing table) propagate and abort startup.
func NewModManager(config ModManagerConfig, logger Logger) (*ModManager, error) {
	if config.ConfigDir == "" && config.ModsDir != "" {
		config.ConfigDir = filepath.Join(filepath.Dir(config.ModsDir), "config")
	}

	m := &ModManager{
		config:         config,
		logger:         logger,
		behaviors:      NewBehaviorRegistry(),
		eventFactories: NewEventFactoryRegistry(),
		bus:            NewEventBus(logger),
		lifecycle:      NewLifecycleManager(logger),
		timers:         NewTimerSystem(logger),
		notifier:       NewSystemNotifier(logger),
		configs:        NewConfigStore(config.ConfigDir),
		mods:           make(map[string]*ModInstance),
		history:        make(map[string][]GenerationRecord),
	}
	m.services = NewModServiceRegistry(m.bus, logger)
	m.requests = NewRequestResponseManager(m.bus, logger)

	if config.Security != nil {
		security, err := NewSecurityManager(*config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to construct security manager: %w", err)
		}
		m.security = security
	}

	m.loader = NewModLoader(config.Loader, m.behaviors, m.security, logger)

	if config.Router != nil {
		router, err := NewCommunicationRouter(*config.Router, m.bus, m.eventFactories, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to construct communication router: %w", err)
		}
		m.router = router
	}

	if err := m.requests.Start(); err != nil {
		return nil, err
	}

	return m, nil
}

// Component accessors for the host layer.
func (m *ModManager) Bus() *EventBus                        { return m.bus }
func (m *ModManager) Services() *ModServiceRegistry         { return m.services }
func (m *ModManager) Lifecycle() *LifecycleManager          { return m.lifecycle }
func (m *ModManager) Timers() *TimerSystem                  { return m.timers }
func (m *ModManager) Requests() *RequestResponseManager     { return m.requests }
func (m *ModManager) Behaviors() *BehaviorRegistry          { return m.behaviors }
func (m *ModManager) EventFactories() *EventFactoryRegistry { return m.eventFactories }
func (m *ModManager) Notifier() *SystemNotifier             { return m.notifier }
func (m *ModManager) Configs() *ConfigStore                 { return m.configs }
func (m *ModManager) Router() *CommunicationRouter          { return m.router }

// Tick drives one frame: lifecycle updates followed by timer callbacks.
func (m *ModManager) Tick(dt float64) {
	m.lifecycle.UpdateAll(dt)
	m.timers.Update(dt)
}

// FixedTick drives one fixed-timestep pass.
func (m *ModManager) FixedTick(dt float64) {
	m.lifecycle.FixedUpdateAll(dt)
}

// LateTick drives one late-update pass.
func (m *ModManager) LateTick(dt float64) {
	m.lifecycle.LateUpdateAll(dt)
}

// LoadModsFromDirectory scans dir for mod packages (subdirectories containing
// manifest.json) and loads each. A failure to load one mod is logged and
// skipped; remaining candidates still load. Publishes SystemReadyEvent after
// the pass and returns the number of mods loaded in it.
func (m *ModManager) LoadModsFromDirectory(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		dir = m.config.ModsDir
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read mods directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(root, ManifestFileName)); err != nil {
			continue // not a mod package
		}

		if _, err := m.LoadMod(ctx, root); err != nil {
			m.logger.Error("Failed to load mod, continuing with remaining mods", "path", root, "error", err)
			continue
		}
		loaded++
	}

	ready := &SystemReadyEvent{
		BaseEvent: NewBaseEvent(EventIDSystemReady, "modforge"),
		ModCount:  m.LoadedModCount(),
	}
	m.bus.Publish(ready) //nolint:errcheck // event is well formed
	m.notifier.Notify(ctx, NewCloudEvent(CloudEventTypeSystemReady, "modforge/manager", ready, nil))

	return loaded, nil
}

// LoadMod loads the mod package at path, initializes its behaviours and
// activates it. A mod id that is already loaded is rejected with
// ErrModAlreadyLoaded; use ReloadMod to replace a loaded generation. An
// instance left in Error state by a failed reload is replaced, not rejected.
func (m *ModManager) LoadMod(ctx context.Context, path string) (*ModInstance, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	m.mu.Unlock()

	mod, err := m.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	var security *SecurityContext
	if m.security != nil {
		security = m.security.CreateContext(mod.Manifest.ID, mod.Manifest.Permissions)
	}

	m.mu.Lock()
	if existing, exists := m.mods[mod.Manifest.ID]; exists && existing.State != StateError {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrModAlreadyLoaded, mod.Manifest.ID)
	}
	instance := &ModInstance{
		Mod:      mod,
		State:    StateLoading,
		LoadedAt: time.Now(),
		Security: security,
	}
	m.mods[mod.Manifest.ID] = instance
	m.mu.Unlock()

	modCtx := &ModContext{
		ModID:     mod.Manifest.ID,
		Manifest:  mod.Manifest,
		Resources: mod.Resources,
		Security:  instance.Security,
		Bus:       m.bus,
		Services:  m.services,
		Timers:    m.timers,
		Requests:  m.requests,
		Logger:    m.logger,
	}

	// Behaviour initialization is bulkheaded: one behaviour failing to
	// initialize is dropped without aborting its siblings or the mod.
	initialized := mod.Behaviors[:0]
	initializedNames := mod.BehaviorNames[:0]
	for i, behavior := range mod.Behaviors {
		if err := m.initializeBehavior(behavior, modCtx); err != nil {
			m.logger.Error("Behaviour failed to initialize, omitting",
				"mod", mod.Manifest.ID, "behaviour", mod.BehaviorNames[i], "error", err)
			continue
		}
		initialized = append(initialized, behavior)
		initializedNames = append(initializedNames, mod.BehaviorNames[i])
		m.lifecycle.RegisterMod(mod.Manifest.ID, behavior)
	}
	m.mu.Lock()
	mod.Behaviors = initialized
	mod.BehaviorNames = initializedNames
	instance.State = StateLoaded
	m.mu.Unlock()

	m.recordGeneration(mod)
	m.setState(instance, StateActive)

	reloaded := mod.LoadVersion > 1
	loadedEvent := &ModLoadedEvent{
		BaseEvent:   NewBaseEvent(EventIDModLoaded, "modforge"),
		ModID:       mod.Manifest.ID,
		ModName:     mod.Manifest.Name,
		Version:     mod.Manifest.Version,
		LoadVersion: mod.LoadVersion,
		Reloaded:    reloaded,
	}
	m.bus.Publish(loadedEvent) //nolint:errcheck
	m.notifier.Notify(ctx, NewCloudEvent(CloudEventTypeModLoaded, "modforge/manager", loadedEvent, nil))

	m.logger.Info("Mod activated",
		"mod", mod.Manifest.ID, "loadVersion", mod.LoadVersion, "behaviours", len(mod.Behaviors))
	return instance, nil
}

func (m *ModManager) initializeBehavior(behavior Behavior, ctx *ModContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("behaviour initialize panicked: %v", r)
		}
	}()
	return behavior.Initialize(ctx)
}

// UnloadMod detaches the mod's subscriptions, lifecycle registrations and
// services, shuts its behaviours down and removes the instance. Temporary
// mod roots are deleted from disk.
func (m *ModManager) UnloadMod(modID string) error {
	m.mu.Lock()
	instance, ok := m.mods[modID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotLoaded, modID)
	}
	if instance.State == StateError {
		// An errored generation was already torn down by the failed load
		// that produced it; only its record remains.
		delete(m.mods, modID)
		m.mu.Unlock()
		return nil
	}
	instance.State = StateUnloading
	delete(m.mods, modID)
	m.mu.Unlock()

	for _, behavior := range instance.Mod.Behaviors {
		if shutdowner, ok := behavior.(Shutdowner); ok {
			if err := m.shutdownBehavior(shutdowner); err != nil {
				m.logger.Error("Behaviour shutdown failed", "mod", modID, "error", err)
			}
		}
		m.bus.UnsubscribeOwner(behavior)
	}
	m.lifecycle.UnregisterMod(modID)
	m.services.UnregisterProvider(modID)
	m.closeGeneration(modID, instance.Mod.LoadVersion)

	if instance.Mod.IsTemporary {
		if err := os.RemoveAll(instance.Mod.RootPath); err != nil {
			m.logger.Error("Failed to delete temporary mod root", "mod", modID, "path", instance.Mod.RootPath, "error", err)
		}
	}

	m.setState(instance, StateNotLoaded)

	unloadedEvent := &ModUnloadedEvent{
		BaseEvent:   NewBaseEvent(EventIDModUnloaded, "modforge"),
		ModID:       modID,
		LoadVersion: instance.Mod.LoadVersion,
	}
	m.bus.Publish(unloadedEvent) //nolint:errcheck
	m.notifier.Notify(context.Background(), NewCloudEvent(CloudEventTypeModUnloaded, "modforge/manager", unloadedEvent, nil))

	m.logger.Info("Mod unloaded", "mod", modID, "loadVersion", instance.Mod.LoadVersion)
	return nil
}

func (m *ModManager) shutdownBehavior(shutdowner Shutdowner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("behaviour shutdown panicked: %v", r)
		}
	}()
	return shutdowner.Shutdown()
}

// ReloadMod unloads the current generation of modID and loads a fresh one
// from the same root path. The new generation gets a strictly higher
// LoadVersion whether or not the artifact changed.
func (m *ModManager) ReloadMod(ctx context.Context, modID string) (*ModInstance, error) {
	m.mu.Lock()
	instance, ok := m.mods[modID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrModNotLoaded, modID)
	}
	root := instance.Mod.RootPath
	m.mu.Unlock()

	if err := m.UnloadMod(modID); err != nil {
		return nil, err
	}

	reloaded, err := m.LoadMod(ctx, root)
	if err != nil {
		m.markError(instance, err)
		return nil, fmt.Errorf("reload of %s failed: %w", modID, err)
	}
	return reloaded, nil
}

// PauseMod suspends a mod's lifecycle updates without unloading it.
func (m *ModManager) PauseMod(modID string) error {
	m.mu.Lock()
	instance, ok := m.mods[modID]
	if !ok || instance.State != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotLoaded, modID)
	}
	instance.State = StatePaused
	m.mu.Unlock()

	m.lifecycle.UnregisterMod(modID)
	return nil
}

// ResumeMod reattaches a paused mod to the lifecycle fan-out.
func (m *ModManager) ResumeMod(modID string) error {
	m.mu.Lock()
	instance, ok := m.mods[modID]
	if !ok || instance.State != StatePaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotLoaded, modID)
	}
	instance.State = StateActive
	m.mu.Unlock()

	for _, behavior := range instance.Mod.Behaviors {
		m.lifecycle.RegisterMod(modID, behavior)
	}
	return nil
}

// LoadedModCount returns how many mods are currently loaded.
func (m *ModManager) LoadedModCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mods)
}

// ModIDs returns the ids of the currently loaded mods.
func (m *ModManager) ModIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.mods))
	for id := range m.mods {
		ids = append(ids, id)
	}
	return ids
}

// Instance returns a snapshot of the runtime wrapper for a loaded mod. The
// copy is taken under the manager's lock so state reads are safe from any
// goroutine; the embedded *LoadedMod is shared.
func (m *ModManager) Instance(modID string) (ModInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.mods[modID]
	if !ok {
		return ModInstance{}, false
	}
	return *instance, true
}

// GenerationHistory returns the retained load generations for a mod id,
// oldest first. Diagnostic only.
func (m *ModManager) GenerationHistory(modID string) []GenerationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]GenerationRecord, len(m.history[modID]))
	copy(records, m.history[modID])
	return records
}

// Stop unloads every mod and halts the background components.
func (m *ModManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ids := make([]string, 0, len(m.mods))
	for id := range m.mods {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.UnloadMod(id); err != nil {
			m.logger.Error("Failed to unload mod during shutdown", "mod", id, "error", err)
		}
	}
	if m.router != nil {
		m.router.Stop()
	}
	m.requests.Stop()
}

func (m *ModManager) recordGeneration(mod *LoadedMod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[mod.Manifest.ID] = append(m.history[mod.Manifest.ID], GenerationRecord{
		LoadVersion: mod.LoadVersion,
		ContentHash: mod.ContentHash,
		Version:     mod.Manifest.Version,
		LoadedAt:    time.Now(),
	})
}

func (m *ModManager) closeGeneration(modID string, loadVersion int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.history[modID]
	for i := range records {
		if records[i].LoadVersion == loadVersion {
			records[i].UnloadedAt = time.Now()
			return
		}
	}
}

// markError retains a mod whose reload failed as an Error-state instance so
// the host can inspect what went wrong and retry. The failed generation is
// already torn down; only the record is kept.
func (m *ModManager) markError(instance *ModInstance, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	modID := instance.Mod.Manifest.ID
	if _, exists := m.mods[modID]; exists {
		return
	}
	instance.State = StateError
	instance.LastError = err.Error()
	m.mods[modID] = instance
}

func (m *ModManager) setState(instance *ModInstance, state ModState) {
	m.mu.Lock()
	instance.State = state
	m.mu.Unlock()
}
