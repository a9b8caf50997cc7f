package modforge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*ModManager, string) {
	t.Helper()

	modsDir := filepath.Join(t.TempDir(), "Mods")
	require.NoError(t, os.MkdirAll(modsDir, 0o755))

	manager, err := NewModManager(ModManagerConfig{ModsDir: modsDir}, &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(manager.Stop)

	require.NoError(t, manager.Behaviors().Register("TestBehaviour", func() Behavior { return &stubBehavior{} }))
	return manager, modsDir
}

func loadedBehavior(t *testing.T, manager *ModManager, modID string) *stubBehavior {
	t.Helper()
	instance, ok := manager.Instance(modID)
	require.True(t, ok, "mod %s not loaded", modID)
	require.NotEmpty(t, instance.Mod.Behaviors)
	return instance.Mod.Behaviors[0].(*stubBehavior)
}

func TestManagerLoadModsFromDirectory(t *testing.T) {
	manager, modsDir := newTestManager(t)

	writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)
	writeModPackage(t, modsDir, ModManifest{ID: "mod-b", MainClass: "TestBehaviour"}, nil)

	// A broken candidate (manifest but no artifact) must not abort the pass.
	broken := writeModPackage(t, modsDir, ModManifest{ID: "mod-broken"}, nil)
	require.NoError(t, os.Remove(filepath.Join(broken, "mod-broken.so")))

	// A plain directory without a manifest is ignored silently.
	require.NoError(t, os.MkdirAll(filepath.Join(modsDir, "screenshots"), 0o755))

	var loadedEvents []*ModLoadedEvent
	var readyEvents []*SystemReadyEvent
	_, err := SubscribeTo(manager.Bus(), EventIDModLoaded, "t", func(e *ModLoadedEvent) error {
		loadedEvents = append(loadedEvents, e)
		return nil
	})
	require.NoError(t, err)
	_, err = SubscribeTo(manager.Bus(), EventIDSystemReady, "t", func(e *SystemReadyEvent) error {
		readyEvents = append(readyEvents, e)
		return nil
	})
	require.NoError(t, err)

	loaded, err := manager.LoadModsFromDirectory(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 2, loaded)
	assert.Equal(t, 2, manager.LoadedModCount())
	assert.ElementsMatch(t, []string{"mod-a", "mod-b"}, manager.ModIDs())
	assert.Len(t, loadedEvents, 2)
	require.Len(t, readyEvents, 1)
	assert.Equal(t, 2, readyEvents[0].ModCount)
}

func TestManagerLoadModInitializesBehavioursOnce(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	instance, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, StateActive, instance.State)

	behavior := loadedBehavior(t, manager, "mod-a")
	init, _, _ := behavior.snapshot()
	assert.Equal(t, 1, init)

	require.NotNil(t, behavior.ctx)
	assert.Equal(t, "mod-a", behavior.ctx.ModID)
	assert.Same(t, manager.Bus(), behavior.ctx.Bus)
	assert.Same(t, manager.Services(), behavior.ctx.Services)
	assert.Same(t, manager.Timers(), behavior.ctx.Timers)
	assert.NotNil(t, behavior.ctx.Resources)
}

func TestManagerRejectsDuplicateModID(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)

	_, err = manager.LoadMod(context.Background(), root)
	assert.ErrorIs(t, err, ErrModAlreadyLoaded)
	assert.Equal(t, 1, manager.LoadedModCount())
}

func TestManagerFailedInitializeOmitsBehaviour(t *testing.T) {
	manager, modsDir := newTestManager(t)
	require.NoError(t, manager.Behaviors().Register("FailingBehaviour", func() Behavior {
		return &stubBehavior{failInit: true}
	}))

	root := writeModPackage(t, modsDir, ModManifest{
		ID:         "mixed-mod",
		MainClass:  "TestBehaviour",
		Behaviours: []string{"FailingBehaviour"},
	}, nil)

	instance, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err, "one failing behaviour must not fail the mod")
	assert.Len(t, instance.Mod.Behaviors, 1)
	assert.Equal(t, []string{"TestBehaviour"}, instance.Mod.BehaviorNames)
}

func TestManagerUnloadMod(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)
	behavior := loadedBehavior(t, manager, "mod-a")

	// Simulate what an initialized behaviour does: subscribe and register a
	// service under its mod id.
	_, err = manager.Bus().Subscribe("test_ping", behavior, func(Event) error { return nil })
	require.NoError(t, err)
	require.NoError(t, manager.Services().Register(ServiceDeclaration{Type: "EconomyService"}, "mod-a", &fakeEconomy{}))

	var unloadedEvents []*ModUnloadedEvent
	_, err = SubscribeTo(manager.Bus(), EventIDModUnloaded, "t", func(e *ModUnloadedEvent) error {
		unloadedEvents = append(unloadedEvents, e)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, manager.UnloadMod("mod-a"))

	_, _, shutdowns := behavior.snapshot()
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, 0, manager.LoadedModCount())
	assert.Equal(t, 0, manager.Bus().SubscriberCount("test_ping"), "behaviour subscriptions detach on unload")
	assert.False(t, manager.Services().IsRegistered("EconomyService"), "provided services unregister on unload")
	require.Len(t, unloadedEvents, 1)
	assert.Equal(t, "mod-a", unloadedEvents[0].ModID)

	// Lifecycle no longer reaches the behaviour.
	manager.Tick(0.016)
	_, updates, _ := behavior.snapshot()
	assert.Equal(t, 0, updates)

	assert.ErrorIs(t, manager.UnloadMod("mod-a"), ErrModNotLoaded)
}

func TestManagerUnloadDeletesTemporaryRoot(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "temp-mod", MainClass: "TestBehaviour"}, nil)

	instance, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)
	instance.Mod.IsTemporary = true

	require.NoError(t, manager.UnloadMod("temp-mod"))
	assert.NoDirExists(t, root)
}

func TestManagerReloadMod(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	first, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Mod.LoadVersion)
	firstBehavior := loadedBehavior(t, manager, "mod-a")

	var loadedEvents []*ModLoadedEvent
	_, err = SubscribeTo(manager.Bus(), EventIDModLoaded, "t", func(e *ModLoadedEvent) error {
		loadedEvents = append(loadedEvents, e)
		return nil
	})
	require.NoError(t, err)

	second, err := manager.ReloadMod(context.Background(), "mod-a")
	require.NoError(t, err)

	assert.Equal(t, 2, second.Mod.LoadVersion, "reload bumps the generation")
	assert.NotSame(t, firstBehavior, second.Mod.Behaviors[0], "reload builds fresh behaviour instances")
	require.Len(t, loadedEvents, 1)
	assert.True(t, loadedEvents[0].Reloaded)

	_, _, shutdowns := firstBehavior.snapshot()
	assert.Equal(t, 1, shutdowns, "old generation shut down during reload")

	history := manager.GenerationHistory("mod-a")
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].LoadVersion)
	assert.False(t, history[0].UnloadedAt.IsZero(), "first generation closed")
	assert.True(t, history[1].UnloadedAt.IsZero(), "current generation open")

	_, err = manager.ReloadMod(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrModNotLoaded)
}

func TestManagerFailedReloadRetainsErroredInstance(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "fragile", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)

	// Break the package so the next load attempt fails.
	require.NoError(t, os.Remove(filepath.Join(root, "fragile.so")))

	_, err = manager.ReloadMod(context.Background(), "fragile")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	instance, ok := manager.Instance("fragile")
	require.True(t, ok, "failed reload keeps the mod visible")
	assert.Equal(t, StateError, instance.State)
	assert.NotEmpty(t, instance.LastError)
	assert.Equal(t, root, instance.Mod.RootPath)

	// Restoring the artifact and reloading again recovers in place.
	require.NoError(t, os.WriteFile(filepath.Join(root, "fragile.so"), []byte("repaired"), 0o644))
	recovered, err := manager.ReloadMod(context.Background(), "fragile")
	require.NoError(t, err)
	assert.Equal(t, StateActive, recovered.State)
	assert.Equal(t, 2, recovered.Mod.LoadVersion)

	instance, ok = manager.Instance("fragile")
	require.True(t, ok)
	assert.Equal(t, StateActive, instance.State)
	assert.Empty(t, instance.LastError)
}

func TestManagerInstanceReadsDuringReloads(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				if instance, ok := manager.Instance("mod-a"); ok {
					_ = instance.State
					_ = instance.LastError
				}
			}
		}
	}()

	for i := 0; i < 25; i++ {
		_, err := manager.ReloadMod(context.Background(), "mod-a")
		require.NoError(t, err)
	}
	close(stop)
	<-done

	instance, ok := manager.Instance("mod-a")
	require.True(t, ok)
	assert.Equal(t, StateActive, instance.State)
	assert.Equal(t, 26, instance.Mod.LoadVersion)
}

func TestManagerPauseResume(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)
	behavior := loadedBehavior(t, manager, "mod-a")

	manager.Tick(0.016)
	require.NoError(t, manager.PauseMod("mod-a"))
	manager.Tick(0.016)
	manager.Tick(0.016)

	_, updates, _ := behavior.snapshot()
	assert.Equal(t, 1, updates, "paused mods receive no updates")

	instance, _ := manager.Instance("mod-a")
	assert.Equal(t, StatePaused, instance.State)

	require.NoError(t, manager.ResumeMod("mod-a"))
	manager.Tick(0.016)
	_, updates, _ = behavior.snapshot()
	assert.Equal(t, 2, updates)

	assert.ErrorIs(t, manager.PauseMod("ghost"), ErrModNotLoaded)
	assert.ErrorIs(t, manager.ResumeMod("mod-a"), ErrModNotLoaded, "resume requires paused state")
}

func TestManagerTickDrivesTimers(t *testing.T) {
	manager, _ := newTestManager(t)

	fired := 0
	manager.Timers().SetTimer(0.05, func() { fired++ })
	manager.Tick(0.05)
	assert.Equal(t, 1, fired)
}

func TestManagerFixedAndLateTicks(t *testing.T) {
	manager, modsDir := newTestManager(t)
	root := writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)
	behavior := loadedBehavior(t, manager, "mod-a")

	manager.FixedTick(0.02)
	manager.LateTick(0.016)
	assert.Equal(t, 1, behavior.fixedUpdates)
	assert.Equal(t, 1, behavior.lateUpdates)
}

func TestManagerStopUnloadsEverything(t *testing.T) {
	manager, modsDir := newTestManager(t)
	writeModPackage(t, modsDir, ModManifest{ID: "mod-a", MainClass: "TestBehaviour"}, nil)
	writeModPackage(t, modsDir, ModManifest{ID: "mod-b", MainClass: "TestBehaviour"}, nil)

	_, err := manager.LoadModsFromDirectory(context.Background(), "")
	require.NoError(t, err)
	a := loadedBehavior(t, manager, "mod-a")
	b := loadedBehavior(t, manager, "mod-b")

	manager.Stop()

	assert.Equal(t, 0, manager.LoadedModCount())
	_, _, aShut := a.snapshot()
	_, _, bShut := b.snapshot()
	assert.Equal(t, 1, aShut)
	assert.Equal(t, 1, bShut)

	_, err = manager.LoadMod(context.Background(), modsDir)
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestManagerWithSecurityRejectsBadMod(t *testing.T) {
	modsDir := filepath.Join(t.TempDir(), "Mods")
	require.NoError(t, os.MkdirAll(modsDir, 0o755))

	manager, err := NewModManager(ModManagerConfig{
		ModsDir: modsDir,
		Security: &SecurityConfig{
			AllowedRoots:       []string{modsDir},
			AllowedPermissions: []string{"file_read"},
		},
	}, &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(manager.Stop)
	require.NoError(t, manager.Behaviors().Register("TestBehaviour", func() Behavior { return &stubBehavior{} }))

	writeModPackage(t, modsDir, ModManifest{
		ID: "greedy", MainClass: "TestBehaviour", Permissions: []string{"root_access"},
	}, nil)
	writeModPackage(t, modsDir, ModManifest{
		ID: "polite", MainClass: "TestBehaviour", Permissions: []string{"file_read"},
	}, nil)

	loaded, err := manager.LoadModsFromDirectory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	instance, ok := manager.Instance("polite")
	require.True(t, ok)
	require.NotNil(t, instance.Security)
	assert.True(t, instance.Security.HasPermission("file_read"))

	_, ok = manager.Instance("greedy")
	assert.False(t, ok)
}
