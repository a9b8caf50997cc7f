package modforge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LoadedMod is the result of one load operation. One LoadedMod exists per
// currently-loaded generation of a mod; prior generations may be retained by
// the manager for diagnostics but are never executed.
type LoadedMod struct {
	Manifest  *ModManifest
	Resources *ModResources

	// Behaviors are the instantiated (not yet initialized) behaviour objects
	// declared by the manifest, in declaration order.
	Behaviors []Behavior

	// BehaviorNames are the resolved names matching Behaviors by index.
	BehaviorNames []string

	RootPath     string
	ArtifactPath string

	// ContentHash is the sha256 of the artifact bytes. Empty when the loader
	// runs without hot-reload.
	ContentHash string

	// Changed reports whether the content hash differs from the previous
	// load of the same mod id. Informational only; it never gates a load.
	Changed bool

	// LoadVersion is the per-id generation counter. It strictly increases on
	// every load attempt for a given id, including reloads with unchanged
	// content, and is never reused.
	LoadVersion int

	// IsTemporary marks mods whose root path should be deleted on unload
	// (e.g. packages extracted to a staging directory).
	IsTemporary bool
}

// ModLoaderConfig configures artifact discovery and hot-reload behaviour.
type ModLoaderConfig struct {
	// ArtifactExt is the extension of the mod's binary artifact.
	// Defaults to ".so".
	ArtifactExt string

	// HotReload enables byte-buffer loading with content hashing and
	// generation tracking. Without it the loader records the artifact path
	// only, which is cheaper but keeps the file referenced.
	HotReload bool
}

// ModLoader reads mod packages from disk: manifest, artifact, resources, and
// behaviour instances resolved through the BehaviorRegistry.
//
// The loader keeps per-id state across calls: the last-seen content hash
// (hot reload change detection) and the monotonic load generation.
type ModLoader struct {
	config    ModLoaderConfig
	behaviors *BehaviorRegistry
	security  *SecurityManager
	logger    Logger

	mu       sync.Mutex
	hashes   map[string]string
	versions map[string]int
}

// NewModLoader creates a loader. security may be nil, in which case loads
// are not gated by validation.
func NewModLoader(config ModLoaderConfig, behaviors *BehaviorRegistry, security *SecurityManager, logger Logger) *ModLoader {
	if config.ArtifactExt == "" {
		config.ArtifactExt = ".so"
	}
	return &ModLoader{
		config:    config,
		behaviors: behaviors,
		security:  security,
		logger:    logger,
		hashes:    make(map[string]string),
		versions:  make(map[string]int),
	}
}

// Load reads the mod package at path. Error cases:
//   - no manifest.json: ErrManifestNotFound
//   - security validation enabled and failed: ErrSecurityRejected (wrapped)
//   - artifact missing, unreadable, or malformed manifest: load error
//
// Resource and behaviour failures are softer: a resource file that fails to
// parse is logged and absent; a behaviour that fails to resolve is logged
// and omitted while the remaining behaviours still instantiate.
func (l *ModLoader) Load(ctx context.Context, path string) (*LoadedMod, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mod load cancelled: %w", err)
	}

	manifest, err := ParseManifest(path)
	if err != nil {
		return nil, err
	}

	if l.security != nil {
		if err := l.security.ValidateMod(path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSecurityRejected, manifest.ID, err)
		}
	}

	mod := &LoadedMod{
		Manifest: manifest,
		RootPath: path,
	}

	mod.ArtifactPath, err = l.locateArtifact(path, manifest.ID)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mod load cancelled: %w", err)
	}

	if l.config.HotReload {
		// Read the artifact as bytes rather than holding the file open, so a
		// newer generation can replace the file on disk while this one is
		// loaded.
		data, err := os.ReadFile(mod.ArtifactPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", mod.ArtifactPath, err)
		}

		sum := sha256.Sum256(data)
		mod.ContentHash = hex.EncodeToString(sum[:])

		l.mu.Lock()
		previous, seen := l.hashes[manifest.ID]
		l.hashes[manifest.ID] = mod.ContentHash
		l.mu.Unlock()

		mod.Changed = !seen || previous != mod.ContentHash
		if seen && !mod.Changed {
			l.logger.Debug("Mod artifact unchanged since last load", "mod", manifest.ID, "hash", mod.ContentHash)
		} else if seen {
			l.logger.Info("Mod artifact changed", "mod", manifest.ID, "hash", mod.ContentHash)
		}
	}

	// The generation tracks load attempts, not content changes.
	l.mu.Lock()
	l.versions[manifest.ID]++
	mod.LoadVersion = l.versions[manifest.ID]
	l.mu.Unlock()

	mod.Resources = LoadModResources(path, l.logger)

	for _, name := range manifest.BehaviourNames() {
		factory, err := l.behaviors.Resolve(name)
		if err != nil {
			l.logger.Error("Behaviour not resolvable, skipping", "mod", manifest.ID, "behaviour", name, "error", err)
			continue
		}
		behavior := factory()
		if behavior == nil {
			l.logger.Error("Behaviour factory returned nil, skipping", "mod", manifest.ID, "behaviour", name)
			continue
		}
		mod.Behaviors = append(mod.Behaviors, behavior)
		mod.BehaviorNames = append(mod.BehaviorNames, name)
	}

	l.logger.Info("Mod package loaded",
		"mod", manifest.ID, "version", manifest.Version,
		"loadVersion", mod.LoadVersion, "behaviours", len(mod.Behaviors))

	return mod, nil
}

// LoadVersion returns the current generation for a mod id (0 if never
// loaded).
func (l *ModLoader) LoadVersion(modID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.versions[modID]
}

// locateArtifact tries <root>/<id><ext>, then <root>/Assemblies/<id><ext>.
func (l *ModLoader) locateArtifact(root, id string) (string, error) {
	candidates := []string{
		filepath.Join(root, id+l.config.ArtifactExt),
		filepath.Join(root, "Assemblies", id+l.config.ArtifactExt),
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s (looked for %s)", ErrArtifactNotFound, id, candidates[0])
}
