package modforge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFileName is the required descriptor inside every mod package root.
const ManifestFileName = "manifest.json"

// ModManifest is the identity and load instructions for a mod package, read
// from manifest.json. It is immutable once parsed and re-parsed on every
// (re)load.
type ModManifest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Author      string   `json:"author"`
	Description string   `json:"description"`

	// MainClass names the entry behaviour registered in the BehaviorRegistry.
	MainClass string `json:"main_class"`

	// Behaviours names additional behaviour types to instantiate.
	Behaviours []string `json:"behaviours"`

	Dependencies []ModDependency      `json:"dependencies"`
	Services     []ServiceDeclaration `json:"services"`
	Permissions  []string             `json:"permissions"`
	Resources    ResourceManifest     `json:"resources"`
	Metadata     map[string]any       `json:"metadata"`
}

// ModDependency declares that a mod requires (or optionally uses) another mod.
type ModDependency struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Optional bool   `json:"optional"`
}

// ServiceDeclaration announces a service a mod intends to register.
type ServiceDeclaration struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version"`
}

// ResourceManifest lists resource files the mod declares explicitly, in
// addition to whatever the convention-directory scan discovers.
type ResourceManifest struct {
	Objects  []string `json:"objects"`
	Configs  []string `json:"configs"`
	Models   []string `json:"models"`
	Textures []string `json:"textures"`
	Audio    []string `json:"audio"`
}

// ParseManifest reads and validates <root>/manifest.json.
// A missing file is reported as ErrManifestNotFound so directory-level
// loaders can distinguish "not a mod package" from a malformed one.
func ParseManifest(root string) (*ModManifest, error) {
	path := filepath.Join(root, ManifestFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var manifest ModManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestInvalid, path, err)
	}

	if manifest.ID == "" {
		return nil, fmt.Errorf("%w: missing id in %s", ErrManifestInvalid, path)
	}

	return &manifest, nil
}

// BehaviourNames returns the entry behaviour followed by the additional
// declared behaviours, de-duplicated, preserving declaration order.
func (m *ModManifest) BehaviourNames() []string {
	names := make([]string, 0, len(m.Behaviours)+1)
	seen := make(map[string]bool)
	if m.MainClass != "" {
		names = append(names, m.MainClass)
		seen[m.MainClass] = true
	}
	for _, name := range m.Behaviours {
		if name == "" || seen[name] {
			continue
		}
		names = append(names, name)
		seen[name] = true
	}
	return names
}
