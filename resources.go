package modforge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Conventional subdirectories scanned inside a mod package root.
const (
	objectsDir  = "Objects"
	configDir   = "Config"
	modelsDir   = "Models"
	texturesDir = "Resources/Textures"
	audioDir    = "Resources/Audio"
)

// ObjectDefinition is a declarative, engine-agnostic description of a
// composite object — a serialization-friendly substitute for a prefab.
// It is interpreted by a host-specific factory; the core only parses it.
type ObjectDefinition struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Components []ComponentDefinition `json:"components"`
}

// ComponentDefinition is one typed component inside an ObjectDefinition.
// Properties is a free-form bag the host factory applies to the component.
type ComponentDefinition struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// ModResources maps resource file names to parsed content and asset path
// indices. Built once at load time and immutable thereafter; a reload
// produces a fresh instance.
type ModResources struct {
	// Objects holds parsed object definitions keyed by file name (without
	// extension).
	Objects map[string]*ObjectDefinition

	// Configs holds raw config file contents keyed by file name (without
	// extension). The bytes are not interpreted by the core.
	Configs map[string]string

	// ModelPaths, TexturePaths and AudioPaths index asset files by path.
	// Bytes are never loaded eagerly.
	ModelPaths   []string
	TexturePaths []string
	AudioPaths   []string
}

func newModResources() *ModResources {
	return &ModResources{
		Objects: make(map[string]*ObjectDefinition),
		Configs: make(map[string]string),
	}
}

// LoadModResources scans the conventional subdirectories under root and
// builds the mod's resource table. Resource loading is best effort: a file
// that fails to read or parse is logged and simply absent — it never aborts
// the mod load.
func LoadModResources(root string, logger Logger) *ModResources {
	res := newModResources()

	for _, path := range listFiles(root, objectsDir, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("Failed to read object definition", "path", path, "error", err)
			continue
		}
		var def ObjectDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			logger.Error("Failed to parse object definition", "path", path, "error", err)
			continue
		}
		res.Objects[baseName(path)] = &def
	}

	for _, path := range listFiles(root, configDir, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("Failed to read mod config blob", "path", path, "error", err)
			continue
		}
		res.Configs[baseName(path)] = string(data)
	}

	res.ModelPaths = append(listFiles(root, modelsDir, ".gltf"), listFiles(root, modelsDir, ".glb")...)
	res.TexturePaths = append(listFiles(root, texturesDir, ".png"), listFiles(root, texturesDir, ".jpg")...)
	res.AudioPaths = append(listFiles(root, audioDir, ".wav"), listFiles(root, audioDir, ".mp3")...)

	return res
}

// listFiles returns files directly under <root>/<sub> with the given
// extension. A missing directory yields no entries.
func listFiles(root, sub, ext string) []string {
	dir := filepath.Join(root, filepath.FromSlash(sub))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
