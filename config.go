package modforge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigStore saves and loads per-mod configuration values under a config
// directory. The codec is selected by file extension: .json, .yaml/.yml or
// .toml. A value saved and reloaded through the store reproduces equal field
// values for JSON-serializable field types.
type ConfigStore struct {
	dir string
}

// NewConfigStore creates a store rooted at dir. The directory is created on
// first save.
func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

// Dir returns the store's root directory.
func (s *ConfigStore) Dir() string { return s.dir }

// Save writes value to <dir>/<name>, encoding by the name's extension.
// Names without an extension default to .json.
func (s *ConfigStore) Save(name string, value any) error {
	if name == "" {
		return ErrConfigNameEmpty
	}
	if filepath.Ext(name) == "" {
		name += ".json"
	}

	data, err := encodeConfig(name, value)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Load reads <dir>/<name> into target, decoding by the name's extension.
func (s *ConfigStore) Load(name string, target any) error {
	if name == "" {
		return ErrConfigNameEmpty
	}
	if filepath.Ext(name) == "" {
		name += ".json"
	}

	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return decodeConfig(name, data, target)
}

// Exists reports whether a config file is present.
func (s *ConfigStore) Exists(name string) bool {
	if filepath.Ext(name) == "" {
		name += ".json"
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil && !info.IsDir()
}

func encodeConfig(name string, value any) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		return data, nil
	case ".yaml", ".yml":
		data, err := yaml.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		return data, nil
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(value); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrConfigCodecUnknown, name)
	}
}

func decodeConfig(name string, data []byte, target any) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return nil
	case ".toml":
		if err := toml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrConfigCodecUnknown, name)
	}
}

// LoadRouterConfig reads a CommunicationRouter configuration from a JSON or
// YAML file. Parse failures propagate: a malformed routing table is a host
// misconfiguration and aborts startup.
func LoadRouterConfig(path string) (RouterConfig, error) {
	var config RouterConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read router config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return config, fmt.Errorf("%w: %s: %v", ErrRouteConfigInvalid, path, err)
	}
	return config, nil
}
