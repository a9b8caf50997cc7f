package modforge

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SignatureFileName is the detached signature expected beside manifest.json
// when signature verification is required.
const SignatureFileName = "signature.sig"

// ResourceLimits are advisory per-mod ceilings. The core records them in the
// SecurityContext; enforcement is the host's responsibility.
type ResourceLimits struct {
	MaxMemoryBytes           int64
	MaxCPUMillisPerTick      int64
	MaxObjects               int
	MaxFileSizeBytes         int64
	MaxEventsPerSecond       int
	MaxServiceCallsPerSecond int
}

// DefaultResourceLimits are used when neither the mod nor a "default" entry
// is configured.
var DefaultResourceLimits = ResourceLimits{
	MaxMemoryBytes:           256 << 20,
	MaxCPUMillisPerTick:      8,
	MaxObjects:               10000,
	MaxFileSizeBytes:         64 << 20,
	MaxEventsPerSecond:       1000,
	MaxServiceCallsPerSecond: 200,
}

// SecurityContext is the per-mod grant computed once at validation time.
// Advisory only: the core does not throttle CPU or memory itself.
type SecurityContext struct {
	ModID       string
	Permissions map[string]bool
	Limits      ResourceLimits
}

// HasPermission reports whether the context grants a permission string.
func (c *SecurityContext) HasPermission(permission string) bool {
	return c != nil && c.Permissions[permission]
}

// defaultDeniedAPIs are substrings scanned for inside mod artifacts. A match
// means the artifact references process control, destructive filesystem
// operations, dynamic code loading or raw network/registry access.
var defaultDeniedAPIs = []string{
	"System.Diagnostics.Process",
	"Process.Start",
	"System.IO.FileSystemWatcher",
	"Directory.Delete",
	"File.Delete",
	"Assembly.Load",
	"System.Net.Sockets",
	"Microsoft.Win32.Registry",
	"DllImport",
}

// SecurityConfig configures the SecurityManager. Misconfiguration (e.g. a
// bad public key when signatures are required) fails construction — it is a
// host error, not a bad mod.
type SecurityConfig struct {
	// AllowedRoots are the directories mod packages may live under.
	AllowedRoots []string

	// RequireSignature enables detached ed25519 signature verification of
	// the manifest digest. PublicKey must be set when enabled.
	RequireSignature bool
	PublicKey        ed25519.PublicKey

	// DeniedAPIs overrides the default denied-API substrings when non-nil.
	DeniedAPIs []string

	// AllowedPermissions is the global allow-list manifests are checked
	// against.
	AllowedPermissions []string

	// TrustedMods are granted every permission they request.
	TrustedMods []string

	// ModPermissions optionally narrows grants per mod id.
	ModPermissions map[string][]string

	// Limits maps mod id (or "default") to resource ceilings.
	Limits map[string]ResourceLimits

	// ArtifactExt selects which files the static scan inspects.
	// Defaults to ".so".
	ArtifactExt string
}

// SecurityManager validates mod packages before load and computes per-mod
// security contexts. Isolation is advisory: the scan is metadata-only and
// never executes candidate code.
type SecurityManager struct {
	config  SecurityConfig
	allowed []string // resolved absolute roots
	denied  []string
	logger  Logger
}

// NewSecurityManager resolves the configured roots and validates the
// public key. Construction errors abort host startup by design.
func NewSecurityManager(config SecurityConfig, logger Logger) (*SecurityManager, error) {
	if config.RequireSignature && len(config.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrPublicKeyInvalid, ed25519.PublicKeySize, len(config.PublicKey))
	}
	if config.ArtifactExt == "" {
		config.ArtifactExt = ".so"
	}

	allowed := make([]string, 0, len(config.AllowedRoots))
	for _, root := range config.AllowedRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve allowed root %s: %w", root, err)
		}
		allowed = append(allowed, abs)
	}

	denied := config.DeniedAPIs
	if denied == nil {
		denied = defaultDeniedAPIs
	}

	return &SecurityManager{
		config:  config,
		allowed: allowed,
		denied:  denied,
		logger:  logger,
	}, nil
}

// ValidateMod runs the ordered checks against the mod package at path,
// short-circuiting on the first failure:
//
//  1. path containment under the allowed roots, with no parent-traversal
//     segments
//  2. manifest signature verification (when required)
//  3. static denied-API scan of every artifact under the mod root
//  4. manifest permissions against the allow-list
//
// A nil return means the package passed all checks.
func (s *SecurityManager) ValidateMod(path string) error {
	if err := s.checkPath(path); err != nil {
		s.logger.Error("Mod path failed safety check", "path", path, "error", err)
		return err
	}
	if s.config.RequireSignature {
		if err := s.verifySignature(path); err != nil {
			s.logger.Error("Mod signature verification failed", "path", path, "error", err)
			return err
		}
	}
	if err := s.scanArtifacts(path); err != nil {
		s.logger.Error("Mod artifact scan failed", "path", path, "error", err)
		return err
	}
	if err := s.checkPermissions(path); err != nil {
		s.logger.Error("Mod permission validation failed", "path", path, "error", err)
		return err
	}
	return nil
}

func (s *SecurityManager) checkPath(path string) error {
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return fmt.Errorf("%w: parent traversal in %s", ErrPathOutsideRoots, path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve mod path %s: %w", path, err)
	}

	for _, root := range s.allowed {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathOutsideRoots, abs)
}

// verifySignature checks the detached ed25519 signature over the sha256
// digest of the manifest file.
func (s *SecurityManager) verifySignature(path string) error {
	manifestData, err := os.ReadFile(filepath.Join(path, ManifestFileName))
	if err != nil {
		return fmt.Errorf("failed to read manifest for signing check: %w", err)
	}

	signature, err := os.ReadFile(filepath.Join(path, SignatureFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSignatureMissing, path)
		}
		return fmt.Errorf("failed to read signature: %w", err)
	}

	digest := sha256.Sum256(manifestData)
	if !ed25519.Verify(s.config.PublicKey, digest[:], signature) {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, path)
	}
	return nil
}

// scanArtifacts walks the mod root and inspects every artifact's bytes for
// denied-API substrings. The scan is metadata-only — candidate code is never
// executed.
func (s *SecurityManager) scanArtifacts(path string) error {
	return filepath.WalkDir(path, func(file string, entry os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("artifact scan failed at %s: %w", file, err)
		}
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(file), s.config.ArtifactExt) {
			return nil
		}

		data, readErr := os.ReadFile(file)
		if readErr != nil {
			return fmt.Errorf("failed to read artifact %s: %w", file, readErr)
		}
		for _, api := range s.denied {
			if bytes.Contains(data, []byte(api)) {
				return fmt.Errorf("%w: %q in %s", ErrDangerousAPIDetected, api, file)
			}
		}
		return nil
	})
}

func (s *SecurityManager) checkPermissions(path string) error {
	manifest, err := ParseManifest(path)
	if err != nil {
		return err
	}

	allowed := make(map[string]bool, len(s.config.AllowedPermissions))
	for _, p := range s.config.AllowedPermissions {
		allowed[p] = true
	}
	for _, requested := range manifest.Permissions {
		if !allowed[requested] {
			return fmt.Errorf("%w: %s requested %q", ErrPermissionDenied, manifest.ID, requested)
		}
	}
	return nil
}

// CreateContext computes the per-mod grant. Trusted mods receive everything
// they requested; otherwise requested permissions are intersected with the
// per-mod allow-list when configured, falling back to the global
// allow-list. Limits resolve per-mod, then "default", then hardcoded
// defaults.
func (s *SecurityManager) CreateContext(modID string, requested []string) *SecurityContext {
	granted := make(map[string]bool, len(requested))

	switch {
	case s.isTrusted(modID):
		for _, p := range requested {
			granted[p] = true
		}
	case s.config.ModPermissions[modID] != nil:
		allowed := make(map[string]bool)
		for _, p := range s.config.ModPermissions[modID] {
			allowed[p] = true
		}
		for _, p := range requested {
			if allowed[p] {
				granted[p] = true
			}
		}
	default:
		allowed := make(map[string]bool)
		for _, p := range s.config.AllowedPermissions {
			allowed[p] = true
		}
		for _, p := range requested {
			if allowed[p] {
				granted[p] = true
			}
		}
	}

	limits, ok := s.config.Limits[modID]
	if !ok {
		limits, ok = s.config.Limits["default"]
	}
	if !ok {
		limits = DefaultResourceLimits
	}

	return &SecurityContext{
		ModID:       modID,
		Permissions: granted,
		Limits:      limits,
	}
}

func (s *SecurityManager) isTrusted(modID string) bool {
	for _, trusted := range s.config.TrustedMods {
		if trusted == modID {
			return true
		}
	}
	return false
}
