package modforge

import (
	"errors"
)

// Framework errors
var (
	// Load errors
	ErrManifestNotFound = errors.New("manifest.json not found")
	ErrManifestInvalid  = errors.New("manifest is invalid")
	ErrArtifactNotFound = errors.New("mod artifact not found")
	ErrModAlreadyLoaded = errors.New("mod already loaded")
	ErrModNotLoaded     = errors.New("mod not loaded")
	ErrModIDEmpty       = errors.New("mod id cannot be empty")
	ErrLoaderNil        = errors.New("loader is nil")
	ErrManagerStopped   = errors.New("mod manager is stopped")

	// Security errors
	ErrSecurityRejected     = errors.New("mod failed security validation")
	ErrPathOutsideRoots     = errors.New("mod path outside allowed directories")
	ErrSignatureMissing     = errors.New("signature file missing")
	ErrSignatureInvalid     = errors.New("manifest signature verification failed")
	ErrDangerousAPIDetected = errors.New("artifact references denied API")
	ErrPermissionDenied     = errors.New("requested permission not in allow-list")
	ErrPublicKeyInvalid     = errors.New("security public key is invalid")

	// Behavior resolution errors
	ErrBehaviorNotRegistered = errors.New("behavior type not registered")
	ErrBehaviorNil           = errors.New("behavior factory returned nil")
	ErrFactoryNil            = errors.New("behavior factory cannot be nil")

	// Event bus errors
	ErrEventNil            = errors.New("event cannot be nil")
	ErrEventIDEmpty        = errors.New("event id cannot be empty")
	ErrHandlerNil          = errors.New("event handler cannot be nil")
	ErrSubscriptionInvalid = errors.New("invalid subscription")

	// Service registry errors
	ErrServiceNil       = errors.New("service instance cannot be nil")
	ErrServiceTypeEmpty = errors.New("service type name cannot be empty")
	ErrServiceNotFound  = errors.New("service not found")
	ErrServiceWrongType = errors.New("service does not satisfy requested type")

	// Request/response errors
	ErrRequestTimeout   = errors.New("request timed out")
	ErrRequestCancelled = errors.New("request cancelled")
	ErrRequestSwept     = errors.New("request swept as stale")
	ErrRequestNil       = errors.New("request cannot be nil")

	// Router errors
	ErrRouteConfigInvalid   = errors.New("route configuration is invalid")
	ErrEventFactoryNotFound = errors.New("no event factory registered for event id")
	ErrUnknownOperator      = errors.New("unknown condition operator")

	// Config store errors
	ErrConfigCodecUnknown = errors.New("no codec for config file extension")
	ErrConfigNameEmpty    = errors.New("config name cannot be empty")
)
