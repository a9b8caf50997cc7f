package modforge

// Logger defines the interface for framework logging.
// modforge uses structured logging with key-value pairs so hosts can plug in
// slog, zap, logrus or any other structured logger without adapters beyond a
// thin shim.
//
// All framework operations (mod loading, event dispatch failures, service
// registration, timer panics, etc.) are logged through this interface, so the
// host controls how framework logs appear.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("Mod loaded", "mod", "example_mod", "version", 3)
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal events like mod loads, service registration, reloads.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for failures that are isolated to one mod, handler or resource
	// and do not abort sibling operations.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for unusual but non-fatal conditions, e.g. a duplicate service
	// id replacing an existing registration.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for detailed diagnostics such as content-hash comparisons.
	Debug(msg string, args ...any)
}
