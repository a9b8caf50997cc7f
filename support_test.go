package modforge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockLogger records log entries for assertions while staying quiet unless a
// test fails.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *mockLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.record("error", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *mockLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }

func (l *mockLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *mockLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// writeModPackage materializes a minimal mod package on disk and returns its
// root path. The artifact is a placeholder file; content is only hashed,
// never executed, in these tests.
func writeModPackage(t *testing.T, dir string, manifest ModManifest, artifact []byte) string {
	t.Helper()

	root := filepath.Join(dir, manifest.ID)
	require.NoError(t, os.MkdirAll(root, 0o755))

	data, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFileName), data, 0o644))

	if artifact == nil {
		artifact = []byte("artifact-bytes-for-" + manifest.ID)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, manifest.ID+".so"), artifact, 0o644))

	return root
}

// stubBehavior counts lifecycle calls and optionally fails Initialize.
type stubBehavior struct {
	mu           sync.Mutex
	initCalls    int
	updates      int
	fixedUpdates int
	lateUpdates  int
	shutdowns    int
	failInit     bool
	ctx          *ModContext
}

func (b *stubBehavior) Initialize(ctx *ModContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	b.ctx = ctx
	if b.failInit {
		return fmt.Errorf("initialize refused")
	}
	return nil
}

func (b *stubBehavior) Update(float64) { b.mu.Lock(); b.updates++; b.mu.Unlock() }

func (b *stubBehavior) FixedUpdate(float64) { b.mu.Lock(); b.fixedUpdates++; b.mu.Unlock() }

func (b *stubBehavior) LateUpdate(float64) { b.mu.Lock(); b.lateUpdates++; b.mu.Unlock() }

func (b *stubBehavior) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	return nil
}

func (b *stubBehavior) snapshot() (init, updates, shutdowns int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls, b.updates, b.shutdowns
}

// pingEvent / pongEvent are the request/response pair used across tests.
type pingEvent struct {
	BaseEvent
	CorrelationID string
	Payload       string
}

func (e *pingEvent) RequestID() string { return e.CorrelationID }

type pongEvent struct {
	BaseEvent
	CorrelationID string
	Answer        string
}

func (e *pongEvent) RequestID() string { return e.CorrelationID }

func newPing(payload string) *pingEvent {
	return &pingEvent{
		BaseEvent:     NewBaseEvent("test_ping", "test-suite"),
		CorrelationID: NewRequestID(),
		Payload:       payload,
	}
}

// damageEvent exercises router property assignment and conditions.
type damageEvent struct {
	BaseEvent
	Amount float64
	Target string
}

// alertEvent is a router action target.
type alertEvent struct {
	BaseEvent
	Message  string
	Severity int
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", d)
}
