package modforge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDebugHarness(t *testing.T) (*ModManager, http.Handler) {
	t.Helper()
	manager, modsDir := newTestManager(t)

	root := writeModPackage(t, modsDir, ModManifest{
		ID: "debug-mod", Name: "Debug Mod", Version: "0.3.0", MainClass: "TestBehaviour",
	}, nil)
	_, err := manager.LoadMod(context.Background(), root)
	require.NoError(t, err)

	server := NewDebugServer(manager, "127.0.0.1:0", &mockLogger{})
	return manager, server.server.Handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, target any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if target != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target))
	}
	return rec.Code
}

func TestDebugServerHealth(t *testing.T) {
	_, handler := newDebugHarness(t)

	var body map[string]any
	code := doJSON(t, handler, http.MethodGet, "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["mods"])
}

func TestDebugServerListMods(t *testing.T) {
	_, handler := newDebugHarness(t)

	var mods []map[string]any
	code := doJSON(t, handler, http.MethodGet, "/mods", &mods)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, mods, 1)
	assert.Equal(t, "debug-mod", mods[0]["id"])
	assert.Equal(t, string(StateActive), mods[0]["state"])
	assert.EqualValues(t, 1, mods[0]["loadVersion"])
}

func TestDebugServerGetMod(t *testing.T) {
	_, handler := newDebugHarness(t)

	var body map[string]any
	code := doJSON(t, handler, http.MethodGet, "/mods/debug-mod", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "manifest")
	assert.Contains(t, body, "behaviours")

	var errBody map[string]string
	code = doJSON(t, handler, http.MethodGet, "/mods/ghost", &errBody)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, errBody["error"], "ghost")
}

func TestDebugServerReloadMod(t *testing.T) {
	manager, handler := newDebugHarness(t)

	var body map[string]any
	code := doJSON(t, handler, http.MethodPost, "/mods/debug-mod/reload", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["loadVersion"])
	assert.Equal(t, 2, loadVersionOf(manager, "debug-mod"))

	code = doJSON(t, handler, http.MethodPost, "/mods/ghost/reload", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDebugServerModHistory(t *testing.T) {
	manager, handler := newDebugHarness(t)
	_, err := manager.ReloadMod(context.Background(), "debug-mod")
	require.NoError(t, err)

	var history []map[string]any
	code := doJSON(t, handler, http.MethodGet, "/mods/debug-mod/history", &history)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, history, 2)

	code = doJSON(t, handler, http.MethodGet, "/mods/ghost/history", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDebugServerListServices(t *testing.T) {
	manager, handler := newDebugHarness(t)
	require.NoError(t, manager.Services().Register(
		ServiceDeclaration{Type: "EconomyService", ID: "gold", Version: "1.0"}, "debug-mod", &fakeEconomy{}))

	var services []ServiceInfo
	code := doJSON(t, handler, http.MethodGet, "/services", &services)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, services, 1)
	assert.Equal(t, "EconomyService", services[0].Type)
	assert.Equal(t, "debug-mod", services[0].Provider)
}

func TestDebugServerListRoutesWithoutRouter(t *testing.T) {
	_, handler := newDebugHarness(t)

	var routes map[string][]RouteConfig
	code := doJSON(t, handler, http.MethodGet, "/routes", &routes)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, routes)
}
