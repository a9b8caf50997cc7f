package modforge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DebugServer exposes a read-mostly HTTP API over a running ModManager for
// operators: loaded mods, registered services, routing table, and a reload
// trigger. It is a diagnostics surface, not a management plane; it carries
// no authentication and should only bind to loopback.
type DebugServer struct {
	manager *ModManager
	logger  Logger
	server  *http.Server
}

// NewDebugServer builds the server bound to addr (e.g. "127.0.0.1:8677").
func NewDebugServer(manager *ModManager, addr string, logger Logger) *DebugServer {
	s := &DebugServer{manager: manager, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/mods", func(r chi.Router) {
		r.Get("/", s.handleListMods)
		r.Get("/{id}", s.handleGetMod)
		r.Get("/{id}/history", s.handleModHistory)
		r.Post("/{id}/reload", s.handleReloadMod)
	})
	r.Get("/services", s.handleListServices)
	r.Get("/routes", s.handleListRoutes)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in a background goroutine until Stop is called.
func (s *DebugServer) Start() {
	go func() {
		s.logger.Info("Debug server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Debug server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *DebugServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type modSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	State       ModState  `json:"state"`
	LoadVersion int       `json:"loadVersion"`
	LoadedAt    time.Time `json:"loadedAt"`
	Behaviours  int       `json:"behaviours"`
	Error       string    `json:"error,omitempty"`
}

func (s *DebugServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mods":   s.manager.LoadedModCount(),
	})
}

func (s *DebugServer) handleListMods(w http.ResponseWriter, _ *http.Request) {
	mods := make([]modSummary, 0)
	for _, id := range s.manager.ModIDs() {
		if instance, ok := s.manager.Instance(id); ok {
			mods = append(mods, summarize(instance))
		}
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *DebugServer) handleGetMod(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	instance, ok := s.manager.Instance(id)
	if !ok {
		writeError(w, http.StatusNotFound, "mod not loaded: "+id)
		return
	}

	summary := summarize(instance)
	writeJSON(w, http.StatusOK, map[string]any{
		"mod":        summary,
		"manifest":   instance.Mod.Manifest,
		"behaviours": instance.Mod.BehaviorNames,
	})
}

func (s *DebugServer) handleModHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history := s.manager.GenerationHistory(id)
	if len(history) == 0 {
		writeError(w, http.StatusNotFound, "no load history for mod: "+id)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *DebugServer) handleReloadMod(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	instance, err := s.manager.ReloadMod(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrModNotLoaded):
			status = http.StatusNotFound
		case errors.Is(err, ErrModAlreadyLoaded):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(*instance))
}

func (s *DebugServer) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Services().Snapshot())
}

func (s *DebugServer) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	router := s.manager.Router()
	if router == nil {
		writeJSON(w, http.StatusOK, map[string][]RouteConfig{})
		return
	}
	writeJSON(w, http.StatusOK, router.Routes())
}

func summarize(instance ModInstance) modSummary {
	return modSummary{
		ID:          instance.Mod.Manifest.ID,
		Name:        instance.Mod.Manifest.Name,
		Version:     instance.Mod.Manifest.Version,
		State:       instance.State,
		LoadVersion: instance.Mod.LoadVersion,
		LoadedAt:    instance.LoadedAt,
		Behaviours:  len(instance.Mod.Behaviors),
		Error:       instance.LastError,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck // response already committed
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
