// modhost is a standalone host for the modforge runtime. It loads every mod
// package under a directory, drives the update loop at a fixed tick rate,
// and optionally watches the directory for hot reloads and serves the debug
// API. Game engines embed the library directly; modhost exists for headless
// development and CI.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelabs/modforge"
)

func main() {
	var (
		modsDir       = flag.String("mods", "./Mods", "directory scanned for mod packages")
		routesPath    = flag.String("routes", "", "optional routing table (JSON or YAML)")
		debugAddr     = flag.String("debug-addr", "", "serve the debug API on this address (e.g. 127.0.0.1:8677)")
		tickRate      = flag.Float64("tick-rate", 60, "updates per second")
		watch         = flag.Bool("watch", false, "hot-reload mods when their files change")
		publicKeyPath = flag.String("public-key", "", "ed25519 public key for signature verification")
		requireSig    = flag.Bool("require-signature", false, "reject unsigned mod packages")
		verbose       = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *modsDir, *routesPath, *debugAddr, *publicKeyPath, *tickRate, *watch, *requireSig); err != nil {
		logger.Error("Host failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, modsDir, routesPath, debugAddr, publicKeyPath string, tickRate float64, watch, requireSig bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := modforge.ModManagerConfig{
		ModsDir: modsDir,
		Loader:  modforge.ModLoaderConfig{HotReload: watch},
	}

	security := modforge.SecurityConfig{
		AllowedRoots:     []string{modsDir},
		RequireSignature: requireSig,
	}
	if publicKeyPath != "" {
		key, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		security.PublicKey = ed25519.PublicKey(key)
	}
	config.Security = &security

	if routesPath != "" {
		routes, err := modforge.LoadRouterConfig(routesPath)
		if err != nil {
			return fmt.Errorf("failed to load routing table: %w", err)
		}
		config.Router = &routes
	}

	manager, err := modforge.NewModManager(config, logger)
	if err != nil {
		return err
	}
	defer manager.Stop()

	loaded, err := manager.LoadModsFromDirectory(ctx, modsDir)
	if err != nil {
		return err
	}
	logger.Info("Startup pass complete", "loaded", loaded, "dir", modsDir)

	if watch {
		watcher := modforge.NewDirectoryWatcher(manager, 0, logger)
		if err := watcher.Start(ctx, modsDir); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer watcher.Stop()
	}

	if debugAddr != "" {
		server := modforge.NewDebugServer(manager, debugAddr, logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Error("Debug server shutdown failed", "error", err)
			}
		}()
	}

	interval := time.Duration(float64(time.Second) / tickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Host running", "tickRate", tickRate)
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			manager.Tick(dt)
			manager.FixedTick(interval.Seconds())
			manager.LateTick(dt)
		}
	}
}
