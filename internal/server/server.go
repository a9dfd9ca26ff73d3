// Package server provides the main server orchestration for dbpulse.
//
// This package coordinates the startup and shutdown of all core components:
//   - Local store initialization
//   - Collection engine startup
//   - HTTP API server management
//   - Graceful shutdown handling
//
// The server follows a structured lifecycle:
//  1. Storage initialization
//  2. Core engine startup
//  3. HTTP API server launch
//  4. Signal handling (SIGHUP reloads the registry) and graceful shutdown
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"dbpulse/internal/api"
	"dbpulse/internal/catalog"
	"dbpulse/internal/config"
	"dbpulse/internal/core"
	"dbpulse/internal/storage"
)

// Runtime is an opened local store with an engine wired on top of it. The
// engine is not started.
type Runtime struct {
	Store  *storage.Store
	Engine *core.Engine
}

// Open opens the local store and builds the engine. One-shot commands use
// it without starting the engine.
func Open(ctx context.Context, cfg *config.Config, opts ...core.Option) (*Runtime, error) {
	cat, err := catalog.New(catalog.Builtin()...)
	if err != nil {
		return nil, fmt.Errorf("failed to build collector catalog: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Storage, cat.All())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	engine, err := core.NewEngine(cfg, store, append([]core.Option{core.WithCatalog(cat)}, opts...)...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &Runtime{Store: store, Engine: engine}, nil
}

// Close stops the engine and closes the store.
func (r *Runtime) Close() error {
	return errors.Join(r.Engine.Close(), r.Store.Close())
}

// Server represents the main dbpulse server orchestrator.
//
// It manages the lifecycle of the local store, the collection engine and
// the HTTP API server, in that order.
type Server struct {
	// cfg holds the application configuration
	cfg  *config.Config
	opts []core.Option
}

// New creates a new server instance with the provided configuration.
//
// The server is not started until Start() is called. Options are passed to
// the engine.
func New(cfg *config.Config, opts ...core.Option) *Server {
	return &Server{
		cfg:  cfg,
		opts: opts,
	}
}

// Start initializes and starts all server components in order, then blocks
// until ctx is cancelled or the HTTP server fails. Components are shut down
// in reverse order within scheduler.shutdown_timeout.
func (s *Server) Start(ctx context.Context) error {
	// Phase 1: Initialize local storage and the engine on top of it
	rt, err := Open(ctx, s.cfg, s.opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close runtime")
		}
	}()

	// Phase 2: Start collecting
	if err := rt.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Phase 3: Initialize HTTP API server
	var httpServer *api.Server
	serverErrors := make(chan error, 1)
	if s.cfg.Server.Enabled {
		httpServer = api.NewServer(s.cfg, rt.Engine)
		go func() {
			serverErrors <- httpServer.Start()
		}()
	}

	// Phase 4: Wait for shutdown signal or server error. SIGHUP reloads the
	// server registry.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	var runErr error
wait:
	for {
		select {
		case <-reload:
			if _, err := rt.Engine.ReloadRegistry(); err != nil {
				log.Error().Err(err).Msg("Failed to reload server registry")
			}
		case err := <-serverErrors:
			if err != nil {
				runErr = fmt.Errorf("server error: %w", err)
			}
			break wait
		case <-ctx.Done():
			log.Info().Msg("Shutdown signal received, starting graceful shutdown")
			break wait
		}
	}

	// Phase 5: Graceful shutdown sequence
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server first to stop accepting new requests
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}

	stopped := make(chan struct{})
	go func() {
		rt.Engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		log.Warn().Dur("timeout", s.cfg.Scheduler.ShutdownTimeout).Msg("Collection cycles still running at shutdown timeout")
	}

	log.Info().Msg("Server stopped gracefully")
	return runErr
}
