// Package core drives dbpulse.
//
// The core engine is responsible for:
//   - Deciding which collectors are due
//   - Dispatching collection cycles to a bounded worker pool
//   - Sweeping expired samples on its own cadence
//   - Wiring the schedule, registry, remote source and local store together
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dbpulse/internal/alerts"
	"dbpulse/internal/catalog"
	"dbpulse/internal/collector"
	"dbpulse/internal/config"
	"dbpulse/internal/delta"
	"dbpulse/internal/metrics"
	"dbpulse/internal/remote"
	"dbpulse/internal/retry"
	"dbpulse/internal/schedule"
	"dbpulse/internal/storage"
)

// Option overrides a component the engine would otherwise build itself.
type Option func(*Engine)

// WithCatalog sets the collector catalog. The default is the built-in one.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithRegistry sets the server registry instead of loading the registry file.
func WithRegistry(r remote.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithSource sets the remote source instead of PostgreSQL connection pools.
func WithSource(s remote.Source) Option {
	return func(e *Engine) { e.source = s }
}

// WithMetrics sets the metrics the engine reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine represents the collection engine.
// It owns every long-lived component except the local store.
type Engine struct {
	config *config.Config

	catalog   *catalog.Catalog
	store     *storage.Store
	schedule  *schedule.Store
	registry  remote.Registry
	source    remote.Source
	alerts    *alerts.Tracker
	deltas    *delta.Engine
	metrics   *metrics.Metrics
	collector *collector.Collector
	scheduler *Scheduler
	sweeper   *Sweeper

	// Internal state
	running bool
	mu      sync.RWMutex
}

// NewEngine creates a new engine with the given configuration.
//
// Parameters:
//   - cfg: Application configuration
//   - store: Local store for collected samples, owned by the caller
//   - opts: Component overrides
//
// Returns:
//   - *Engine: Initialized engine instance
//   - error: Any error that occurred during initialization
func NewEngine(cfg *config.Config, store *storage.Store, opts ...Option) (*Engine, error) {
	e := &Engine{config: cfg, store: store}
	for _, opt := range opts {
		opt(e)
	}

	if e.catalog == nil {
		c, err := catalog.New(catalog.Builtin()...)
		if err != nil {
			return nil, fmt.Errorf("failed to build collector catalog: %w", err)
		}
		e.catalog = c
	}

	if e.registry == nil {
		r, err := remote.LoadRegistry(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("failed to load server registry: %w", err)
		}
		e.registry = r
	}

	if e.source == nil {
		e.source = remote.NewPostgresSource(remote.DefaultPoolOptions(cfg.Collector.ConnectTimeout))
	}

	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	// Load the schedule. A damaged document never stops startup.
	defaults := schedule.DefaultsFrom(e.catalog.All())
	sched, src := schedule.Open(cfg.Schedule.Path, defaults)
	e.schedule = sched
	log.Info().
		Str("path", cfg.Schedule.Path).
		Str("source", string(src)).
		Int("collectors", len(defaults)).
		Msg("Schedule loaded")

	e.alerts = alerts.NewTracker()
	e.deltas = delta.New()

	classifier := retry.NewCodeClassifier(cfg.Retry.TransientCodes...)
	e.collector = collector.New(collector.Config{
		Catalog:        e.catalog,
		Source:         e.source,
		Store:          store,
		Deltas:         e.deltas,
		Alerts:         e.alerts,
		Metrics:        e.metrics,
		CommandTimeout: cfg.Collector.CommandTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Classify:    classifier.Classify,
		},
	})

	e.scheduler = NewScheduler(cfg.Scheduler, e.schedule, e.registry, e.collector, e.metrics)
	e.sweeper = NewSweeper(cfg.Scheduler.RetentionInterval, cfg.Storage.LogRetentionDays, e.catalog, e.schedule, store, e.metrics)

	return e, nil
}

// Start starts the scheduler and the sweeper.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - error: Any error that occurred during startup
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine is already running")
	}

	log.Info().Msg("Starting collection engine")

	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := e.sweeper.Start(ctx); err != nil {
		e.scheduler.Stop()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	e.running = true
	log.Info().Msg("Collection engine started successfully")
	return nil
}

// IsRunning returns whether the engine is currently running.
//
// Returns:
//   - bool: True if engine is running, false otherwise
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop stops the scheduler and the sweeper, waiting for cycles in flight.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	log.Info().Msg("Stopping collection engine")

	e.scheduler.Stop()
	e.sweeper.Stop()

	e.running = false
	log.Info().Msg("Collection engine stopped")
}

// Close stops the engine and releases the schedule store and the remote
// connection pools. The local store stays open.
func (e *Engine) Close() error {
	e.Stop()
	e.schedule.Close()
	if c, ok := e.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ErrStaticRegistry is returned when reloading a registry that is not read
// from a file.
var ErrStaticRegistry = errors.New("server registry cannot be reloaded")

// reloader is a registry that can re-read its source.
type reloader interface {
	Reload() ([]string, error)
}

// forgetter drops the state kept for a server.
type forgetter interface {
	Forget(serverID string)
}

// ReloadRegistry re-reads the server registry. The connection pool, rate
// state and alert state of every server that left the registry or was
// disabled are dropped.
//
// Returns:
//   - []string: IDs of the retired servers
//   - error: ErrStaticRegistry, or a registry read error
func (e *Engine) ReloadRegistry() ([]string, error) {
	r, ok := e.registry.(reloader)
	if !ok {
		return nil, ErrStaticRegistry
	}

	retired, err := r.Reload()
	if err != nil {
		return nil, fmt.Errorf("failed to reload server registry: %w", err)
	}

	for _, id := range retired {
		if f, ok := e.source.(forgetter); ok {
			f.Forget(id)
		}
		e.deltas.Forget(id)
		e.alerts.Forget(id)
		log.Info().Str("server", id).Msg("Server retired, state dropped")
	}
	return retired, nil
}

func (e *Engine) Catalog() *catalog.Catalog       { return e.catalog }
func (e *Engine) Store() *storage.Store           { return e.store }
func (e *Engine) Schedule() *schedule.Store       { return e.schedule }
func (e *Engine) Registry() remote.Registry       { return e.registry }
func (e *Engine) Alerts() *alerts.Tracker         { return e.alerts }
func (e *Engine) Metrics() *metrics.Metrics       { return e.metrics }
func (e *Engine) Collector() *collector.Collector { return e.collector }
func (e *Engine) Scheduler() *Scheduler           { return e.scheduler }
func (e *Engine) Sweeper() *Sweeper               { return e.sweeper }

// StaleAfter returns the age after which a collector's last result is
// considered stale.
func (e *Engine) StaleAfter() time.Duration {
	return e.config.Collector.StaleAfter
}
