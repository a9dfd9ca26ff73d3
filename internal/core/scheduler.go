package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dbpulse/internal/collector"
	"dbpulse/internal/config"
	"dbpulse/internal/metrics"
	"dbpulse/internal/remote"
	"dbpulse/internal/schedule"
)

// Runner runs one collection cycle.
type Runner interface {
	Collect(ctx context.Context, server remote.Server, def schedule.Definition) (collector.Result, error)
}

// pair identifies the cycles of one collector on one server. At most one
// cycle per pair runs at any time.
type pair struct {
	collector string
	server    string
}

// Scheduler is the driver loop. On every tick it queues the due collectors
// on every enabled server and dispatches the queue to a bounded worker pool.
// A tick never waits for a free worker: pairs left over stay queued, oldest
// first, for the next tick.
type Scheduler struct {
	config   config.SchedulerConfig
	schedule *schedule.Store
	registry remote.Registry
	runner   Runner
	metrics  *metrics.Metrics

	// Worker pool
	workers chan struct{}

	inFlight   map[pair]bool
	inFlightMu sync.Mutex

	// onLoad holds the on-load-only definitions not yet expanded to servers.
	// pending holds the pairs owed a cycle. Both are only touched by the
	// loop goroutine.
	onLoad  []schedule.Definition
	pending map[pair]*pendingPair
	seq     uint64

	// Lifecycle management
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

type pendingPair struct {
	def    schedule.Definition
	server remote.Server
	seq    uint64
}

// dispatchOutcome is the result of offering a pair to the worker pool.
type dispatchOutcome int

const (
	dispatched dispatchOutcome = iota
	skippedInFlight
	skippedPoolFull
)

// NewScheduler creates a new scheduler with the given configuration.
//
// Parameters:
//   - cfg: Scheduler configuration
//   - store: Schedule store deciding what is due
//   - registry: Source of the servers to collect from
//   - runner: Runs the dispatched cycles
//   - m: Metrics, may be nil
//
// Returns:
//   - *Scheduler: Initialized scheduler instance
func NewScheduler(cfg config.SchedulerConfig, store *schedule.Store, registry remote.Registry, runner Runner, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		config:   cfg,
		schedule: store,
		registry: registry,
		runner:   runner,
		metrics:  m,
		workers:  make(chan struct{}, cfg.WorkerCount),
		inFlight: make(map[pair]bool),
		pending:  make(map[pair]*pendingPair),
		now:      time.Now,
	}
}

// Start fills the worker pool, queues the on-load-only collectors and
// starts the loop. The first tick runs immediately.
//
// Parameters:
//   - ctx: Context bounding every cycle the scheduler runs
//
// Returns:
//   - error: Any error that occurred during startup
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	// Initialize worker pool
	for len(s.workers) < cap(s.workers) {
		s.workers <- struct{}{}
	}

	// Expanded to servers by the first tick that can list them
	s.onLoad = s.schedule.OnLoadOnly()
	onLoad := len(s.onLoad)

	go s.loop(loopCtx)

	s.running = true
	log.Info().
		Int("worker_count", s.config.WorkerCount).
		Dur("tick", s.config.Tick).
		Int("on_load_collectors", onLoad).
		Msg("Scheduler started")

	return nil
}

// Stop cancels every cycle in flight and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	log.Info().Msg("Stopping scheduler")

	// Cancel context to stop the loop and abandon running cycles
	s.cancel()
	<-s.done

	// Wait for all workers to finish
	s.wg.Wait()

	s.running = false
	log.Info().Msg("Scheduler stopped")
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// InFlight returns the number of cycles currently running.
func (s *Scheduler) InFlight() int {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queues the on-load-only pairs and every due pair, then dispatches the
// queue. A definition is marked run once its pairs are queued, so each pair
// is owed at most one cycle per period.
func (s *Scheduler) tick(ctx context.Context) {
	defer s.drain(ctx)

	now := s.now()
	due := s.schedule.DueNow(now)
	if len(due) == 0 && len(s.onLoad) == 0 {
		return
	}

	servers, err := remote.Enabled(ctx, s.registry)
	if err != nil {
		// Nothing is marked, so on-load and due definitions are retried on
		// the next tick.
		log.Error().Err(err).Msg("Failed to list servers")
		return
	}
	s.prune(servers)

	for _, def := range s.onLoad {
		s.enqueue(def, servers)
		s.markRun(def.Name, now)
	}
	s.onLoad = nil

	for _, def := range due {
		s.enqueue(def, servers)
		s.markRun(def.Name, now)
	}
}

// enqueue owes one cycle of def to every server. A pair already queued keeps
// its place and takes the newer definition.
func (s *Scheduler) enqueue(def schedule.Definition, servers []remote.Server) {
	for _, srv := range servers {
		key := pair{collector: def.Name, server: srv.ID}
		if p, ok := s.pending[key]; ok {
			p.def, p.server = def, srv
			continue
		}
		s.seq++
		s.pending[key] = &pendingPair{def: def, server: srv, seq: s.seq}
	}
}

// prune drops the queued pairs of servers no longer enabled.
func (s *Scheduler) prune(servers []remote.Server) {
	enabled := make(map[string]bool, len(servers))
	for _, srv := range servers {
		enabled[srv.ID] = true
	}
	for key := range s.pending {
		if !enabled[key.server] {
			delete(s.pending, key)
		}
	}
}

// drain dispatches the queued pairs oldest first until the pool is full.
// A pair whose previous cycle is still running is dropped.
func (s *Scheduler) drain(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}

	queue := make([]*pendingPair, 0, len(s.pending))
	for _, p := range s.pending {
		queue = append(queue, p)
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].seq < queue[j].seq })

	deferred := 0
	for _, p := range queue {
		switch s.dispatch(ctx, p.def, p.server) {
		case dispatched, skippedInFlight:
			delete(s.pending, pair{collector: p.def.Name, server: p.server.ID})
		case skippedPoolFull:
			deferred++
		}
	}

	if deferred > 0 {
		log.Warn().Int("deferred", deferred).Msg("No workers available, deferring cycles to the next tick")
	}
}

// dispatch starts a cycle on a free worker. It never blocks: a pair that is
// already running or finds no free worker is reported as skipped.
func (s *Scheduler) dispatch(ctx context.Context, def schedule.Definition, srv remote.Server) dispatchOutcome {
	key := pair{collector: def.Name, server: srv.ID}

	s.inFlightMu.Lock()
	if s.inFlight[key] {
		s.inFlightMu.Unlock()
		s.metrics.DispatchSkipped("in_flight")
		log.Debug().Str("collector", def.Name).Str("server", srv.ID).Msg("Previous cycle still running, skipping")
		return skippedInFlight
	}

	// Try to acquire a worker
	select {
	case <-s.workers:
	default:
		s.inFlightMu.Unlock()
		s.metrics.DispatchSkipped("pool_full")
		log.Debug().Str("collector", def.Name).Str("server", srv.ID).Msg("No workers available, deferring cycle")
		return skippedPoolFull
	}
	s.inFlight[key] = true
	s.inFlightMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.inFlightMu.Lock()
			delete(s.inFlight, key)
			s.inFlightMu.Unlock()

			// Return worker to pool
			s.workers <- struct{}{}
		}()

		s.execute(ctx, def, srv)
	}()
	return dispatched
}
