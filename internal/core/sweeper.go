package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"dbpulse/internal/catalog"
	"dbpulse/internal/metrics"
	"dbpulse/internal/schedule"
	"dbpulse/internal/storage"
)

// collectionLogTable names the operational log in sweep reports.
const collectionLogTable = "collection_log"

// sweepConcurrency bounds the tables swept at once. Deletes serialize on the
// SQLite writer anyway.
const sweepConcurrency = 2

// SweepResult is the outcome of sweeping one table.
type SweepResult struct {
	Table         string `json:"table"`
	RetentionDays int    `json:"retention_days"`
	Deleted       int64  `json:"deleted"`
	Error         string `json:"error,omitempty"`
}

// SweepReport summarizes one pass of the sweeper.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Tables    []SweepResult `json:"tables"`
}

// Deleted returns the total number of rows removed.
func (r SweepReport) Deleted() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Deleted
	}
	return n
}

// Failed returns the number of tables whose sweep failed.
func (r SweepReport) Failed() int {
	n := 0
	for _, t := range r.Tables {
		if t.Error != "" {
			n++
		}
	}
	return n
}

// Sweeper deletes collected rows older than each collector's retention on
// its own cadence, independent of the collection tick.
type Sweeper struct {
	interval         time.Duration
	logRetentionDays int

	catalog  *catalog.Catalog
	schedule *schedule.Store
	store    *storage.Store
	metrics  *metrics.Metrics

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(interval time.Duration, logRetentionDays int, cat *catalog.Catalog, sched *schedule.Store, store *storage.Store, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		interval:         interval,
		logRetentionDays: logRetentionDays,
		catalog:          cat,
		schedule:         sched,
		store:            store,
		metrics:          m,
		now:              time.Now,
	}
}

// SweepOnce sweeps every collector table with its definition's retention,
// then the collection log. A failing table is reported and does not stop
// the others.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepReport {
	now := s.now()
	report := SweepReport{StartedAt: now}

	defs := s.schedule.All()
	results := make([]SweepResult, len(defs)+1)

	g := new(errgroup.Group)
	g.SetLimit(sweepConcurrency)
	for i, def := range defs {
		g.Go(func() error {
			results[i] = s.sweepDefinition(ctx, def, now)
			return nil
		})
	}
	_ = g.Wait()

	logResult := SweepResult{Table: collectionLogTable, RetentionDays: s.logRetentionDays}
	deleted, err := s.store.SweepCollectionLog(ctx, s.logRetentionDays, now)
	logResult.Deleted = deleted
	if err != nil {
		logResult.Error = err.Error()
		log.Error().Err(err).Msg("Failed to sweep collection log")
	}
	s.metrics.ObserveSweep(collectionLogTable, deleted, err)
	results[len(defs)] = logResult

	report.Tables = results
	report.Duration = time.Since(now)

	log.Info().
		Int("tables", len(results)).
		Int64("deleted", report.Deleted()).
		Int("failed", report.Failed()).
		Dur("duration", report.Duration).
		Msg("Retention sweep finished")

	return report
}

func (s *Sweeper) sweepDefinition(ctx context.Context, def schedule.Definition, now time.Time) SweepResult {
	res := SweepResult{Table: def.Name, RetentionDays: def.RetentionDays}

	d, ok := s.catalog.Get(def.Name)
	if !ok {
		// A definition whose descriptor was removed has no table to sweep.
		log.Debug().Str("collector", def.Name).Msg("No descriptor for definition, skipping sweep")
		return res
	}
	res.Table = d.Table()

	deleted, err := s.store.Sweep(ctx, res.Table, def.RetentionDays, now)
	res.Deleted = deleted
	s.metrics.ObserveSweep(res.Table, deleted, err)
	if err != nil {
		res.Error = err.Error()
		log.Error().Err(err).Str("table", res.Table).Msg("Failed to sweep table")
		return res
	}
	if deleted > 0 {
		log.Info().
			Str("table", res.Table).
			Int("retention_days", def.RetentionDays).
			Int64("deleted", deleted).
			Msg("Swept expired rows")
	}
	return res
}

// Start sweeps once and then every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.SweepOnce(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(loopCtx)
			}
		}
	}()

	log.Info().Dur("interval", s.interval).Msg("Sweeper started")
	return nil
}

// Stop ends the loop and waits for a sweep in progress.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	log.Info().Msg("Sweeper stopped")
}
