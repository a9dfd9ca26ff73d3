package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"dbpulse/internal/collector"
	"dbpulse/internal/remote"
	"dbpulse/internal/schedule"
)

// execute runs one cycle. Errors and panics stop here.
func (s *Scheduler) execute(ctx context.Context, def schedule.Definition, srv remote.Server) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("collector", def.Name).
				Str("server", srv.ID).
				Interface("panic", r).
				Msg("Collection cycle panicked")
		}
	}()

	if _, err := s.runner.Collect(ctx, srv, def); err != nil {
		// The collector already logged and recorded the outcome.
		log.Debug().Err(err).Str("collector", def.Name).Str("server", srv.ID).Msg("Cycle returned an error")
	}
}

func (s *Scheduler) markRun(name string, at time.Time) {
	if err := s.schedule.MarkRun(name, at); err != nil {
		log.Error().Err(err).Str("collector", name).Msg("Failed to mark collector run")
	}
}

// CollectOnce runs the named collectors, or every enabled collector when no
// name is given, on every enabled server and waits for the results. It
// bypasses the timer and does not need the scheduler to be running. Runs
// are marked in the schedule.
//
// Parameters:
//   - ctx: Context bounding all cycles
//   - names: Collectors to run
//
// Returns:
//   - []collector.Result: Results of the completed cycles
//   - error: An unknown collector name or a registry failure
func (s *Scheduler) CollectOnce(ctx context.Context, names ...string) ([]collector.Result, error) {
	var defs []schedule.Definition
	if len(names) == 0 {
		for _, d := range s.schedule.All() {
			if d.Enabled {
				defs = append(defs, d)
			}
		}
	} else {
		for _, name := range names {
			d, err := s.schedule.Get(name)
			if err != nil {
				return nil, err
			}
			defs = append(defs, d)
		}
	}

	servers, err := remote.Enabled(ctx, s.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	type job struct {
		def    schedule.Definition
		server remote.Server
	}
	var jobs []job
	for _, d := range defs {
		for _, srv := range servers {
			jobs = append(jobs, job{d, srv})
		}
	}

	results := make([]collector.Result, len(jobs))
	ok := make([]bool, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.config.WorkerCount, 1))
	for i, j := range jobs {
		g.Go(func() error {
			res, err := s.runner.Collect(gctx, j.server, j.def)
			if err != nil {
				log.Warn().Err(err).Str("collector", j.def.Name).Str("server", j.server.ID).Msg("Collection failed")
				return nil
			}
			results[i], ok[i] = res, true
			return nil
		})
	}
	_ = g.Wait()

	now := s.now()
	for _, d := range defs {
		s.markRun(d.Name, now)
	}

	out := make([]collector.Result, 0, len(jobs))
	for i := range jobs {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	return out, ctx.Err()
}
