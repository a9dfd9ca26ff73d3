// Package collector runs collection cycles.
//
// A cycle reads one collector's query from one server, derives the rate of
// every counter, appends the batch to the local store in one transaction
// and records the outcome in the collection log.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"dbpulse/internal/alerts"
	"dbpulse/internal/catalog"
	"dbpulse/internal/delta"
	"dbpulse/internal/metrics"
	"dbpulse/internal/remote"
	"dbpulse/internal/retry"
	"dbpulse/internal/schedule"
	"dbpulse/internal/storage"
)

// Sink is the part of the local store a cycle writes to.
type Sink interface {
	AppendBatch(ctx context.Context, table, serverID string, at time.Time, rows []map[string]any) ([]int64, error)
	RecordCollection(ctx context.Context, entry storage.CollectionEntry) (int64, error)
}

// Config wires a Collector. Alerts and Metrics are optional.
type Config struct {
	Catalog *catalog.Catalog
	Source  remote.Source
	Store   Sink
	Deltas  *delta.Engine
	Alerts  *alerts.Tracker
	Metrics *metrics.Metrics

	// CommandTimeout bounds every remote attempt separately.
	CommandTimeout time.Duration
	Retry          retry.Policy
}

// Collector runs cycles. It is safe for concurrent use; cycles of different
// servers share nothing but the delta engine.
type Collector struct {
	cfg Config
	now func() time.Time
}

// Result describes a finished cycle.
type Result struct {
	CycleID     string                   `json:"cycle_id"`
	Collector   string                   `json:"collector"`
	Server      string                   `json:"server"`
	Status      storage.CollectionStatus `json:"status"`
	Rows        int                      `json:"rows"`
	Attempts    int                      `json:"attempts"`
	CollectedAt time.Time                `json:"collected_at"`
	Remote      time.Duration            `json:"remote"`
	Local       time.Duration            `json:"local"`
	IDs         []int64                  `json:"ids,omitempty"`
	Alerts      []string                 `json:"alerts,omitempty"`
}

// New creates a collector.
func New(cfg Config) *Collector {
	if cfg.Deltas == nil {
		cfg.Deltas = delta.New()
	}
	return &Collector{cfg: cfg, now: time.Now}
}

// Collect runs one cycle of def against server.
//
// Permission and feature errors of optional collectors yield a skipped
// result with no rows. Other remote errors are retried per the retry
// policy; a local write error is not. Failures are returned as
// *CollectionError. When ctx is cancelled nothing from the cycle is stored.
func (c *Collector) Collect(ctx context.Context, server remote.Server, def schedule.Definition) (Result, error) {
	res := Result{
		CycleID:   uuid.NewString(),
		Collector: def.Name,
		Server:    server.ID,
	}
	started := c.now()

	logger := log.With().
		Str("cycle_id", res.CycleID).
		Str("collector", def.Name).
		Str("server", server.ID).
		Logger()

	d, ok := c.cfg.Catalog.Get(def.Name)
	if !ok {
		err := &CollectionError{Collector: def.Name, Server: server.ID, Phase: PhaseResolve, Err: ErrUnknownCollector}
		c.finish(ctx, &res, started, err)
		return res, err
	}

	c.cfg.Metrics.CycleStarted()
	defer c.cfg.Metrics.CycleFinished()

	// Remote read, fully buffered before the store is touched.
	policy := c.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.cfg.Metrics.Retried(d.Name)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Remote read failed, retrying")
	}

	raw, attempts, err := retry.Do(ctx, policy, func(ctx context.Context) ([]map[string]any, error) {
		if c.cfg.CommandTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
			defer cancel()
		}
		return c.cfg.Source.Query(ctx, server, d.Query)
	})
	res.Attempts = attempts
	res.Remote = c.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Err(err).Msg("Collection cycle cancelled")
			return res, &CollectionError{Collector: d.Name, Server: server.ID, Phase: PhaseRemote, Attempts: attempts, Err: ctx.Err()}
		}
		if d.Optional && unavailable(err) {
			code, _ := retry.SQLState(err)
			logger.Warn().
				Err(err).
				Str("sqlstate", code).
				Msg("Optional collector unavailable on this server, skipping")
			res.Status = storage.StatusSkipped
			c.finish(ctx, &res, started, nil)
			return res, nil
		}

		cerr := &CollectionError{Collector: d.Name, Server: server.ID, Phase: PhaseRemote, Attempts: attempts, Err: err}
		c.finish(ctx, &res, started, cerr)
		return res, cerr
	}

	// One capture time for the whole batch.
	res.CollectedAt = c.now().UTC()
	rows := c.derive(d, server.ID, raw, res.CollectedAt)

	if len(rows) == 0 {
		res.Status = storage.StatusEmpty
	} else {
		localStart := c.now()
		ids, err := c.cfg.Store.AppendBatch(ctx, d.Table(), server.ID, res.CollectedAt, rows)
		res.Local = c.now().Sub(localStart)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Err(err).Msg("Collection cycle cancelled before commit")
				return res, &CollectionError{Collector: d.Name, Server: server.ID, Phase: PhaseLocal, Attempts: attempts, Err: ctx.Err()}
			}
			cerr := &CollectionError{Collector: d.Name, Server: server.ID, Phase: PhaseLocal, Attempts: attempts, Err: err}
			c.finish(ctx, &res, started, cerr)
			return res, cerr
		}
		res.IDs = ids
		res.Rows = len(ids)
		res.Status = storage.StatusSuccess
	}

	if d.Alert != nil {
		res.Alerts = d.Alert(rows)
		if c.cfg.Alerts != nil {
			c.cfg.Alerts.Report(server.ID, d.Name, res.Alerts)
		}
		if len(res.Alerts) > 0 {
			logger.Warn().Strs("conditions", res.Alerts).Msg("Alert conditions raised")
		}
	}

	c.finish(ctx, &res, started, nil)
	return res, nil
}

// derive keeps the declared columns of every remote row, normalizes their
// values and adds the rate of every counter.
//
// Rows sharing a key within one batch cannot be told apart across batches,
// so their rates are nil and their delta state is dropped.
func (c *Collector) derive(d catalog.Descriptor, serverID string, raw []map[string]any, at time.Time) []map[string]any {
	keys := d.Keys()
	counters := d.Counters()

	rows := make([]map[string]any, 0, len(raw))
	prefixes := make([]string, 0, len(raw))
	seen := make(map[string]int, len(raw))
	for _, r := range raw {
		row := make(map[string]any, len(d.Columns)+len(counters))
		for _, col := range d.Columns {
			v, present := r[col.Name]
			if !present {
				continue
			}
			nv, ok := normalize(v, col.Type)
			if !ok {
				log.Debug().
					Str("collector", d.Name).
					Str("column", col.Name).
					Interface("value", v).
					Msg("Dropping value of unexpected type")
			}
			row[col.Name] = nv
		}

		prefix := metricPrefix(d.Name, keys, row)
		seen[prefix]++
		rows = append(rows, row)
		prefixes = append(prefixes, prefix)
	}

	warned := make(map[string]bool)
	for i, row := range rows {
		prefix := prefixes[i]
		duplicate := len(counters) > 0 && seen[prefix] > 1
		if duplicate && !warned[prefix] {
			log.Warn().
				Str("collector", d.Name).
				Str("server", serverID).
				Str("key", prefix).
				Int("rows", seen[prefix]).
				Msg("Rows share a key, their rates are not computed")
			warned[prefix] = true
		}

		for _, col := range counters {
			key := delta.Key{Server: serverID, Metric: prefix + col.Name}
			row[col.Name+catalog.RateSuffix] = nil

			if duplicate {
				c.cfg.Deltas.Drop(key)
				continue
			}
			value, ok := toFloat(row[col.Name])
			if !ok {
				continue
			}
			if rate := c.cfg.Deltas.Observe(key, value, at); rate != nil {
				row[col.Name+catalog.RateSuffix] = *rate
			}
		}
	}
	return rows
}

// metricPrefix identifies a row of a collector by its key values.
func metricPrefix(collector string, keys []string, row map[string]any) string {
	var b strings.Builder
	b.WriteString(collector)
	b.WriteByte('/')
	for _, k := range keys {
		fmt.Fprint(&b, row[k])
		b.WriteByte('/')
	}
	return b.String()
}

// finish logs the outcome of a cycle, records it in the collection log and
// reports its metrics. The log entry is written even if ctx was cancelled
// after the batch committed.
func (c *Collector) finish(ctx context.Context, res *Result, started time.Time, err error) {
	entry := storage.CollectionEntry{
		CycleID:   res.CycleID,
		Collector: res.Collector,
		ServerID:  res.Server,
		Status:    res.Status,
		Rows:      res.Rows,
		Attempts:  res.Attempts,
		RemoteMs:  res.Remote.Milliseconds(),
		LocalMs:   res.Local.Milliseconds(),
		StartedAt: started,
	}

	event := log.Info()
	if err != nil {
		res.Status = storage.StatusFailed
		entry.Status = storage.StatusFailed
		msg := err.Error()
		entry.Error = &msg

		var cerr *CollectionError
		if errors.As(err, &cerr) && cerr.Phase == PhaseLocal {
			event = log.Error()
		} else {
			event = log.Warn()
		}
		event = event.Err(err)
	}

	event.
		Str("cycle_id", res.CycleID).
		Str("collector", res.Collector).
		Str("server", res.Server).
		Str("status", string(res.Status)).
		Int("rows", res.Rows).
		Int("attempts", res.Attempts).
		Int64("remote_ms", entry.RemoteMs).
		Int64("local_ms", entry.LocalMs).
		Msg("Collection cycle finished")

	c.cfg.Metrics.ObserveCycle(res.Collector, string(res.Status), res.Rows, res.Remote, res.Local)

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, lerr := c.cfg.Store.RecordCollection(lctx, entry); lerr != nil {
		log.Warn().Err(lerr).Str("cycle_id", res.CycleID).Msg("Failed to record collection outcome")
	}
}
