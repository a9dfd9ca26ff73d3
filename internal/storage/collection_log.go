package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CollectionStatus is the outcome of one collection cycle.
type CollectionStatus string

const (
	StatusSuccess CollectionStatus = "success"
	StatusEmpty   CollectionStatus = "empty"   // the remote query returned no rows
	StatusSkipped CollectionStatus = "skipped" // optional collector not permitted or not supported
	StatusFailed  CollectionStatus = "failed"
)

// HealthState is the health of a collector on one server, derived from its
// latest collection log entry.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStale     HealthState = "stale"
	HealthNoData    HealthState = "no_data"
)

// CollectionEntry is a row of the collection log.
type CollectionEntry struct {
	ID        int64            `json:"id"`
	CycleID   string           `json:"cycle_id"`
	Collector string           `json:"collector"`
	ServerID  string           `json:"server_id"`
	Status    CollectionStatus `json:"status"`
	Rows      int              `json:"rows"`
	Attempts  int              `json:"attempts"`
	RemoteMs  int64            `json:"remote_ms"`
	LocalMs   int64            `json:"local_ms"`
	Error     *string          `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

// LogFilter restricts RecentCollections. Zero values mean no restriction.
type LogFilter struct {
	ServerID  string
	Collector string
	Limit     int
}

// Health is the derived health of one collector on one server.
type Health struct {
	Collector string           `json:"collector"`
	State     HealthState      `json:"state"`
	Status    CollectionStatus `json:"last_status,omitempty"`
	LastRun   *time.Time       `json:"last_run,omitempty"`
	Error     *string          `json:"error,omitempty"`
}

// RecordCollection appends an entry to the collection log and returns its id.
func (s *Store) RecordCollection(ctx context.Context, e CollectionEntry) (int64, error) {
	switch e.Status {
	case StatusSuccess, StatusEmpty, StatusSkipped, StatusFailed:
	default:
		return 0, fmt.Errorf("invalid collection status %q", e.Status)
	}

	var errText sql.NullString
	if e.Error != nil {
		errText = sql.NullString{String: *e.Error, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_log
			(cycle_id, collector, server_id, status, row_count, attempts, remote_ms, local_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CycleID, e.Collector, e.ServerID, string(e.Status), e.Rows, e.Attempts,
		e.RemoteMs, e.LocalMs, errText, e.StartedAt.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record collection: %w", err)
	}
	return res.LastInsertId()
}

// RecentCollections returns the latest collection log entries matching f,
// newest first. The limit defaults to 100.
func (s *Store) RecentCollections(ctx context.Context, f LogFilter) ([]CollectionEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ServerID != "" {
		where = append(where, "server_id = ?")
		args = append(args, f.ServerID)
	}
	if f.Collector != "" {
		where = append(where, "collector = ?")
		args = append(args, f.Collector)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	q := `SELECT id, cycle_id, collector, server_id, status, row_count, attempts,
		remote_ms, local_ms, error, started_at FROM collection_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection log: %w", err)
	}
	defer rows.Close()

	var out []CollectionEntry
	for rows.Next() {
		e, err := scanCollectionEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CollectorHealth derives the health of each named collector on a server
// from its latest log entry:
//   - no entry: no_data
//   - latest entry failed: unhealthy
//   - latest entry older than staleAfter: stale
//   - otherwise: healthy
//
// A non-positive staleAfter disables the stale check.
func (s *Store) CollectorHealth(ctx context.Context, serverID string, collectors []string, now time.Time, staleAfter time.Duration) ([]Health, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.cycle_id, l.collector, l.server_id, l.status, l.row_count, l.attempts,
		       l.remote_ms, l.local_ms, l.error, l.started_at
		FROM collection_log l
		JOIN (
			SELECT collector, MAX(id) AS id
			FROM collection_log
			WHERE server_id = ?
			GROUP BY collector
		) latest ON latest.id = l.id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query collector health: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]CollectionEntry)
	for rows.Next() {
		e, err := scanCollectionEntry(rows)
		if err != nil {
			return nil, err
		}
		latest[e.Collector] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Health, 0, len(collectors))
	for _, name := range collectors {
		e, ok := latest[name]
		if !ok {
			out = append(out, Health{Collector: name, State: HealthNoData})
			continue
		}

		h := Health{Collector: name, Status: e.Status, Error: e.Error}
		lastRun := e.StartedAt
		h.LastRun = &lastRun

		switch {
		case e.Status == StatusFailed:
			h.State = HealthUnhealthy
		case staleAfter > 0 && now.Sub(e.StartedAt) > staleAfter:
			h.State = HealthStale
		default:
			h.State = HealthHealthy
		}
		out = append(out, h)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollectionEntry(r rowScanner) (CollectionEntry, error) {
	var (
		e       CollectionEntry
		status  string
		errText sql.NullString
		millis  int64
	)
	if err := r.Scan(&e.ID, &e.CycleID, &e.Collector, &e.ServerID, &status, &e.Rows,
		&e.Attempts, &e.RemoteMs, &e.LocalMs, &errText, &millis); err != nil {
		return e, fmt.Errorf("failed to scan collection entry: %w", err)
	}
	e.Status = CollectionStatus(status)
	e.Error = scanNullString(errText)
	e.StartedAt = time.UnixMilli(millis).UTC()
	return e, nil
}
