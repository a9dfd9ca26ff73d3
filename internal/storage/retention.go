package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionCutoff returns the oldest collection time kept for retentionDays.
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.UTC().AddDate(0, 0, -retentionDays)
}

// Sweep deletes the rows of a collector table collected before
// now - retentionDays and returns how many were removed. A non-positive
// retention keeps everything. Sweeping again without new data deletes
// nothing.
//
// The delete holds the table's writer lock for a single statement, so
// collectors writing to the same table wait at most that long.
func (s *Store) Sweep(ctx context.Context, tableName string, retentionDays int, now time.Time) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}

	cutoff := RetentionCutoff(now, retentionDays).UnixMilli()

	t.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection_time < ?`, quote(t.name)), cutoff)
	t.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep %s: %w", tableName, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept rows of %s: %w", tableName, err)
	}

	if deleted > 0 {
		s.recordSweep(ctx, tableName, retentionDays, deleted, now)
	}
	return deleted, nil
}

// SweepCollectionLog deletes collection log entries older than
// now - retentionDays.
func (s *Store) SweepCollectionLog(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := RetentionCutoff(now, retentionDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM collection_log WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep collection log: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) recordSweep(ctx context.Context, tableName string, retentionDays int, deleted int64, now time.Time) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sweep_log (table_name, retention_days, deleted_rows, swept_at) VALUES (?, ?, ?, ?)`,
		tableName, retentionDays, deleted, now.UTC().UnixMilli()); err != nil {
		log.Warn().Err(err).Str("table", tableName).Msg("Failed to record sweep")
	}
}

// SweepRecord is a row of the sweep history.
type SweepRecord struct {
	Table         string    `json:"table"`
	RetentionDays int       `json:"retention_days"`
	DeletedRows   int64     `json:"deleted_rows"`
	SweptAt       time.Time `json:"swept_at"`
}

// RecentSweeps returns the latest sweeps that deleted rows, newest first.
func (s *Store) RecentSweeps(ctx context.Context, limit int) ([]SweepRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, retention_days, deleted_rows, swept_at
		FROM sweep_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep log: %w", err)
	}
	defer rows.Close()

	var out []SweepRecord
	for rows.Next() {
		var (
			r      SweepRecord
			millis int64
		)
		if err := rows.Scan(&r.Table, &r.RetentionDays, &r.DeletedRows, &millis); err != nil {
			return nil, fmt.Errorf("failed to scan sweep record: %w", err)
		}
		r.SweptAt = time.UnixMilli(millis).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
