package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AppendBatch appends rows to a collector table as one transaction. Every
// row gets a fresh collection id and the same collection time. Either all
// rows become visible or none do; a cancelled ctx rolls the batch back.
//
// Row keys must be payload columns of the table. Missing columns are stored
// as NULL. The assigned ids are returned in row order.
func (s *Store) AppendBatch(ctx context.Context, tableName, serverID string, at time.Time, rows []map[string]any) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if serverID == "" {
		return nil, fmt.Errorf("append to %s: empty server id", tableName)
	}

	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		for col := range r {
			if !t.known[col] {
				return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, tableName, col)
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	stmt, err := tx.PrepareContext(ctx, insertStatement(t))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert into %s: %w", tableName, err)
	}
	defer stmt.Close()

	collectedAt := at.UTC().UnixMilli()
	first := s.nextIDs(len(rows))
	ids := make([]int64, len(rows))
	args := make([]any, 3+len(t.columns))

	for i, r := range rows {
		id := first + int64(i)
		args[0], args[1], args[2] = id, collectedAt, serverID
		for j, c := range t.columns {
			args[3+j] = r[c.Name]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return nil, fmt.Errorf("failed to insert row %d into %s: %w", i, tableName, err)
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch into %s: %w", tableName, err)
	}
	return ids, nil
}

func insertStatement(t *table) string {
	cols := make([]string, 0, 3+len(t.columns))
	cols = append(cols, "collection_id", "collection_time", "server_id")
	for _, c := range t.columns {
		cols = append(cols, quote(c.Name))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.name), strings.Join(cols, ", "), placeholders)
}
