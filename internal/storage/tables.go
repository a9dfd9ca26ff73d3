package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"dbpulse/internal/catalog"
)

// quote returns name as a quoted SQL identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ensureTable creates the table of d if needed and adds any column the
// descriptor declares but the table lacks. Columns are only ever added, and
// always nullable, so rows written under an older shape stay readable.
func (s *Store) ensureTable(ctx context.Context, d catalog.Descriptor) (*table, error) {
	name := d.Table()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			collection_id INTEGER PRIMARY KEY,
			collection_time INTEGER NOT NULL,
			server_id TEXT NOT NULL
		)`, quote(name))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(server_id, collection_time)`,
			quote("idx_"+name+"_server_time"), quote(name)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(collection_time)`,
			quote("idx_"+name+"_time"), quote(name)),
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	existing, err := tableColumns(ctx, tx, name)
	if err != nil {
		return nil, err
	}

	for _, c := range d.StoredColumns() {
		if _, ok := existing[c.Name]; ok {
			continue
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quote(name), quote(c.Name), c.Type)
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			return nil, fmt.Errorf("failed to add column %s: %w", c.Name, err)
		}
		existing[c.Name] = c.Type
		log.Debug().Str("table", name).Str("column", c.Name).Msg("Column added")
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit table changes: %w", err)
	}

	// Storage order: declared columns first, then columns only old rows use.
	t := &table{name: name, known: make(map[string]bool)}
	for _, c := range d.StoredColumns() {
		t.columns = append(t.columns, c)
		t.known[c.Name] = true
	}
	var retired []string
	for col := range existing {
		if !t.known[col] && !universalColumns[col] {
			retired = append(retired, col)
		}
	}
	sort.Strings(retired)
	for _, col := range retired {
		t.columns = append(t.columns, catalog.Column{Name: col, Type: existing[col], Kind: catalog.Gauge})
		t.known[col] = true
	}

	return t, nil
}

var universalColumns = map[string]bool{
	"collection_id":   true,
	"collection_time": true,
	"server_id":       true,
}

// tableColumns returns the columns currently present in a table.
func tableColumns(ctx context.Context, tx *sql.Tx, name string) (map[string]catalog.ColumnType, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quote(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]catalog.ColumnType)
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols[colName] = catalog.ColumnType(strings.ToUpper(colType))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table info: %w", err)
	}
	return cols, nil
}
