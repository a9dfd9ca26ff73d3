package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Migrator applies versioned schema changes to the internal tables.
//
// Applied versions are recorded in schema_migrations; each migration runs
// in its own transaction and is applied at most once.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	UpSQL   string

	// DownSQL is kept for manual rollbacks; Migrate never runs it.
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   int       `db:"version" json:"version"`
	Name      string    `db:"name" json:"name"`
	AppliedAt time.Time `db:"applied_at" json:"applied_at"`
}

// NewMigrator creates the tracking table if needed and registers the
// migrations of the internal tables.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	m := &Migrator{db: db}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	m.registerBuiltinMigrations()
	return m, nil
}

// registerBuiltinMigrations registers the migrations of the internal tables.
//
// Collector tables are not migrated here: they are derived from their
// descriptors when the store registers them.
func (m *Migrator) registerBuiltinMigrations() {
	// Migration 1: operational log of collection cycles
	m.AddMigration(Migration{
		Version: 1,
		Name:    "create_collection_log_table",
		UpSQL: `
			CREATE TABLE collection_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cycle_id TEXT NOT NULL,
				collector TEXT NOT NULL,
				server_id TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('success', 'empty', 'skipped', 'failed')),
				row_count INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				remote_ms INTEGER NOT NULL DEFAULT 0,
				local_ms INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				started_at INTEGER NOT NULL
			);

			CREATE INDEX idx_collection_log_server_collector ON collection_log(server_id, collector, id);
			CREATE INDEX idx_collection_log_started_at ON collection_log(started_at);
		`,
		DownSQL: `DROP TABLE IF EXISTS collection_log;`,
	})

	// Migration 2: retention sweep history
	m.AddMigration(Migration{
		Version: 2,
		Name:    "create_sweep_log_table",
		UpSQL: `
			CREATE TABLE sweep_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				table_name TEXT NOT NULL,
				retention_days INTEGER NOT NULL,
				deleted_rows INTEGER NOT NULL,
				swept_at INTEGER NOT NULL
			);

			CREATE INDEX idx_sweep_log_table_name ON sweep_log(table_name, id);
		`,
		DownSQL: `DROP TABLE IF EXISTS sweep_log;`,
	})

	log.Debug().Int("count", len(m.migrations)).Msg("Built-in migrations registered")
}

// AddMigration registers a migration, keeping the list ordered by version.
func (m *Migrator) AddMigration(migration Migration) {
	m.migrations = append(m.migrations, migration)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// Migrate applies every pending migration and returns how many ran.
func (m *Migrator) Migrate() (int, error) {
	return m.MigrateContext(context.Background())
}

// MigrateContext is Migrate with a context.
func (m *Migrator) MigrateContext(ctx context.Context) (int, error) {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	count := 0
	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		log.Info().
			Int("version", migration.Version).
			Str("name", migration.Name).
			Msg("Applying migration")

		if err := m.apply(ctx, migration); err != nil {
			return count, fmt.Errorf("failed to apply migration %d (%s): %w",
				migration.Version, migration.Name, err)
		}
		count++
	}

	if count > 0 {
		log.Info().Int("count", count).Msg("Database migrations completed")
	} else {
		log.Debug().Msg("No pending migrations")
	}
	return count, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// apply runs one migration and records it, atomically.
func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	for i, stmt := range splitSQL(migration.UpSQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		migration.Version, migration.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}

// splitSQL splits a script on semicolons. Migration scripts must not carry
// semicolons inside literals.
func splitSQL(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Status returns the applied migrations ordered by version.
func (m *Migrator) Status(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration status: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
