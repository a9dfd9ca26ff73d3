// Package storage is the local embedded store of dbpulse.
//
// Every collector owns one append-only SQLite table derived from its
// descriptor. Rows carry three universal columns: a collection id that is
// unique and strictly increasing for the life of the process, the capture
// time, and the server identity. The database runs in WAL mode so readers
// never observe a partially written batch.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"dbpulse/internal/catalog"
	"dbpulse/internal/config"
)

var (
	// ErrUnknownTable is returned for a table no descriptor declared.
	ErrUnknownTable = errors.New("unknown collector table")

	// ErrUnknownColumn is returned when a row carries a column the table lacks.
	ErrUnknownColumn = errors.New("unknown column")
)

// Store wraps the SQLite database holding collected samples.
type Store struct {
	db       *sql.DB
	migrator *Migrator

	mu     sync.RWMutex
	tables map[string]*table

	// lastID is the last collection id handed out.
	lastID atomic.Int64
}

// table tracks one collector table. mu serializes its writers; columns and
// known never change once the table is registered.
type table struct {
	name    string
	mu      sync.Mutex
	columns []catalog.Column
	known   map[string]bool
}

// Open opens the database at cfg.Path, applies migrations and makes sure
// every descriptor has an up to date table.
func Open(ctx context.Context, cfg config.StorageConfig, descriptors []catalog.Descriptor) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	// WAL keeps readers off the writers' back; immediate transactions avoid
	// lock upgrade failures between concurrent writers.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:     db,
		tables: make(map[string]*table),
	}

	migrator, err := NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.MigrateContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.migrator = migrator

	for _, d := range descriptors {
		if err := s.Register(ctx, d); err != nil {
			db.Close()
			return nil, err
		}
	}

	log.Info().
		Str("path", cfg.Path).
		Int("tables", len(descriptors)).
		Int64("last_collection_id", s.lastID.Load()).
		Msg("Local store ready")

	return s, nil
}

// Register creates or extends the table of descriptor d and makes it
// available to the read and write paths.
func (s *Store) Register(ctx context.Context, d catalog.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	t, err := s.ensureTable(ctx, d)
	if err != nil {
		return fmt.Errorf("failed to prepare table %s: %w", d.Table(), err)
	}

	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT MAX(collection_id) FROM %s`, quote(t.name))).Scan(&maxID); err != nil {
		return fmt.Errorf("failed to read last collection id of %s: %w", t.name, err)
	}
	s.bumpID(maxID.Int64)

	s.mu.Lock()
	s.tables[t.name] = t
	s.mu.Unlock()
	return nil
}

// bumpID raises lastID to at least id.
func (s *Store) bumpID(id int64) {
	for {
		cur := s.lastID.Load()
		if id <= cur || s.lastID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// nextIDs reserves n consecutive collection ids and returns the first.
func (s *Store) nextIDs(n int) int64 {
	return s.lastID.Add(int64(n)) - int64(n) + 1
}

func (s *Store) table(name string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables returns the registered table names, sorted.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Columns returns the payload columns of a table in storage order.
func (s *Store) Columns(name string) ([]catalog.Column, error) {
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return append([]catalog.Column(nil), t.columns...), nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion returns the latest applied migration, or 0 when none is.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	records, err := s.migrator.Status(ctx)
	if err != nil || len(records) == 0 {
		return 0, err
	}
	return records[len(records)-1].Version, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
