package remote

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Source runs collector queries against a monitored server.
type Source interface {
	// Query runs query on server and returns every result row, keyed by
	// column name. TEXT and unknown types come back as string.
	Query(ctx context.Context, server Server, query string) ([]map[string]any, error)
}

// PoolOptions sizes the connection pool kept for each server.
type PoolOptions struct {
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolOptions keeps a couple of connections per server, enough for
// the collectors that run concurrently against it.
func DefaultPoolOptions(connectTimeout time.Duration) PoolOptions {
	return PoolOptions{
		ConnectTimeout:  connectTimeout,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// PostgresSource is a Source backed by lib/pq with one pool per server.
type PostgresSource struct {
	opts PoolOptions

	mu    sync.Mutex
	pools map[string]*serverPool
}

type serverPool struct {
	dsn string
	db  *sql.DB
}

// NewPostgresSource creates a source. Pools are opened lazily.
func NewPostgresSource(opts PoolOptions) *PostgresSource {
	return &PostgresSource{
		opts:  opts,
		pools: make(map[string]*serverPool),
	}
}

// pool returns the pool of server, replacing it when the server's
// connection settings changed.
func (p *PostgresSource) pool(server Server) (*sql.DB, error) {
	dsn := server.DSN(p.opts.ConnectTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	if sp, ok := p.pools[server.ID]; ok {
		if sp.dsn == dsn {
			return sp.db, nil
		}
		sp.db.Close()
		delete(p.pools, server.ID)
		log.Info().Str("server", server.ID).Msg("Connection settings changed, reopening pool")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to %s: %w", server.ID, err)
	}
	db.SetMaxOpenConns(p.opts.MaxOpenConns)
	db.SetMaxIdleConns(p.opts.MaxIdleConns)
	db.SetConnMaxLifetime(p.opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.opts.ConnMaxIdleTime)

	p.pools[server.ID] = &serverPool{dsn: dsn, db: db}
	return db, nil
}

func (p *PostgresSource) Query(ctx context.Context, server Server, query string) ([]map[string]any, error) {
	db, err := p.pool(server)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var out []map[string]any
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget closes the pool of a server that left the registry.
func (p *PostgresSource) Forget(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sp, ok := p.pools[serverID]; ok {
		sp.db.Close()
		delete(p.pools, serverID)
	}
}

// Close closes every pool.
func (p *PostgresSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, sp := range p.pools {
		if err := sp.db.Close(); err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Failed to close connection pool")
		}
		delete(p.pools, id)
	}
	return nil
}
