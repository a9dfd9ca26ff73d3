// Package query provides typed reads over the collector tables for
// presentation and export layers.
//
// Every function returns the rows of one server in a time window, ordered
// by collection time. Rates are nil where no rate could be computed.
package query

import (
	"context"
	"time"

	"dbpulse/internal/storage"
)

// Window selects the rows of one server.
type Window struct {
	Server string
	From   time.Time
	To     time.Time
	Limit  int
}

func (w Window) filter() storage.Filter {
	return storage.Filter{ServerID: w.Server, From: w.From, To: w.To, Limit: w.Limit}
}

// Sample carries the universal columns of a row.
type Sample struct {
	CollectionID   int64     `db:"collection_id" json:"collection_id"`
	CollectionTime time.Time `db:"collection_time" json:"collection_time"`
	Server         string    `db:"server_id" json:"server_id"`
}

type DatabaseStats struct {
	Sample
	Database         string   `db:"database_name" json:"database_name"`
	Backends         int64    `db:"backends" json:"backends"`
	XactCommit       int64    `db:"xact_commit" json:"xact_commit"`
	XactCommitRate   *float64 `db:"xact_commit_per_sec" json:"xact_commit_per_sec"`
	XactRollback     int64    `db:"xact_rollback" json:"xact_rollback"`
	XactRollbackRate *float64 `db:"xact_rollback_per_sec" json:"xact_rollback_per_sec"`
	BlksRead         int64    `db:"blks_read" json:"blks_read"`
	BlksReadRate     *float64 `db:"blks_read_per_sec" json:"blks_read_per_sec"`
	BlksHit          int64    `db:"blks_hit" json:"blks_hit"`
	BlksHitRate      *float64 `db:"blks_hit_per_sec" json:"blks_hit_per_sec"`
	Deadlocks        int64    `db:"deadlocks" json:"deadlocks"`
	DeadlocksRate    *float64 `db:"deadlocks_per_sec" json:"deadlocks_per_sec"`
	TempBytes        int64    `db:"temp_bytes" json:"temp_bytes"`
	TempBytesRate    *float64 `db:"temp_bytes_per_sec" json:"temp_bytes_per_sec"`
}

// CacheHitRatio returns the share of block reads served from the buffer
// cache during the sample interval, or nil when the rates are unknown.
func (s DatabaseStats) CacheHitRatio() *float64 {
	if s.BlksHitRate == nil || s.BlksReadRate == nil {
		return nil
	}
	total := *s.BlksHitRate + *s.BlksReadRate
	if total == 0 {
		return nil
	}
	ratio := *s.BlksHitRate / total
	return &ratio
}

func DatabaseStatsFor(ctx context.Context, s *storage.Store, w Window) ([]DatabaseStats, error) {
	return storage.QueryAs[DatabaseStats](ctx, s, "database_stats", w.filter())
}

type DatabaseSize struct {
	Sample
	Database  string `db:"database_name" json:"database_name"`
	SizeBytes int64  `db:"size_bytes" json:"size_bytes"`
}

func DatabaseSizeFor(ctx context.Context, s *storage.Store, w Window) ([]DatabaseSize, error) {
	return storage.QueryAs[DatabaseSize](ctx, s, "database_size", w.filter())
}

type ConnectionState struct {
	Sample
	State              string  `db:"state" json:"state"`
	WaitEventType      string  `db:"wait_event_type" json:"wait_event_type"`
	Sessions           int64   `db:"sessions" json:"sessions"`
	LongestXactSeconds float64 `db:"longest_xact_seconds" json:"longest_xact_seconds"`
}

func ConnectionStatesFor(ctx context.Context, s *storage.Store, w Window) ([]ConnectionState, error) {
	return storage.QueryAs[ConnectionState](ctx, s, "connection_states", w.filter())
}

type Lock struct {
	Sample
	Mode    string `db:"mode" json:"mode"`
	Granted bool   `db:"granted" json:"granted"`
	Locks   int64  `db:"locks" json:"locks"`
}

func LocksFor(ctx context.Context, s *storage.Store, w Window) ([]Lock, error) {
	return storage.QueryAs[Lock](ctx, s, "locks", w.filter())
}

type Replication struct {
	Sample
	ApplicationName  string  `db:"application_name" json:"application_name"`
	ClientAddr       string  `db:"client_addr" json:"client_addr"`
	State            string  `db:"state" json:"state"`
	ReplayLagBytes   int64   `db:"replay_lag_bytes" json:"replay_lag_bytes"`
	ReplayLagSeconds float64 `db:"replay_lag_seconds" json:"replay_lag_seconds"`
}

func ReplicationFor(ctx context.Context, s *storage.Store, w Window) ([]Replication, error) {
	return storage.QueryAs[Replication](ctx, s, "replication", w.filter())
}

type ServerInfo struct {
	Sample
	Version       string `db:"version" json:"version"`
	VersionNum    int64  `db:"version_num" json:"version_num"`
	UptimeSeconds int64  `db:"uptime_seconds" json:"uptime_seconds"`
	InRecovery    bool   `db:"in_recovery" json:"in_recovery"`
}

// LatestServerInfo returns the most recent server_info sample of a server,
// or nil when there is none.
func LatestServerInfo(ctx context.Context, s *storage.Store, server string) (*ServerInfo, error) {
	rows, err := storage.QueryAs[ServerInfo](ctx, s, "server_info", storage.Filter{ServerID: server})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[len(rows)-1], nil
}
