package catalog

import (
	"fmt"
	"strings"
)

// Builtin returns the PostgreSQL collectors shipped with dbpulse.
func Builtin() []Descriptor {
	return []Descriptor{
		databaseStats,
		databaseSize,
		connectionStates,
		locks,
		bgwriter,
		tableIO,
		replication,
		statementStats,
		serverSettings,
		serverInfo,
	}
}

// MustBuiltin returns a catalog of the built-in collectors. It panics if a
// built-in descriptor is invalid, which is a programming error.
func MustBuiltin() *Catalog {
	c, err := New(Builtin()...)
	if err != nil {
		panic(err)
	}
	return c
}

var databaseStats = Descriptor{
	Name:        "database_stats",
	Description: "Transaction, block and tuple counters per database (pg_stat_database)",
	Query: `
		SELECT datname AS database_name,
		       numbackends AS backends,
		       xact_commit, xact_rollback,
		       blks_read, blks_hit,
		       tup_returned, tup_fetched, tup_inserted, tup_updated, tup_deleted,
		       conflicts, temp_files, temp_bytes, deadlocks
		FROM pg_stat_database
		WHERE datname IS NOT NULL`,
	Columns: []Column{
		{Name: "database_name", Type: String, Kind: Key},
		{Name: "backends", Type: Integer, Kind: Gauge},
		{Name: "xact_commit", Type: Integer, Kind: Counter},
		{Name: "xact_rollback", Type: Integer, Kind: Counter},
		{Name: "blks_read", Type: Integer, Kind: Counter},
		{Name: "blks_hit", Type: Integer, Kind: Counter},
		{Name: "tup_returned", Type: Integer, Kind: Counter},
		{Name: "tup_fetched", Type: Integer, Kind: Counter},
		{Name: "tup_inserted", Type: Integer, Kind: Counter},
		{Name: "tup_updated", Type: Integer, Kind: Counter},
		{Name: "tup_deleted", Type: Integer, Kind: Counter},
		{Name: "conflicts", Type: Integer, Kind: Counter},
		{Name: "temp_files", Type: Integer, Kind: Counter},
		{Name: "temp_bytes", Type: Integer, Kind: Counter},
		{Name: "deadlocks", Type: Integer, Kind: Counter},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 1, RetentionDays: 30},
	Alert: func(rows []map[string]any) []string {
		var out []string
		for _, r := range rows {
			if rate, ok := asFloat(r["deadlocks"+RateSuffix]); ok && rate > 0 {
				out = append(out, fmt.Sprintf("deadlocks in database %v", r["database_name"]))
			}
		}
		return out
	},
}

var databaseSize = Descriptor{
	Name:        "database_size",
	Description: "On-disk size of every connectable database",
	Query: `
		SELECT datname AS database_name,
		       pg_database_size(datname) AS size_bytes
		FROM pg_database
		WHERE datallowconn`,
	Columns: []Column{
		{Name: "database_name", Type: String, Kind: Key},
		{Name: "size_bytes", Type: Integer, Kind: Gauge},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 60, RetentionDays: 90},
}

// idleInTransactionLimit is how long a session may sit idle inside a
// transaction before it is reported.
const idleInTransactionLimit = 300.0

var connectionStates = Descriptor{
	Name:        "connection_states",
	Description: "Client sessions grouped by state and wait event type (pg_stat_activity)",
	Query: `
		SELECT coalesce(state, 'unknown') AS state,
		       coalesce(wait_event_type, '') AS wait_event_type,
		       count(*) AS sessions,
		       coalesce(max(extract(epoch FROM now() - xact_start)), 0)::float8 AS longest_xact_seconds
		FROM pg_stat_activity
		WHERE backend_type = 'client backend'
		GROUP BY 1, 2`,
	Columns: []Column{
		{Name: "state", Type: String, Kind: Key},
		{Name: "wait_event_type", Type: String, Kind: Key},
		{Name: "sessions", Type: Integer, Kind: Gauge},
		{Name: "longest_xact_seconds", Type: Real, Kind: Gauge},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 1, RetentionDays: 14},
	Alert: func(rows []map[string]any) []string {
		var out []string
		for _, r := range rows {
			if r["state"] != "idle in transaction" {
				continue
			}
			if secs, ok := asFloat(r["longest_xact_seconds"]); ok && secs > idleInTransactionLimit {
				out = append(out, fmt.Sprintf("session idle in transaction for %.0fs", secs))
			}
		}
		return out
	},
}

// waitingLocksLimit is the number of ungranted locks that raises an alert.
const waitingLocksLimit = 5

var locks = Descriptor{
	Name:        "locks",
	Description: "Held and awaited locks by mode (pg_locks)",
	Query: `
		SELECT mode, granted::int AS granted, count(*) AS locks
		FROM pg_locks
		GROUP BY 1, 2`,
	Columns: []Column{
		{Name: "mode", Type: String, Kind: Key},
		{Name: "granted", Type: Integer, Kind: Key},
		{Name: "locks", Type: Integer, Kind: Gauge},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 1, RetentionDays: 7},
	Alert: func(rows []map[string]any) []string {
		var waiting float64
		for _, r := range rows {
			if g, ok := asFloat(r["granted"]); ok && g == 0 {
				n, _ := asFloat(r["locks"])
				waiting += n
			}
		}
		if waiting >= waitingLocksLimit {
			return []string{fmt.Sprintf("%.0f sessions waiting on locks", waiting)}
		}
		return nil
	},
}

var bgwriter = Descriptor{
	Name:        "bgwriter",
	Description: "Checkpoint and background writer counters (pg_stat_bgwriter)",
	Query: `
		SELECT checkpoints_timed, checkpoints_req,
		       buffers_checkpoint, buffers_clean, buffers_backend, buffers_alloc
		FROM pg_stat_bgwriter`,
	Columns: []Column{
		{Name: "checkpoints_timed", Type: Integer, Kind: Counter},
		{Name: "checkpoints_req", Type: Integer, Kind: Counter},
		{Name: "buffers_checkpoint", Type: Integer, Kind: Counter},
		{Name: "buffers_clean", Type: Integer, Kind: Counter},
		{Name: "buffers_backend", Type: Integer, Kind: Counter},
		{Name: "buffers_alloc", Type: Integer, Kind: Counter},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 5, RetentionDays: 30},
	// Several of these columns moved to pg_stat_checkpointer in newer releases.
	Optional: true,
}

var tableIO = Descriptor{
	Name:        "table_io",
	Description: "Heap and index block I/O for the busiest user tables (pg_statio_user_tables)",
	Query: `
		SELECT schemaname AS schema_name, relname AS table_name,
		       coalesce(heap_blks_read, 0) AS heap_blks_read,
		       coalesce(heap_blks_hit, 0) AS heap_blks_hit,
		       coalesce(idx_blks_read, 0) AS idx_blks_read,
		       coalesce(idx_blks_hit, 0) AS idx_blks_hit
		FROM pg_statio_user_tables
		ORDER BY coalesce(heap_blks_read, 0) + coalesce(idx_blks_read, 0) DESC
		LIMIT 100`,
	Columns: []Column{
		{Name: "schema_name", Type: String, Kind: Key},
		{Name: "table_name", Type: String, Kind: Key},
		{Name: "heap_blks_read", Type: Integer, Kind: Counter},
		{Name: "heap_blks_hit", Type: Integer, Kind: Counter},
		{Name: "idx_blks_read", Type: Integer, Kind: Counter},
		{Name: "idx_blks_hit", Type: Integer, Kind: Counter},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 15, RetentionDays: 14},
}

// replicationLagLimit is the replay lag in seconds that raises an alert.
const replicationLagLimit = 60.0

var replication = Descriptor{
	Name:        "replication",
	Description: "Streaming replication standbys and their lag (pg_stat_replication)",
	Query: `
		SELECT application_name,
		       coalesce(client_addr::text, 'local') AS client_addr,
		       state,
		       coalesce(pg_wal_lsn_diff(pg_current_wal_lsn(), replay_lsn), 0)::bigint AS replay_lag_bytes,
		       coalesce(extract(epoch FROM replay_lag), 0)::float8 AS replay_lag_seconds
		FROM pg_stat_replication`,
	Columns: []Column{
		{Name: "application_name", Type: String, Kind: Key},
		{Name: "client_addr", Type: String, Kind: Key},
		{Name: "state", Type: String, Kind: Text},
		{Name: "replay_lag_bytes", Type: Integer, Kind: Gauge},
		{Name: "replay_lag_seconds", Type: Real, Kind: Gauge},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 1, RetentionDays: 7},
	Optional: true,
	Alert: func(rows []map[string]any) []string {
		var out []string
		for _, r := range rows {
			if lag, ok := asFloat(r["replay_lag_seconds"]); ok && lag > replicationLagLimit {
				out = append(out, fmt.Sprintf("standby %v lagging %.0fs", r["application_name"], lag))
			}
		}
		return out
	},
}

var statementStats = Descriptor{
	Name:        "statement_stats",
	Description: "Top statements by total execution time (pg_stat_statements)",
	Query: `
		SELECT userid::text AS user_id,
		       dbid::text AS database_id,
		       queryid::text AS query_id,
		       left(query, 200) AS query_text,
		       calls, total_exec_time AS total_exec_ms, rows,
		       shared_blks_hit, shared_blks_read
		FROM pg_stat_statements
		ORDER BY total_exec_time DESC
		LIMIT 50`,
	// toplevel only exists from PostgreSQL 14. Rows that differ only by it
	// share a key and get no rates.
	Columns: []Column{
		{Name: "user_id", Type: String, Kind: Key},
		{Name: "database_id", Type: String, Kind: Key},
		{Name: "query_id", Type: String, Kind: Key},
		{Name: "query_text", Type: String, Kind: Text},
		{Name: "calls", Type: Integer, Kind: Counter},
		{Name: "total_exec_ms", Type: Real, Kind: Counter},
		{Name: "rows", Type: Integer, Kind: Counter},
		{Name: "shared_blks_hit", Type: Integer, Kind: Counter},
		{Name: "shared_blks_read", Type: Integer, Kind: Counter},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 5, RetentionDays: 7},
	// Needs the pg_stat_statements extension.
	Optional: true,
}

var serverSettings = Descriptor{
	Name:        "server_settings",
	Description: "Non-default server settings (pg_settings), captured at startup",
	Query: `
		SELECT name, setting, coalesce(unit, '') AS unit, source
		FROM pg_settings
		WHERE source <> 'default'`,
	Columns: []Column{
		{Name: "name", Type: String, Kind: Key},
		{Name: "setting", Type: String, Kind: Text},
		{Name: "unit", Type: String, Kind: Text},
		{Name: "source", Type: String, Kind: Text},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 0, RetentionDays: 90},
}

var serverInfo = Descriptor{
	Name:        "server_info",
	Description: "Server version, uptime and recovery state, captured at startup",
	Query: `
		SELECT version() AS version,
		       current_setting('server_version_num')::int AS version_num,
		       extract(epoch FROM now() - pg_postmaster_start_time())::bigint AS uptime_seconds,
		       pg_is_in_recovery()::int AS in_recovery`,
	Columns: []Column{
		{Name: "version", Type: String, Kind: Text},
		{Name: "version_num", Type: Integer, Kind: Gauge},
		{Name: "uptime_seconds", Type: Integer, Kind: Gauge},
		{Name: "in_recovery", Type: Integer, Kind: Gauge},
	},
	Schedule: Schedule{Enabled: true, FrequencyMinutes: 0, RetentionDays: 365},
}

// asFloat converts the numeric values produced by the collector to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Names returns the names of the given descriptors, comma separated.
func Names(ds []Descriptor) string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return strings.Join(names, ",")
}
