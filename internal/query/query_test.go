package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbpulse/internal/catalog"
	"dbpulse/internal/config"
	"dbpulse/internal/storage"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), config.StorageConfig{
		Path:            filepath.Join(t.TempDir(), "dbpulse.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}, catalog.Builtin())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDatabaseStatsFor(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.AppendBatch(ctx, "database_stats", "pg-1", t0, []map[string]any{
		{"database_name": "app", "xact_commit": int64(10), "blks_read": int64(5), "blks_hit": int64(95)},
	})
	require.NoError(t, err)
	_, err = s.AppendBatch(ctx, "database_stats", "pg-1", t0.Add(time.Minute), []map[string]any{
		{
			"database_name": "app", "xact_commit": int64(70), "xact_commit_per_sec": 1.0,
			"blks_read": int64(10), "blks_read_per_sec": 1.0,
			"blks_hit": int64(104), "blks_hit_per_sec": 3.0,
		},
	})
	require.NoError(t, err)
	_, err = s.AppendBatch(ctx, "database_stats", "pg-2", t0, []map[string]any{
		{"database_name": "other"},
	})
	require.NoError(t, err)

	stats, err := DatabaseStatsFor(ctx, s, Window{Server: "pg-1"})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "pg-1", stats[0].Server)
	assert.Equal(t, t0, stats[0].CollectionTime)
	assert.NotZero(t, stats[0].CollectionID)
	assert.Nil(t, stats[0].XactCommitRate)
	assert.Nil(t, stats[0].CacheHitRatio())

	require.NotNil(t, stats[1].XactCommitRate)
	assert.Equal(t, 1.0, *stats[1].XactCommitRate)
	ratio := stats[1].CacheHitRatio()
	require.NotNil(t, ratio)
	assert.InDelta(t, 0.75, *ratio, 1e-9)

	stats, err = DatabaseStatsFor(ctx, s, Window{Server: "pg-1", From: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}

func TestLocksAndServerInfo(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.AppendBatch(ctx, "locks", "pg-1", t0, []map[string]any{
		{"mode": "AccessShareLock", "granted": int64(1), "locks": int64(12)},
		{"mode": "ExclusiveLock", "granted": int64(0), "locks": int64(2)},
	})
	require.NoError(t, err)

	locks, err := LocksFor(ctx, s, Window{Server: "pg-1"})
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.True(t, locks[0].Granted)
	assert.False(t, locks[1].Granted)

	info, err := LatestServerInfo(ctx, s, "pg-1")
	require.NoError(t, err)
	assert.Nil(t, info)

	for i, v := range []int64{160004, 170002} {
		_, err := s.AppendBatch(ctx, "server_info", "pg-1", t0.Add(time.Duration(i)*time.Hour), []map[string]any{
			{"version": "PostgreSQL", "version_num": v, "uptime_seconds": int64(60), "in_recovery": int64(0)},
		})
		require.NoError(t, err)
	}
	info, err = LatestServerInfo(ctx, s, "pg-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(170002), info.VersionNum)
	assert.False(t, info.InRecovery)
}
