package collector

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbpulse/internal/alerts"
	"dbpulse/internal/catalog"
	"dbpulse/internal/config"
	"dbpulse/internal/metrics"
	"dbpulse/internal/remote"
	"dbpulse/internal/retry"
	"dbpulse/internal/schedule"
	"dbpulse/internal/storage"
)

var (
	t0     = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	server = remote.Server{ID: "pg-1", Host: "localhost", User: "u", Database: "d"}
)

// fakeSource replays scripted responses, one per call. The last response
// repeats.
type fakeSource struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	rows []map[string]any
	err  error
}

func (f *fakeSource) Query(ctx context.Context, _ remote.Server, _ string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i].rows, f.responses[i].err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var statsDescriptor = catalog.Descriptor{
	Name:  "test_stats",
	Query: "SELECT ...",
	Columns: []catalog.Column{
		{Name: "database_name", Type: catalog.String, Kind: catalog.Key},
		{Name: "xact_commit", Type: catalog.Integer, Kind: catalog.Counter},
		{Name: "size_mb", Type: catalog.Real, Kind: catalog.Gauge},
	},
	Schedule: catalog.Schedule{Enabled: true, FrequencyMinutes: 1, RetentionDays: 7},
	Alert: func(rows []map[string]any) []string {
		for _, r := range rows {
			if v, ok := r["size_mb"].(float64); ok && v > 1000 {
				return []string{"database too large"}
			}
		}
		return nil
	},
}

var optionalDescriptor = catalog.Descriptor{
	Name:     "test_optional",
	Query:    "SELECT ...",
	Columns:  []catalog.Column{{Name: "calls", Type: catalog.Integer, Kind: catalog.Counter}},
	Schedule: catalog.Schedule{Enabled: true, FrequencyMinutes: 5, RetentionDays: 7},
	Optional: true,
}

type harness struct {
	collector *Collector
	source    *fakeSource
	store     *storage.Store
	tracker   *alerts.Tracker
	clock     *time.Time
}

func newHarness(t *testing.T, responses ...response) *harness {
	t.Helper()

	cat, err := catalog.New(statsDescriptor, optionalDescriptor)
	require.NoError(t, err)

	store, err := storage.Open(context.Background(), config.StorageConfig{
		Path:            filepath.Join(t.TempDir(), "dbpulse.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}, cat.All())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		source:  &fakeSource{responses: responses},
		store:   store,
		tracker: alerts.NewTracker(),
	}
	clock := t0
	h.clock = &clock

	h.collector = New(Config{
		Catalog:        cat,
		Source:         h.source,
		Store:          store,
		Alerts:         h.tracker,
		Metrics:        metrics.New(),
		CommandTimeout: time.Second,
		Retry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			Classify:    retry.NewCodeClassifier().Classify,
		},
	})
	h.collector.now = func() time.Time { return *h.clock }
	return h
}

func def(name string) schedule.Definition {
	return schedule.Definition{Name: name, Enabled: true, FrequencyMinutes: 1, RetentionDays: 7}
}

func statsRows(commits int64, size any) []map[string]any {
	return []map[string]any{
		{"database_name": "app", "xact_commit": commits, "size_mb": size, "ignored": "x"},
	}
}

func TestCollectComputesRates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		response{rows: statsRows(100, "12.5")},
		response{rows: statsRows(160, 13.0)},
		response{rows: statsRows(10, 13.0)},
	)

	res, err := h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, t0, res.CollectedAt)
	assert.NotEmpty(t, res.CycleID)

	*h.clock = t0.Add(30 * time.Second)
	_, err = h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)

	*h.clock = t0.Add(time.Minute)
	_, err = h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)

	rows, err := h.store.Query(ctx, "test_stats", storage.Filter{ServerID: "pg-1"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// First sample after start: no rate.
	assert.Nil(t, rows[0].Values["xact_commit_per_sec"])
	assert.Equal(t, 12.5, rows[0].Values["size_mb"])
	// (160-100)/30s
	assert.InDelta(t, 2.0, rows[1].Values["xact_commit_per_sec"], 1e-9)
	// Counter reset: no rate, value still stored.
	assert.Nil(t, rows[2].Values["xact_commit_per_sec"])
	assert.Equal(t, int64(10), rows[2].Values["xact_commit"])
}

func TestDeriveSkipsRatesOfRowsSharingAKey(t *testing.T) {
	h := newHarness(t, response{})
	batch := func(app1, app2, other int64) []map[string]any {
		return []map[string]any{
			{"database_name": "app", "xact_commit": app1},
			{"database_name": "app", "xact_commit": app2},
			{"database_name": "other", "xact_commit": other},
		}
	}

	rows := h.collector.derive(statsDescriptor, "pg-1", batch(10, 500, 100), t0)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Nil(t, r["xact_commit_per_sec"])
	}

	rows = h.collector.derive(statsDescriptor, "pg-1", batch(12, 520, 160), t0.Add(time.Minute))
	assert.Nil(t, rows[0]["xact_commit_per_sec"])
	assert.Nil(t, rows[1]["xact_commit_per_sec"])
	assert.InDelta(t, 1.0, rows[2]["xact_commit_per_sec"], 1e-9)
	assert.Equal(t, int64(520), rows[1]["xact_commit"])

	// Once the key is unique again the rate restarts from a cold sample.
	single := []map[string]any{{"database_name": "app", "xact_commit": int64(20)}}
	rows = h.collector.derive(statsDescriptor, "pg-1", single, t0.Add(2*time.Minute))
	assert.Nil(t, rows[0]["xact_commit_per_sec"])

	single = []map[string]any{{"database_name": "app", "xact_commit": int64(80)}}
	rows = h.collector.derive(statsDescriptor, "pg-1", single, t0.Add(3*time.Minute))
	assert.InDelta(t, 1.0, rows[0]["xact_commit_per_sec"], 1e-9)
}

func TestStatementStatsKeyIdentifiesAStatement(t *testing.T) {
	d, ok := catalog.MustBuiltin().Get("statement_stats")
	require.True(t, ok)
	assert.Equal(t, []string{"user_id", "database_id", "query_id"}, d.Keys())
}

func TestCollectRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		response{err: &pq.Error{Code: "57P03", Message: "the database system is starting up"}},
		response{err: syscall.ECONNRESET},
		response{rows: statsRows(1, 1.0)},
	)

	res, err := h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, h.source.Calls())

	log, err := h.store.RecentCollections(ctx, storage.LogFilter{ServerID: "pg-1"})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, 3, log[0].Attempts)
	assert.Equal(t, storage.StatusSuccess, log[0].Status)
}

func TestCollectRemoteFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("transient errors exhaust the attempts", func(t *testing.T) {
		h := newHarness(t, response{err: syscall.ECONNREFUSED})

		_, err := h.collector.Collect(ctx, server, def("test_stats"))
		var cerr *CollectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, PhaseRemote, cerr.Phase)
		assert.Equal(t, 4, cerr.Attempts)
		assert.ErrorIs(t, err, syscall.ECONNREFUSED)

		log, err := h.store.RecentCollections(ctx, storage.LogFilter{})
		require.NoError(t, err)
		require.Len(t, log, 1)
		assert.Equal(t, storage.StatusFailed, log[0].Status)
		require.NotNil(t, log[0].Error)
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		h := newHarness(t, response{err: &pq.Error{Code: "42601", Message: "syntax error"}})

		_, err := h.collector.Collect(ctx, server, def("test_stats"))
		require.Error(t, err)
		assert.Equal(t, 1, h.source.Calls())
	})

	t.Run("permission errors fail required collectors", func(t *testing.T) {
		h := newHarness(t, response{err: &pq.Error{Code: "42501", Message: "permission denied"}})

		_, err := h.collector.Collect(ctx, server, def("test_stats"))
		require.Error(t, err)
	})
}

func TestCollectOptionalCollectorSkips(t *testing.T) {
	ctx := context.Background()

	for _, code := range []string{"42501", "0A000", "42P01", "42883", "58P01", "55000"} {
		t.Run(code, func(t *testing.T) {
			h := newHarness(t, response{err: &pq.Error{Code: pq.ErrorCode(code)}})

			res, err := h.collector.Collect(ctx, server, def("test_optional"))
			require.NoError(t, err)
			assert.Equal(t, storage.StatusSkipped, res.Status)
			assert.Zero(t, res.Rows)
			assert.Equal(t, 1, h.source.Calls())

			log, err := h.store.RecentCollections(ctx, storage.LogFilter{Collector: "test_optional"})
			require.NoError(t, err)
			require.Len(t, log, 1)
			assert.Equal(t, storage.StatusSkipped, log[0].Status)
		})
	}
}

func TestCollectEmptyResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, response{rows: nil})

	res, err := h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusEmpty, res.Status)

	rows, err := h.store.Query(ctx, "test_stats", storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCollectUnknownCollector(t *testing.T) {
	h := newHarness(t, response{})

	_, err := h.collector.Collect(context.Background(), server, def("nope"))
	assert.ErrorIs(t, err, ErrUnknownCollector)

	var cerr *CollectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, PhaseResolve, cerr.Phase)
	assert.Zero(t, h.source.Calls())
}

type failingSink struct {
	Sink
	appendErr error
}

func (f failingSink) AppendBatch(context.Context, string, string, time.Time, []map[string]any) ([]int64, error) {
	return nil, f.appendErr
}

func TestCollectLocalWriteErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, response{rows: statsRows(1, 1.0)})
	h.collector.cfg.Store = failingSink{Sink: h.store, appendErr: errors.New("disk I/O error")}

	_, err := h.collector.Collect(ctx, server, def("test_stats"))
	var cerr *CollectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, PhaseLocal, cerr.Phase)
	assert.Equal(t, 1, h.source.Calls())

	log, err := h.store.RecentCollections(ctx, storage.LogFilter{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, storage.StatusFailed, log[0].Status)
}

func TestCollectCancelled(t *testing.T) {
	h := newHarness(t, response{rows: statsRows(1, 1.0)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.collector.Collect(ctx, server, def("test_stats"))
	assert.ErrorIs(t, err, context.Canceled)

	rows, err := h.store.Query(context.Background(), "test_stats", storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCollectReportsAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		response{rows: statsRows(1, 5000.0)},
		response{rows: statsRows(2, 10.0)},
	)
	h.tracker.Acknowledge("pg-1")

	res, err := h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)
	assert.Equal(t, []string{"database too large"}, res.Alerts)

	// Fresh conditions clear the acknowledgement.
	assert.True(t, h.tracker.ShouldShow("pg-1"))
	require.Len(t, h.tracker.Snapshot("pg-1").Conditions, 1)

	_, err = h.collector.Collect(ctx, server, def("test_stats"))
	require.NoError(t, err)
	assert.Empty(t, h.tracker.Snapshot("pg-1").Conditions)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   any
		typ  catalog.ColumnType
		want any
		ok   bool
	}{
		{nil, catalog.Integer, nil, true},
		{int64(5), catalog.Integer, int64(5), true},
		{"42", catalog.Integer, int64(42), true},
		{"42.0", catalog.Integer, int64(42), true},
		{"4.5", catalog.Integer, 4.5, true},
		{3.0, catalog.Integer, int64(3), true},
		{1e19, catalog.Integer, 1e19, true},
		{-1e19, catalog.Integer, -1e19, true},
		{math.Inf(1), catalog.Integer, math.Inf(1), true},
		{true, catalog.Integer, int64(1), true},
		{"abc", catalog.Integer, nil, false},
		{int64(2), catalog.Real, 2.0, true},
		{"1.25", catalog.Real, 1.25, true},
		{false, catalog.Real, 0.0, true},
		{[]byte("x"), catalog.String, "x", true},
		{int64(7), catalog.String, "7", true},
		{t0, catalog.String, "2026-10-18T12:00:00Z", true},
	}
	for _, tt := range tests {
		got, ok := normalize(tt.in, tt.typ)
		assert.Equal(t, tt.ok, ok, "%v as %s", tt.in, tt.typ)
		assert.Equal(t, tt.want, got, "%v as %s", tt.in, tt.typ)
	}
}
