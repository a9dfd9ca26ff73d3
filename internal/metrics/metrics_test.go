package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCycle(t *testing.T) {
	m := New()

	m.ObserveCycle("locks", "success", 4, 30*time.Millisecond, 5*time.Millisecond)
	m.ObserveCycle("locks", "success", 2, 30*time.Millisecond, 5*time.Millisecond)
	m.ObserveCycle("locks", "failed", 0, time.Second, 0)
	m.Retried("locks")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("locks", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("locks", "failed")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.rows.WithLabelValues("locks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("locks")))
}

func TestInFlightAndSweeps(t *testing.T) {
	m := New()

	m.CycleStarted()
	m.CycleStarted()
	m.CycleFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))

	m.ObserveSweep("locks", 10, nil)
	m.ObserveSweep("locks", 0, errors.New("busy"))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.swept.WithLabelValues("locks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepErrors.WithLabelValues("locks")))

	m.DispatchSkipped("pool_full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("pool_full")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveCycle("database_stats", "success", 1, time.Millisecond, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dbpulse_collection_cycles_total{collector="database_stats",status="success"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("x", "success", 1, 0, 0)
	m.Retried("x")
	m.CycleStarted()
	m.CycleFinished()
	m.DispatchSkipped("x")
	m.ObserveSweep("x", 1, nil)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
