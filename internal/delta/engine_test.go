package delta

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	t0 := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	key := Key{Server: "pg-1", Metric: "database_stats/app/xact_commit"}

	t.Run("first sample after start has no rate", func(t *testing.T) {
		e := New()
		assert.Nil(t, e.Observe(key, 100, t0))
	})

	t.Run("second sample yields difference over elapsed seconds", func(t *testing.T) {
		e := New()
		e.Observe(key, 100, t0)

		rate := e.Observe(key, 160, t0.Add(30*time.Second))
		require.NotNil(t, rate)
		assert.InDelta(t, 2.0, *rate, 1e-9)
	})

	t.Run("counter decrease yields no rate and resets the baseline", func(t *testing.T) {
		e := New()
		e.Observe(key, 1000, t0)

		assert.Nil(t, e.Observe(key, 10, t0.Add(time.Minute)))

		rate := e.Observe(key, 70, t0.Add(2*time.Minute))
		require.NotNil(t, rate)
		assert.InDelta(t, 1.0, *rate, 1e-9)
	})

	t.Run("non positive elapsed time yields no rate", func(t *testing.T) {
		e := New()
		e.Observe(key, 1, t0)

		assert.Nil(t, e.Observe(key, 5, t0))
		assert.Nil(t, e.Observe(key, 9, t0.Add(-time.Second)))
	})

	t.Run("unchanged counter yields zero", func(t *testing.T) {
		e := New()
		e.Observe(key, 42, t0)

		rate := e.Observe(key, 42, t0.Add(10*time.Second))
		require.NotNil(t, rate)
		assert.Zero(t, *rate)
	})
}

func TestKeysArePartitioned(t *testing.T) {
	t0 := time.Now()
	e := New()

	a := Key{Server: "a", Metric: "m"}
	b := Key{Server: "b", Metric: "m"}

	e.Observe(a, 10, t0)
	assert.Nil(t, e.Observe(b, 10, t0.Add(time.Second)), "server b has its own cold start")

	e.Forget("a")
	assert.Equal(t, 1, e.Len())
	assert.Nil(t, e.Observe(a, 20, t0.Add(2*time.Second)), "forgotten server starts cold")

	e.Drop(b)
	assert.Equal(t, 1, e.Len())
	assert.Nil(t, e.Observe(b, 30, t0.Add(3*time.Second)), "dropped key starts cold")
}

func TestConcurrentObserve(t *testing.T) {
	e := New()
	t0 := time.Now()

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			key := Key{Server: fmt.Sprintf("srv-%d", s), Metric: "m"}
			for i := 0; i < 100; i++ {
				e.Observe(key, float64(i), t0.Add(time.Duration(i)*time.Second))
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 8, e.Len())
}
