// Package delta turns cumulative counters into per-second rates.
//
// The engine keeps the previous observation of every (server, metric) pair
// in memory. A rate needs two observations: the first one after process
// start always yields nil, never zero.
package delta

import (
	"sync"
	"time"
)

// Key identifies one cumulative metric on one server.
type Key struct {
	Server string
	Metric string // collector, row key and column, e.g. "database_stats/app/xact_commit"
}

type observation struct {
	value float64
	at    time.Time
}

// Engine holds the last observation per key. It is safe for concurrent use.
type Engine struct {
	mu   sync.Mutex
	last map[Key]observation
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{last: make(map[Key]observation)}
}

// Observe records value at time at and returns the rate since the previous
// observation of key.
//
// The rate is nil when there is no previous observation, when the elapsed
// time is not positive, or when the counter went backwards (the server
// restarted or the statistics were reset). The new value is stored in
// every case.
func (e *Engine) Observe(key Key, value float64, at time.Time) *float64 {
	e.mu.Lock()
	prev, ok := e.last[key]
	e.last[key] = observation{value: value, at: at}
	e.mu.Unlock()

	if !ok {
		return nil
	}

	elapsed := at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return nil
	}
	if value < prev.value {
		return nil
	}

	rate := (value - prev.value) / elapsed
	return &rate
}

// Drop removes the observation of key. The next observation yields nil.
func (e *Engine) Drop(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, key)
}

// Forget drops every entry of server.
func (e *Engine) Forget(server string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k := range e.last {
		if k.Server == server {
			delete(e.last, k)
		}
	}
}

// Len returns the number of tracked keys.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.last)
}
