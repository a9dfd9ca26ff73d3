package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDescriptorsAreValid(t *testing.T) {
	for _, d := range Builtin() {
		t.Run(d.Name, func(t *testing.T) {
			assert.NoError(t, d.Validate())
		})
	}

	c := MustBuiltin()
	assert.Len(t, c.All(), len(Builtin()))
}

func TestStoredColumnsAddRateColumns(t *testing.T) {
	d := Descriptor{
		Name:  "sample",
		Query: "SELECT 1",
		Columns: []Column{
			{Name: "db", Type: String, Kind: Key},
			{Name: "commits", Type: Integer, Kind: Counter},
			{Name: "backends", Type: Integer, Kind: Gauge},
		},
	}

	var names []string
	for _, c := range d.StoredColumns() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"db", "commits", "commits_per_sec", "backends"}, names)
	assert.Equal(t, []string{"db"}, d.Keys())
	require.Len(t, d.Counters(), 1)
	assert.Equal(t, "commits", d.Counters()[0].Name)
}

func TestValidateRejectsBadDescriptors(t *testing.T) {
	base := func() Descriptor {
		return Descriptor{
			Name:    "ok",
			Query:   "SELECT 1",
			Columns: []Column{{Name: "value", Type: Integer, Kind: Gauge}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"bad name", func(d *Descriptor) { d.Name = "Bad-Name" }},
		{"empty query", func(d *Descriptor) { d.Query = "" }},
		{"no columns", func(d *Descriptor) { d.Columns = nil }},
		{"reserved column", func(d *Descriptor) { d.Columns[0].Name = "collection_time" }},
		{"text counter", func(d *Descriptor) { d.Columns[0] = Column{Name: "x", Type: String, Kind: Counter} }},
		{"unknown type", func(d *Descriptor) { d.Columns[0].Type = "BLOB" }},
		{"negative frequency", func(d *Descriptor) { d.Schedule.FrequencyMinutes = -1 }},
		{"rate collision", func(d *Descriptor) {
			d.Columns = []Column{
				{Name: "x", Type: Integer, Kind: Counter},
				{Name: "x_per_sec", Type: Real, Kind: Gauge},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	d := Descriptor{Name: "dup", Query: "SELECT 1", Columns: []Column{{Name: "v", Type: Integer, Kind: Gauge}}}
	_, err := New(d, d)
	assert.Error(t, err)
}

func TestAlertRules(t *testing.T) {
	t.Run("deadlocks", func(t *testing.T) {
		rate := 0.5
		got := databaseStats.Alert([]map[string]any{
			{"database_name": "app", "deadlocks_per_sec": &rate},
			{"database_name": "idle", "deadlocks_per_sec": (*float64)(nil)},
		})
		assert.Equal(t, []string{"deadlocks in database app"}, got)
	})

	t.Run("waiting locks", func(t *testing.T) {
		assert.Empty(t, locks.Alert([]map[string]any{{"mode": "ShareLock", "granted": int64(0), "locks": int64(2)}}))
		assert.Len(t, locks.Alert([]map[string]any{{"mode": "ShareLock", "granted": int64(0), "locks": int64(7)}}), 1)
	})

	t.Run("idle in transaction", func(t *testing.T) {
		got := connectionStates.Alert([]map[string]any{
			{"state": "active", "longest_xact_seconds": 900.0},
			{"state": "idle in transaction", "longest_xact_seconds": 901.0},
		})
		assert.Len(t, got, 1)
	})
}
