package schedule

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbpulse/internal/catalog"
)

func testDefaults() []Definition {
	return []Definition{
		{Name: "database_stats", Enabled: true, FrequencyMinutes: 1, RetentionDays: 30, Description: "db"},
		{Name: "locks", Enabled: true, FrequencyMinutes: 5, RetentionDays: 7, Description: "locks"},
		{Name: "server_info", Enabled: true, FrequencyMinutes: 0, RetentionDays: 365, Description: "info"},
		{Name: "disabled", Enabled: false, FrequencyMinutes: 1, RetentionDays: 7},
	}
}

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	s, _ := Open(path, testDefaults())
	t.Cleanup(s.Close)
	return s, path
}

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestLoadFallsBackToDefaultsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")

	s, src := Open(path, testDefaults())
	defer s.Close()

	assert.Equal(t, SourceDefaults, src)
	assert.Len(t, s.All(), 4)

	// The defaults were written out, so a fresh store reads the document.
	s2 := New(path, testDefaults())
	defer s2.Close()
	assert.Equal(t, SourceDocument, s2.Load())
	assert.Len(t, s2.All(), 4)
}

func TestLoadRecoversFromCorruption(t *testing.T) {
	t.Run("corrupt document falls back to backup", func(t *testing.T) {
		s, path := openTemp(t)
		require.NoError(t, s.MarkRun("locks", time.Now())) // rotates a good document into the backup
		s.Close()

		require.NoError(t, os.WriteFile(path, []byte("collectors: [this is: not valid"), 0o644))

		s2 := New(path, testDefaults())
		defer s2.Close()
		assert.Equal(t, SourceBackup, s2.Load())
		assert.Len(t, s2.All(), 4)

		// The restored schedule is written back as the primary document.
		_, err := readDocument(path)
		assert.NoError(t, err)
	})

	t.Run("corrupt document and backup fall back to defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schedule.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{{{{"), 0o644))
		require.NoError(t, os.WriteFile(BackupPath(path), []byte("version: 99\ncollectors: {}\n"), 0o644))

		s := New(path, testDefaults())
		defer s.Close()

		assert.Equal(t, SourceDefaults, s.Load())
		assert.Equal(t, []string{"database_stats", "disabled", "locks", "server_info"}, names(s.All()))

		defs, err := readDocument(path)
		require.NoError(t, err, "defaults must be persisted")
		assert.Len(t, defs, 4)
	})

	t.Run("negative frequency makes the document invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schedule.yaml")
		doc := "version: 1\ncollectors:\n  locks:\n    enabled: true\n    frequency_minutes: -5\n    retention_days: 7\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		s := New(path, testDefaults())
		defer s.Close()
		assert.Equal(t, SourceDefaults, s.Load())
	})
}

func TestWriteFileAtomic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "conf")
	path := filepath.Join(dir, "schedule.yaml")

	require.NoError(t, writeFileAtomic(path, []byte("first")))
	require.NoError(t, writeFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file is left behind")
	assert.Equal(t, "schedule.yaml", entries[0].Name())

	// A directory in the way fails the rename and keeps nothing around.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0o755))
	assert.Error(t, writeFileAtomic(blocked, []byte("x")))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReconcile(t *testing.T) {
	s, path := openTemp(t)

	changed, err := s.Reconcile(testDefaults())
	require.NoError(t, err)
	assert.False(t, changed, "reconciling against the same defaults is a no-op")

	before, err := os.Stat(path)
	require.NoError(t, err)

	defaults := testDefaults()
	defaults = append(defaults[1:], Definition{Name: "replication", Enabled: true, FrequencyMinutes: 1, RetentionDays: 7})

	changed, err = s.Reconcile(defaults)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"disabled", "locks", "replication", "server_info"}, names(s.All()))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, after.ModTime().Before(before.ModTime()))

	defs, err := readDocument(path)
	require.NoError(t, err)
	assert.Contains(t, defs, "replication")
	assert.NotContains(t, defs, "database_stats")
}

func TestReconcileKeepsUserEdits(t *testing.T) {
	s, _ := openTemp(t)

	freq := 10
	_, err := s.Update("locks", Patch{FrequencyMinutes: &freq})
	require.NoError(t, err)

	_, err = s.Reconcile(testDefaults())
	require.NoError(t, err)

	d, err := s.Get("locks")
	require.NoError(t, err)
	assert.Equal(t, 10, d.FrequencyMinutes)
}

func TestDueNow(t *testing.T) {
	s, _ := openTemp(t)
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, []string{"database_stats", "locks"}, names(s.DueNow(now)),
		"never-run timer definitions are due; disabled and on-load-only are not")

	require.NoError(t, s.MarkRun("database_stats", now))
	require.NoError(t, s.MarkRun("locks", now))

	assert.Empty(t, s.DueNow(now.Add(59*time.Second)))
	assert.Equal(t, []string{"database_stats"}, names(s.DueNow(now.Add(time.Minute))))
	assert.Equal(t, []string{"database_stats", "locks"}, names(s.DueNow(now.Add(5*time.Minute))))
}

func TestOnLoadOnlyDefinitionsAreNeverDue(t *testing.T) {
	s, _ := openTemp(t)
	now := time.Now()

	assert.Equal(t, []string{"server_info"}, names(s.OnLoadOnly()))
	assert.Empty(t, s.OnLoadOnly(), "returned once per load")

	for _, elapsed := range []time.Duration{0, time.Hour, 24 * time.Hour, 365 * 24 * time.Hour} {
		assert.NotContains(t, names(s.DueNow(now.Add(elapsed))), "server_info")
	}

	require.NoError(t, s.MarkRun("server_info", now))
	d, err := s.Get("server_info")
	require.NoError(t, err)
	assert.NotNil(t, d.LastRunTime)
	assert.Nil(t, d.NextRunTime, "on-load-only definitions have no next run")
	assert.NotContains(t, names(s.DueNow(now.Add(48*time.Hour))), "server_info")
}

func TestMarkRun(t *testing.T) {
	s, path := openTemp(t)
	runAt := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.MarkRun("locks", runAt))

	d, err := s.Get("locks")
	require.NoError(t, err)
	require.NotNil(t, d.LastRunTime)
	require.NotNil(t, d.NextRunTime)
	assert.True(t, d.LastRunTime.Equal(runAt))
	assert.True(t, d.NextRunTime.Equal(runAt.Add(5*time.Minute)))

	err = s.MarkRun("nope", runAt)
	assert.True(t, errors.Is(err, ErrNotFound))

	// Persisted and reloaded
	s.Close()
	s2 := New(path, testDefaults())
	defer s2.Close()
	s2.Load()
	d, err = s2.Get("locks")
	require.NoError(t, err)
	require.NotNil(t, d.LastRunTime)
	assert.True(t, d.LastRunTime.Equal(runAt))
}

func TestUpdate(t *testing.T) {
	s, path := openTemp(t)

	t.Run("unknown name", func(t *testing.T) {
		enabled := false
		_, err := s.Update("missing", Patch{Enabled: &enabled})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("negative values are rejected", func(t *testing.T) {
		days := -1
		_, err := s.Update("locks", Patch{RetentionDays: &days})
		assert.ErrorIs(t, err, ErrInvalid)

		d, err := s.Get("locks")
		require.NoError(t, err)
		assert.Equal(t, 7, d.RetentionDays, "rejected update leaves the definition untouched")
	})

	t.Run("fields are updated and persisted", func(t *testing.T) {
		enabled := false
		freq := 15
		days := 3
		d, err := s.Update("database_stats", Patch{Enabled: &enabled, FrequencyMinutes: &freq, RetentionDays: &days})
		require.NoError(t, err)
		assert.False(t, d.Enabled)
		assert.Equal(t, 15, d.FrequencyMinutes)
		assert.Equal(t, 3, d.RetentionDays)

		defs, err := readDocument(path)
		require.NoError(t, err)
		assert.False(t, defs["database_stats"].Enabled)
		assert.Equal(t, 15, defs["database_stats"].FrequencyMinutes)

		_, err = readDocument(BackupPath(path))
		assert.NoError(t, err, "the previous document was rotated into the backup")
	})

	t.Run("disabled definitions are not due", func(t *testing.T) {
		assert.NotContains(t, names(s.DueNow(time.Now().Add(time.Hour))), "database_stats")
	})
}

func TestReturnedDefinitionsAreCopies(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.MarkRun("locks", time.Now()))

	d, err := s.Get("locks")
	require.NoError(t, err)
	*d.LastRunTime = time.Time{}
	d.Enabled = false

	again, err := s.Get("locks")
	require.NoError(t, err)
	assert.True(t, again.Enabled)
	assert.False(t, again.LastRunTime.IsZero())
}

func TestConcurrentCalls(t *testing.T) {
	s, _ := openTemp(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.MarkRun("locks", time.Now())
			} else {
				_ = s.DueNow(time.Now())
			}
		}(i)
	}
	wg.Wait()

	d, err := s.Get("locks")
	require.NoError(t, err)
	assert.NotNil(t, d.LastRunTime)
}

func TestClosedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	s, _ := Open(path, testDefaults())
	s.Close()
	s.Close()

	_, err := s.Get("locks")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, s.All())
}

func TestDefaultsFromCatalog(t *testing.T) {
	defs := DefaultsFrom(catalog.Builtin())
	require.Len(t, defs, len(catalog.Builtin()))

	byName := make(map[string]Definition)
	for _, d := range defs {
		byName[d.Name] = d
	}
	assert.Equal(t, 1, byName["database_stats"].FrequencyMinutes)
	assert.True(t, byName["server_info"].OnLoadOnly())
	assert.NotEmpty(t, byName["locks"].Description)
}
