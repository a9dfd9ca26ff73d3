package schedule

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Source tells where the schedule was loaded from.
type Source string

const (
	SourceDocument Source = "document"
	SourceBackup   Source = "backup"
	SourceDefaults Source = "defaults"
)

// BackupPath returns the location of the backup kept for path.
func BackupPath(path string) string {
	return path + ".bak"
}

// state is owned by the store goroutine and never touched elsewhere.
type state struct {
	defs map[string]*Definition

	// primaryValid is true when the file at path holds a good document, so
	// it may be rotated into the backup before being replaced.
	primaryValid bool

	onLoadServed bool
}

// Store is the collector schedule. A single goroutine owns the state and
// executes every call in order, so callers never share locks with it.
type Store struct {
	path     string
	defaults []Definition

	cmds      chan func(*state)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a store for the document at path. The store is empty until
// Load is called.
func New(path string, defaults []Definition) *Store {
	s := &Store{
		path:     path,
		defaults: cloneAll(defaults),
		cmds:     make(chan func(*state)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Open starts a store, loads it and reconciles it against defaults.
func Open(path string, defaults []Definition) (*Store, Source) {
	s := New(path, defaults)
	src := s.Load()
	if _, err := s.Reconcile(defaults); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to persist reconciled schedule")
	}
	return s, src
}

func (s *Store) run() {
	defer close(s.done)

	st := &state{defs: make(map[string]*Definition)}
	for {
		select {
		case cmd := <-s.cmds:
			cmd(st)
		case <-s.quit:
			return
		}
	}
}

// Close stops the store goroutine. Later calls return ErrClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// call runs fn on the store goroutine and waits for its result.
func (s *Store) call(fn func(*state) error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func(st *state) { reply <- fn(st) }:
		return <-reply
	case <-s.done:
		return ErrClosed
	}
}

// Load reads the document. A missing or corrupt document falls back to the
// backup, then to the defaults, which are persisted right away. Load never
// fails; it reports which source won.
func (s *Store) Load() Source {
	var src Source
	_ = s.call(func(st *state) error {
		st.onLoadServed = false

		defs, err := readDocument(s.path)
		if err == nil {
			st.defs = defs
			st.primaryValid = true
			src = SourceDocument
			return nil
		}
		st.primaryValid = false
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.path).Msg("Schedule document unreadable, trying backup")
		}

		backup := BackupPath(s.path)
		defs, berr := readDocument(backup)
		if berr == nil {
			st.defs = defs
			src = SourceBackup
			log.Warn().Str("path", backup).Msg("Schedule restored from backup")
			if perr := s.persist(st); perr != nil {
				log.Error().Err(perr).Str("path", s.path).Msg("Failed to persist restored schedule")
			}
			return nil
		}
		if !errors.Is(berr, fs.ErrNotExist) {
			log.Warn().Err(berr).Str("path", backup).Msg("Schedule backup unreadable")
		}

		st.defs = make(map[string]*Definition, len(s.defaults))
		for _, d := range s.defaults {
			d := d.clone()
			st.defs[d.Name] = &d
		}
		src = SourceDefaults
		log.Info().Str("path", s.path).Int("collectors", len(st.defs)).Msg("Using default schedule")
		if perr := s.persist(st); perr != nil {
			log.Error().Err(perr).Str("path", s.path).Msg("Failed to persist default schedule")
		}
		return nil
	})
	return src
}

// Reconcile removes stored definitions absent from defaults and adds the
// missing ones. Descriptions follow the defaults. The document is written
// only when something changed.
func (s *Store) Reconcile(defaults []Definition) (bool, error) {
	var changed bool
	err := s.call(func(st *state) error {
		known := make(map[string]Definition, len(defaults))
		for _, d := range defaults {
			known[d.Name] = d
		}

		for name := range st.defs {
			if _, ok := known[name]; !ok {
				delete(st.defs, name)
				changed = true
				log.Info().Str("collector", name).Msg("Removed obsolete collector definition")
			}
		}

		for name, d := range known {
			current, ok := st.defs[name]
			if !ok {
				d := d.clone()
				st.defs[name] = &d
				changed = true
				log.Info().Str("collector", name).Msg("Added collector definition")
				continue
			}
			if current.Description != d.Description {
				current.Description = d.Description
				changed = true
			}
		}

		if !changed {
			return nil
		}
		return s.persist(st)
	})
	return changed, err
}

// DueNow returns the enabled timer-driven definitions due at now.
func (s *Store) DueNow(now time.Time) []Definition {
	var out []Definition
	_ = s.call(func(st *state) error {
		for _, d := range st.defs {
			if d.IsDue(now) {
				out = append(out, d.clone())
			}
		}
		return nil
	})
	sortDefinitions(out)
	return out
}

// OnLoadOnly returns the enabled definitions that run once at startup. Only
// the first call after Load returns them.
func (s *Store) OnLoadOnly() []Definition {
	var out []Definition
	_ = s.call(func(st *state) error {
		if st.onLoadServed {
			return nil
		}
		st.onLoadServed = true
		for _, d := range st.defs {
			if d.Enabled && d.OnLoadOnly() {
				out = append(out, d.clone())
			}
		}
		return nil
	})
	sortDefinitions(out)
	return out
}

// MarkRun records a run of the named collector at runTime.
func (s *Store) MarkRun(name string, runTime time.Time) error {
	return s.call(func(st *state) error {
		d, ok := st.defs[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		t := runTime.UTC()
		d.LastRunTime = &t
		d.deriveNextRun()
		return s.persist(st)
	})
}

// Update applies patch to the named definition and persists the result.
func (s *Store) Update(name string, patch Patch) (Definition, error) {
	var updated Definition
	err := s.call(func(st *state) error {
		d, ok := st.defs[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		next := d.clone()
		if patch.Enabled != nil {
			next.Enabled = *patch.Enabled
		}
		if patch.FrequencyMinutes != nil {
			next.FrequencyMinutes = *patch.FrequencyMinutes
		}
		if patch.RetentionDays != nil {
			next.RetentionDays = *patch.RetentionDays
		}
		if err := next.validate(); err != nil {
			return err
		}
		next.deriveNextRun()

		*d = next
		updated = next.clone()
		return s.persist(st)
	})
	return updated, err
}

// Get returns the named definition.
func (s *Store) Get(name string) (Definition, error) {
	var out Definition
	err := s.call(func(st *state) error {
		d, ok := st.defs[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		out = d.clone()
		return nil
	})
	return out, err
}

// All returns every definition sorted by name.
func (s *Store) All() []Definition {
	var out []Definition
	_ = s.call(func(st *state) error {
		out = make([]Definition, 0, len(st.defs))
		for _, d := range st.defs {
			out = append(out, d.clone())
		}
		return nil
	})
	sortDefinitions(out)
	return out
}

// persist writes the whole document, rotating the current good document
// into the backup first. Must run on the store goroutine.
func (s *Store) persist(st *state) error {
	data, err := encodeDocument(st.defs)
	if err != nil {
		return err
	}

	if st.primaryValid {
		current, err := os.ReadFile(s.path)
		if err == nil {
			if err := writeFileAtomic(BackupPath(s.path), current); err != nil {
				return fmt.Errorf("failed to rotate schedule backup: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read schedule for backup: %w", err)
		}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	st.primaryValid = true
	return nil
}

func cloneAll(defs []Definition) []Definition {
	out := make([]Definition, len(defs))
	for i, d := range defs {
		out[i] = d.clone()
	}
	return out
}
