package schedule

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// documentVersion is written into every schedule document.
const documentVersion = 1

// document is the on-disk shape of the schedule.
type document struct {
	Version    int              `yaml:"version"`
	Collectors map[string]entry `yaml:"collectors"`
}

type entry struct {
	Enabled          bool       `yaml:"enabled"`
	FrequencyMinutes int        `yaml:"frequency_minutes"`
	RetentionDays    int        `yaml:"retention_days"`
	LastRunTime      *time.Time `yaml:"last_run_time,omitempty"`
	NextRunTime      *time.Time `yaml:"next_run_time,omitempty"`
	Description      string     `yaml:"description,omitempty"`
}

// encodeDocument renders definitions as a schedule document.
func encodeDocument(defs map[string]*Definition) ([]byte, error) {
	doc := document{
		Version:    documentVersion,
		Collectors: make(map[string]entry, len(defs)),
	}
	for name, d := range defs {
		doc.Collectors[name] = entry{
			Enabled:          d.Enabled,
			FrequencyMinutes: d.FrequencyMinutes,
			RetentionDays:    d.RetentionDays,
			LastRunTime:      utc(d.LastRunTime),
			NextRunTime:      utc(d.NextRunTime),
			Description:      d.Description,
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode schedule: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode schedule: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeDocument parses a schedule document. Any structural problem makes
// the whole document invalid.
func decodeDocument(data []byte) (map[string]*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("schedule document is empty")
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse schedule document: %w", err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported schedule document version %d", doc.Version)
	}

	defs := make(map[string]*Definition, len(doc.Collectors))
	for name, e := range doc.Collectors {
		d := &Definition{
			Name:             name,
			Enabled:          e.Enabled,
			FrequencyMinutes: e.FrequencyMinutes,
			RetentionDays:    e.RetentionDays,
			LastRunTime:      e.LastRunTime,
			Description:      e.Description,
		}
		if err := d.validate(); err != nil {
			return nil, err
		}
		// next_run_time is derived, the stored value is informational only
		d.deriveNextRun()
		defs[name] = d
	}
	return defs, nil
}

// readDocument loads and parses the document at path.
func readDocument(path string) (map[string]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDocument(data)
}

// writeFileAtomic replaces path with data. Readers see either the old or the
// new content, never a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
