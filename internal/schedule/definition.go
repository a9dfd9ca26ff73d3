// Package schedule keeps the collector schedule.
//
// The schedule is a small YAML document mapping collector names to their
// enabled flag, frequency, retention and run timestamps. A copy of the last
// good document is kept next to it for recovery.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"dbpulse/internal/catalog"
)

var (
	// ErrNotFound is returned for an unknown collector name.
	ErrNotFound = errors.New("collector definition not found")

	// ErrInvalid is returned when an update carries out-of-range values.
	ErrInvalid = errors.New("invalid collector definition")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("schedule store closed")
)

// Definition is the schedule of one collector.
type Definition struct {
	Name             string     `json:"name"`
	Enabled          bool       `json:"enabled"`
	FrequencyMinutes int        `json:"frequency_minutes"` // 0 runs once at load
	RetentionDays    int        `json:"retention_days"`
	LastRunTime      *time.Time `json:"last_run_time,omitempty"`
	NextRunTime      *time.Time `json:"next_run_time,omitempty"`
	Description      string     `json:"description,omitempty"`
}

// OnLoadOnly reports whether the definition runs only at startup.
func (d Definition) OnLoadOnly() bool {
	return d.FrequencyMinutes == 0
}

// Frequency returns the collection interval.
func (d Definition) Frequency() time.Duration {
	return time.Duration(d.FrequencyMinutes) * time.Minute
}

// IsDue reports whether a timer-driven run is due at now.
func (d Definition) IsDue(now time.Time) bool {
	if !d.Enabled || d.FrequencyMinutes <= 0 {
		return false
	}
	if d.LastRunTime == nil {
		return true
	}
	return now.Sub(*d.LastRunTime) >= d.Frequency()
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if d.FrequencyMinutes < 0 {
		return fmt.Errorf("%w: %s: frequency_minutes cannot be negative", ErrInvalid, d.Name)
	}
	if d.RetentionDays < 0 {
		return fmt.Errorf("%w: %s: retention_days cannot be negative", ErrInvalid, d.Name)
	}
	return nil
}

// deriveNextRun recomputes NextRunTime from LastRunTime and the frequency.
func (d *Definition) deriveNextRun() {
	if d.LastRunTime == nil || d.FrequencyMinutes <= 0 {
		d.NextRunTime = nil
		return
	}
	next := d.LastRunTime.Add(d.Frequency())
	d.NextRunTime = &next
}

// clone returns a deep copy so callers never share the store's pointers.
func (d Definition) clone() Definition {
	if d.LastRunTime != nil {
		t := *d.LastRunTime
		d.LastRunTime = &t
	}
	if d.NextRunTime != nil {
		t := *d.NextRunTime
		d.NextRunTime = &t
	}
	return d
}

// Patch carries the user-editable fields of a definition. Nil fields are
// left unchanged.
type Patch struct {
	Enabled          *bool `json:"enabled,omitempty"`
	FrequencyMinutes *int  `json:"frequency_minutes,omitempty" binding:"omitempty,min=0,max=10080"`
	RetentionDays    *int  `json:"retention_days,omitempty" binding:"omitempty,min=0,max=3650"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Enabled == nil && p.FrequencyMinutes == nil && p.RetentionDays == nil
}

// DefaultsFrom derives the default schedule from collector descriptors.
func DefaultsFrom(descriptors []catalog.Descriptor) []Definition {
	out := make([]Definition, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, Definition{
			Name:             d.Name,
			Enabled:          d.Schedule.Enabled,
			FrequencyMinutes: d.Schedule.FrequencyMinutes,
			RetentionDays:    d.Schedule.RetentionDays,
			Description:      d.Description,
		})
	}
	sortDefinitions(out)
	return out
}

func sortDefinitions(defs []Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}
