// Package catalog holds the collector descriptors.
//
// A Descriptor is the only place a collector is declared. The local store
// derives its table from Columns, the schedule store derives its default
// definition from Schedule, and the collector derives its rate columns from
// the counters.
package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// ColumnKind tells the pipeline how a payload column is treated.
type ColumnKind int

const (
	// Key columns identify a row within one sample (database name, wait event...).
	Key ColumnKind = iota
	// Gauge columns are stored as observed.
	Gauge
	// Counter columns are cumulative. Each one gets a derived "<name>_per_sec" rate.
	Counter
	// Text columns are stored as observed and never take part in rates.
	Text
)

func (k ColumnKind) String() string {
	switch k {
	case Key:
		return "key"
	case Gauge:
		return "gauge"
	case Counter:
		return "counter"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ColumnType is the storage affinity of a column.
type ColumnType string

const (
	Integer ColumnType = "INTEGER"
	Real    ColumnType = "REAL"
	String  ColumnType = "TEXT"
)

// RateSuffix is appended to a counter column name to form its rate column.
const RateSuffix = "_per_sec"

// Column describes one payload column of a collector row.
type Column struct {
	Name string
	Type ColumnType
	Kind ColumnKind
}

// Schedule is the default schedule of a collector.
type Schedule struct {
	Enabled          bool
	FrequencyMinutes int // 0 runs once at load
	RetentionDays    int
}

// AlertRule inspects a freshly collected batch and returns the alert
// conditions it raises. An empty result means nothing is wrong.
type AlertRule func(rows []map[string]any) []string

// Descriptor declares a collector.
type Descriptor struct {
	Name        string
	Description string

	// Query is run against the monitored server. Result column names must
	// match Columns; extra result columns are ignored.
	Query string

	Columns  []Column
	Schedule Schedule

	// Optional collectors need privileges or extensions that a server may
	// not grant. Permission and feature errors yield zero rows for them.
	Optional bool

	Alert AlertRule
}

// Table returns the local table name of the collector.
func (d Descriptor) Table() string {
	return d.Name
}

// Counters returns the counter columns in declaration order.
func (d Descriptor) Counters() []Column {
	var out []Column
	for _, c := range d.Columns {
		if c.Kind == Counter {
			out = append(out, c)
		}
	}
	return out
}

// Keys returns the names of the key columns in declaration order.
func (d Descriptor) Keys() []string {
	var out []string
	for _, c := range d.Columns {
		if c.Kind == Key {
			out = append(out, c.Name)
		}
	}
	return out
}

// StoredColumns returns every payload column persisted for the collector,
// including the derived rate columns.
func (d Descriptor) StoredColumns() []Column {
	out := make([]Column, 0, len(d.Columns)+len(d.Counters()))
	for _, c := range d.Columns {
		out = append(out, c)
		if c.Kind == Counter {
			out = append(out, Column{Name: c.Name + RateSuffix, Type: Real, Kind: Gauge})
		}
	}
	return out
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// reserved column names used by the store itself.
var reserved = map[string]bool{
	"collection_id":   true,
	"collection_time": true,
	"server_id":       true,
}

// Validate checks that the descriptor can be turned into a table.
func (d Descriptor) Validate() error {
	if !identPattern.MatchString(d.Name) {
		return fmt.Errorf("collector %q: invalid name", d.Name)
	}
	if d.Query == "" {
		return fmt.Errorf("collector %q: query is empty", d.Name)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("collector %q: no columns", d.Name)
	}
	if d.Schedule.FrequencyMinutes < 0 || d.Schedule.RetentionDays < 0 {
		return fmt.Errorf("collector %q: negative schedule values", d.Name)
	}

	seen := make(map[string]bool)
	for _, c := range d.StoredColumns() {
		if !identPattern.MatchString(c.Name) {
			return fmt.Errorf("collector %q: invalid column name %q", d.Name, c.Name)
		}
		if reserved[c.Name] {
			return fmt.Errorf("collector %q: column %q is reserved", d.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("collector %q: duplicate column %q", d.Name, c.Name)
		}
		switch c.Type {
		case Integer, Real, String:
		default:
			return fmt.Errorf("collector %q: column %q has unknown type %q", d.Name, c.Name, c.Type)
		}
		if c.Kind == Counter && c.Type == String {
			return fmt.Errorf("collector %q: counter %q must be numeric", d.Name, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Catalog is a registry of descriptors keyed by name.
type Catalog struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// New creates a catalog holding the given descriptors.
func New(descriptors ...Descriptor) (*Catalog, error) {
	c := &Catalog{descriptors: make(map[string]Descriptor)}
	for _, d := range descriptors {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates and adds a descriptor. Names must be unique.
func (c *Catalog) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.descriptors[d.Name]; exists {
		return fmt.Errorf("collector %q already registered", d.Name)
	}
	c.descriptors[d.Name] = d
	return nil
}

// Get returns the descriptor with the given name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[name]
	return d, ok
}

// All returns every descriptor sorted by name.
func (c *Catalog) All() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
