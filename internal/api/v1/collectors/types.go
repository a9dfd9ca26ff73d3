package collectors

import (
	"time"

	"dbpulse/internal/catalog"
	"dbpulse/internal/schedule"
)

// ColumnResponse describes one stored column of a collector table.
type ColumnResponse struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// CollectorResponse joins a collector's schedule with its descriptor.
type CollectorResponse struct {
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Table            string           `json:"table,omitempty"`
	Optional         bool             `json:"optional"`
	Enabled          bool             `json:"enabled"`
	FrequencyMinutes int              `json:"frequency_minutes"`
	OnLoadOnly       bool             `json:"on_load_only"`
	RetentionDays    int              `json:"retention_days"`
	LastRunTime      *time.Time       `json:"last_run_time"`
	NextRunTime      *time.Time       `json:"next_run_time"`
	Columns          []ColumnResponse `json:"columns,omitempty"`
}

func newCollectorResponse(def schedule.Definition, d *catalog.Descriptor, withColumns bool) CollectorResponse {
	r := CollectorResponse{
		Name:             def.Name,
		Description:      def.Description,
		Enabled:          def.Enabled,
		FrequencyMinutes: def.FrequencyMinutes,
		OnLoadOnly:       def.OnLoadOnly(),
		RetentionDays:    def.RetentionDays,
		LastRunTime:      def.LastRunTime,
		NextRunTime:      def.NextRunTime,
	}
	if d == nil {
		return r
	}

	r.Table = d.Table()
	r.Optional = d.Optional
	if withColumns {
		for _, c := range d.StoredColumns() {
			r.Columns = append(r.Columns, ColumnResponse{Name: c.Name, Type: string(c.Type), Kind: c.Kind.String()})
		}
	}
	return r
}
