package collector

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dbpulse/internal/catalog"
)

// normalize converts a value read from the remote driver to the Go type
// stored for a column of type t. Values that cannot be converted are
// stored as NULL.
func normalize(v any, t catalog.ColumnType) (any, bool) {
	if v == nil {
		return nil, true
	}

	switch t {
	case catalog.Integer:
		switch n := v.(type) {
		case int64:
			return n, true
		case int:
			return int64(n), true
		case int32:
			return int64(n), true
		case float64:
			if n == math.Trunc(n) && math.Abs(n) < 1<<63 {
				return int64(n), true
			}
			return n, true
		case bool:
			return boolInt(n), true
		case string:
			return parseNumber(n)
		}

	case catalog.Real:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int64:
			return float64(n), true
		case int:
			return float64(n), true
		case bool:
			return float64(boolInt(n)), true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, false
			}
			return f, true
		}

	case catalog.String:
		switch s := v.(type) {
		case string:
			return s, true
		case []byte:
			return string(s), true
		case time.Time:
			return s.UTC().Format(time.RFC3339Nano), true
		default:
			return fmt.Sprint(s), true
		}
	}
	return nil, false
}

// parseNumber parses numeric text (lib/pq returns NUMERIC that way).
func parseNumber(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return int64(f), true
		}
		return f, true
	}
	return nil, false
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// toFloat returns the numeric value of a normalized counter.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
