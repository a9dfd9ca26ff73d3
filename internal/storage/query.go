package storage

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Row is one stored sample.
type Row struct {
	CollectionID   int64          `json:"collection_id"`
	CollectionTime time.Time      `json:"collection_time"`
	ServerID       string         `json:"server_id"`
	Values         map[string]any `json:"values"`
}

// Filter restricts a query. Zero values mean no restriction.
type Filter struct {
	ServerID string
	From     time.Time // inclusive
	To       time.Time // inclusive
	Limit    int
}

// Query returns the rows of a collector table matching f, ordered by
// collection time and then collection id. Columns added after a row was
// written read as nil.
func (s *Store) Query(ctx context.Context, tableName string, f Filter) ([]Row, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if f.ServerID != "" {
		where = append(where, "server_id = ?")
		args = append(args, f.ServerID)
	}
	if !f.From.IsZero() {
		where = append(where, "collection_time >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "collection_time <= ?")
		args = append(args, f.To.UTC().UnixMilli())
	}

	var q strings.Builder
	q.WriteString("SELECT ")
	q.WriteString(selectList(t))
	q.WriteString(" FROM ")
	q.WriteString(quote(t.name))
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY collection_time, collection_id")
	if f.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	return s.queryRows(ctx, t, q.String(), args...)
}

// Latest returns the most recent batch collected from server into a table,
// or nil when there is none.
func (s *Store) Latest(ctx context.Context, tableName, serverID string) ([]Row, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE server_id = ? AND collection_time = (
			SELECT MAX(collection_time) FROM %s WHERE server_id = ?
		)
		ORDER BY collection_id`, selectList(t), quote(t.name), quote(t.name))

	return s.queryRows(ctx, t, q, serverID, serverID)
}

func selectList(t *table) string {
	cols := []string{"collection_id", "collection_time", "server_id"}
	for _, c := range t.columns {
		cols = append(cols, quote(c.Name))
	}
	return strings.Join(cols, ", ")
}

func (s *Store) queryRows(ctx context.Context, t *table, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	defer rows.Close()

	values := make([]any, 3+len(t.columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var out []Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		id, _ := values[0].(int64)
		millis, _ := values[1].(int64)
		row := Row{
			CollectionID:   id,
			CollectionTime: time.UnixMilli(millis).UTC(),
			ServerID:       asString(values[2]),
			Values:         make(map[string]any, len(t.columns)),
		}
		for i, c := range t.columns {
			v := values[3+i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row.Values[c.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

// QueryAs runs Query and maps every row onto a T. Fields are matched by
// their `db` tag, falling back to the lower-cased field name; the
// universal columns are available as collection_id, collection_time and
// server_id. Pointer fields receive nil for NULL values.
func QueryAs[T any](ctx context.Context, s *Store, tableName string, f Filter) ([]T, error) {
	rows, err := s.Query(ctx, tableName, f)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var item T
		if err := populateStruct(&item, r); err != nil {
			return nil, fmt.Errorf("failed to map %s row %d: %w", tableName, r.CollectionID, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// populateStruct copies a row into the struct pointed to by item.
func populateStruct(item any, r Row) error {
	v := reflect.ValueOf(item).Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("cannot map row onto %s", v.Type())
	}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		// Embedded structs share the row.
		if field.Anonymous && field.Type.Kind() == reflect.Struct && field.Type != timeType {
			if err := populateStruct(v.Field(i).Addr().Interface(), r); err != nil {
				return err
			}
			continue
		}

		name := strings.ToLower(field.Name)
		if tag := field.Tag.Get("db"); tag != "" {
			name = strings.Split(tag, ",")[0]
		}
		if name == "-" {
			continue
		}

		var value any
		switch name {
		case "collection_id":
			value = r.CollectionID
		case "collection_time":
			value = r.CollectionTime
		case "server_id":
			value = r.ServerID
		default:
			var ok bool
			if value, ok = r.Values[name]; !ok {
				continue
			}
		}

		if err := setFieldValue(v.Field(i), value); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// setFieldValue assigns a database value to a struct field.
//
// NULL leaves non-pointer fields untouched and sets pointer fields to nil.
// Pointer fields are allocated only for non-NULL values.
func setFieldValue(field reflect.Value, value any) error {
	if field.Kind() == reflect.Ptr {
		if value == nil {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		elem := reflect.New(field.Type().Elem())
		if err := setFieldValue(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	if value == nil {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		switch v := value.(type) {
		case string:
			field.SetString(v)
		case []byte:
			field.SetString(string(v))
		default:
			field.SetString(fmt.Sprint(v))
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case int64:
			field.SetInt(v)
		case int:
			field.SetInt(int64(v))
		case float64:
			field.SetInt(int64(v))
		default:
			return fmt.Errorf("cannot assign %T to int field", value)
		}

	case reflect.Float32, reflect.Float64:
		switch v := value.(type) {
		case float64:
			field.SetFloat(v)
		case int64:
			field.SetFloat(float64(v))
		case int:
			field.SetFloat(float64(v))
		default:
			return fmt.Errorf("cannot assign %T to float field", value)
		}

	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			field.SetBool(v)
		case int64:
			field.SetBool(v != 0)
		default:
			return fmt.Errorf("cannot assign %T to bool field", value)
		}

	case reflect.Struct:
		if field.Type() != timeType {
			return fmt.Errorf("unsupported struct type: %s", field.Type())
		}
		switch v := value.(type) {
		case time.Time:
			field.Set(reflect.ValueOf(v))
		case int64:
			field.Set(reflect.ValueOf(time.UnixMilli(v).UTC()))
		default:
			return fmt.Errorf("cannot assign %T to time.Time field", value)
		}

	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}
	return nil
}

// scanNullString converts a nullable TEXT column into a *string.
func scanNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
