package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/fieldsync/internal/types"
)

var (
	// ErrUnknownTable is returned for table names that are not registered.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownField is returned for columns a table does not declare.
	ErrUnknownField = errors.New("unknown field")
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")
)

// Columns managed by the store. Payload keys with these names are ignored.
const (
	ColumnID        = "id"
	ColumnVersion   = "version"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

// Kind is the storage type of a field.
type Kind int

const (
	KindString Kind = iota
	KindEnum
	KindUUID
	KindInt
	KindFloat
	KindBool
	KindTime
	KindStringList
	KindJSON
)

// Field describes one column of a syncable table.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Default  any
	Enum     []string
	Check    func(v any) error
}

// Table is the schema of a syncable entity table.
type Table struct {
	Name      types.TableName
	Versioned bool
	Fields    []Field

	index map[string]int
}

// NewTable builds a table schema and indexes its fields.
func NewTable(name types.TableName, versioned bool, fields ...Field) *Table {
	t := &Table{Name: name, Versioned: versioned, Fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		t.index[f.Name] = i
	}
	return t
}

// Field returns the field definition for the column name.
func (t *Table) Field(name string) (Field, bool) {
	i, ok := t.index[name]
	if !ok {
		return Field{}, false
	}
	return t.Fields[i], true
}

// Columns returns the payload column names in declaration order.
func (t *Table) Columns() []string {
	cols := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Mode selects how a payload is validated.
type Mode int

const (
	// ModeCreate requires every required field and fills defaults.
	ModeCreate Mode = iota
	// ModeUpdate validates only the keys present in the payload.
	ModeUpdate
)

// ValidationError lists the offending fields of a payload.
type ValidationError struct {
	Table  types.TableName
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Table, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Normalize validates a client payload and converts every value to its
// canonical Go representation. Unknown keys are rejected; store-managed keys
// are dropped.
func (t *Table) Normalize(payload map[string]any, mode Mode) (types.Fields, error) {
	out := make(types.Fields, len(payload))
	problems := make(map[string]string)

	for key, raw := range payload {
		if isManaged(key) {
			continue
		}
		field, ok := t.Field(key)
		if !ok {
			problems[key] = "unknown field"
			continue
		}
		v, err := field.coerce(raw)
		if err != nil {
			problems[key] = err.Error()
			continue
		}
		if v == nil && field.Required {
			problems[key] = "must not be null"
			continue
		}
		if v != nil && field.Check != nil {
			if err := field.Check(v); err != nil {
				problems[key] = err.Error()
				continue
			}
		}
		out[key] = v
	}

	if mode == ModeCreate {
		for _, field := range t.Fields {
			if _, ok := out[field.Name]; ok {
				continue
			}
			if _, bad := problems[field.Name]; bad {
				continue
			}
			if field.Required {
				problems[field.Name] = "required"
				continue
			}
			out[field.Name] = cloneDefault(field.Default)
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Table: t.Name, Fields: problems}
	}
	return out, nil
}

// Canonical converts a value read from storage into its canonical form.
func (t *Table) Canonical(name string, raw any) (any, error) {
	field, ok := t.Field(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", t.Name, name, ErrUnknownField)
	}
	return field.coerce(raw)
}

// Wire serializes a record into the flat map sent to clients: identifiers
// are stringified and timestamps are RFC 3339 strings.
func (t *Table) Wire(rec types.Record) map[string]any {
	out := t.WireFields(rec.Fields)
	out[ColumnID] = rec.ID.String()
	if t.Versioned {
		out[ColumnVersion] = rec.Version
	}
	out[ColumnCreatedAt] = formatTime(rec.CreatedAt)
	out[ColumnUpdatedAt] = formatTime(rec.UpdatedAt)
	return out
}

// WireFields serializes canonical field values without the managed columns.
func (t *Table) WireFields(fields types.Fields) map[string]any {
	out := make(map[string]any, len(fields)+4)
	for name, v := range fields {
		out[name] = wireValue(v)
	}
	return out
}

func isManaged(key string) bool {
	switch key {
	case ColumnID, ColumnVersion, ColumnCreatedAt, ColumnUpdatedAt:
		return true
	}
	return false
}

func (f Field) coerce(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch f.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.New("expected string")
		}
		return s, nil
	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.New("expected string")
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("must be one of %s", strings.Join(f.Enum, ", "))
	case KindUUID:
		return coerceUUID(raw)
	case KindInt:
		return coerceInt(raw)
	case KindFloat:
		return coerceFloat(raw)
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, errors.New("expected boolean")
		}
		return b, nil
	case KindTime:
		return coerceTime(raw)
	case KindStringList:
		return coerceStringList(raw)
	case KindJSON:
		return coerceObject(raw)
	}
	return nil, fmt.Errorf("unsupported kind %d", f.Kind)
}

func coerceUUID(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, errors.New("expected uuid")
		}
		return id.String(), nil
	case uuid.UUID:
		return v.String(), nil
	case [16]byte:
		return uuid.UUID(v).String(), nil
	}
	return nil, errors.New("expected uuid")
}

func coerceInt(raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, errors.New("expected integer")
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, errors.New("expected integer")
		}
		return n, nil
	}
	return nil, errors.New("expected integer")
}

func coerceFloat(raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return nil, errors.New("expected number")
		}
		return n, nil
	}
	return nil, errors.New("expected number")
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"}

func coerceTime(raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC(), nil
			}
		}
	}
	return nil, errors.New("expected RFC 3339 timestamp")
}

func coerceStringList(raw any) (any, error) {
	switch v := raw.(type) {
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New("expected list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.New("expected list of strings")
}

func coerceObject(raw any) (any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, errors.New("expected object")
		}
		return out, nil
	}
	return nil, errors.New("expected object")
}

func cloneDefault(v any) any {
	switch d := v.(type) {
	case []string:
		return append([]string{}, d...)
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, val := range d {
			out[k] = val
		}
		return out
	}
	return v
}

func wireValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return formatTime(val)
	case []string:
		return append([]string{}, val...)
	}
	return v
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
