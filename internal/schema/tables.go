package schema

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/fieldsync/internal/types"
)

// Syncable tables.
const (
	Objects   types.TableName = "objects"
	Visits    types.TableName = "visits"
	Customers types.TableName = "customers"
	Units     types.TableName = "units"
)

var (
	objectTypes    = []string{"MKD", "HOTEL", "CAFE", "SCHOOL", "HOSPITAL", "BUSINESS_CENTER", "SHOPPING_CENTER", "OTHER"}
	objectStatuses = []string{"NEW", "INTEREST", "CALLBACK", "REJECTED", "DONE"}
	visitStatuses  = []string{"PLANNED", "IN_PROGRESS", "DONE", "CANCELLED"}
)

// Registry resolves table names to their schemas.
type Registry struct {
	tables map[types.TableName]*Table
}

// NewRegistry builds a registry from the provided tables.
func NewRegistry(tables ...*Table) *Registry {
	r := &Registry{tables: make(map[types.TableName]*Table, len(tables))}
	for _, t := range tables {
		r.tables[t.Name] = t
	}
	return r
}

// Default returns the registry of field-service entities.
func Default() *Registry {
	return NewRegistry(ObjectsTable(), VisitsTable(), CustomersTable(), UnitsTable())
}

// Table returns the schema for name or ErrUnknownTable.
func (r *Registry) Table(name types.TableName) (*Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Names returns the registered table names in sorted order.
func (r *Registry) Names() []types.TableName {
	names := make([]types.TableName, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ObjectsTable describes physical sites.
func ObjectsTable() *Table {
	return NewTable(Objects, true,
		Field{Name: "type", Kind: KindEnum, Enum: objectTypes, Required: true},
		Field{Name: "address", Kind: KindString, Required: true, Check: maxLen(500)},
		Field{Name: "city_id", Kind: KindUUID, Required: true},
		Field{Name: "district_id", Kind: KindUUID},
		Field{Name: "gps_lat", Kind: KindFloat, Check: floatRange(-90, 90)},
		Field{Name: "gps_lng", Kind: KindFloat, Check: floatRange(-180, 180)},
		Field{Name: "status", Kind: KindEnum, Enum: objectStatuses, Default: "NEW"},
		Field{Name: "tags", Kind: KindStringList, Default: []string{}},
		Field{Name: "responsible_user_id", Kind: KindUUID},
		Field{Name: "contact_name", Kind: KindString, Check: maxLen(255)},
		Field{Name: "contact_phone", Kind: KindString, Check: maxLen(32)},
		Field{Name: "visits_count", Kind: KindInt, Default: int64(0)},
		Field{Name: "last_visit_at", Kind: KindTime},
		Field{Name: "created_by", Kind: KindUUID, Required: true},
		Field{Name: "updated_by", Kind: KindUUID},
	)
}

// VisitsTable describes field-engineer visits.
func VisitsTable() *Table {
	return NewTable(Visits, true,
		Field{Name: "object_id", Kind: KindUUID, Required: true},
		Field{Name: "unit_id", Kind: KindUUID},
		Field{Name: "customer_id", Kind: KindUUID},
		Field{Name: "scheduled_at", Kind: KindTime},
		Field{Name: "started_at", Kind: KindTime},
		Field{Name: "finished_at", Kind: KindTime},
		Field{Name: "engineer_id", Kind: KindUUID, Required: true},
		Field{Name: "status", Kind: KindEnum, Enum: visitStatuses, Default: "PLANNED"},
		Field{Name: "interests", Kind: KindStringList, Default: []string{}},
		Field{Name: "outcome_text", Kind: KindString},
		Field{Name: "next_action_due_at", Kind: KindTime},
		Field{Name: "geo_captured_lat", Kind: KindFloat, Check: floatRange(-90, 90)},
		Field{Name: "geo_captured_lng", Kind: KindFloat, Check: floatRange(-180, 180)},
	)
}

// CustomersTable describes customer contacts at a site.
func CustomersTable() *Table {
	return NewTable(Customers, true,
		Field{Name: "object_id", Kind: KindUUID, Required: true},
		Field{Name: "unit_id", Kind: KindUUID},
		Field{Name: "full_name", Kind: KindString, Check: maxLen(255)},
		Field{Name: "phone", Kind: KindString, Check: maxLen(20)},
		Field{Name: "portrait_text", Kind: KindString},
		Field{Name: "current_provider", Kind: KindString, Check: maxLen(255)},
		Field{Name: "provider_rating", Kind: KindInt, Check: intRange(1, 5)},
		Field{Name: "satisfied", Kind: KindBool},
		Field{Name: "interests", Kind: KindStringList, Default: []string{}},
		Field{Name: "preferred_call_time", Kind: KindString, Check: clockTime},
		Field{Name: "desired_price", Kind: KindString, Check: maxLen(50)},
		Field{Name: "notes", Kind: KindString},
		Field{Name: "gdpr_consent", Kind: KindBool, Default: false},
		Field{Name: "last_interaction_at", Kind: KindTime},
	)
}

// UnitsTable describes apartments or premises inside an object. Units do not
// carry a version, so every write to them is last-write-wins.
func UnitsTable() *Table {
	return NewTable(Units, false,
		Field{Name: "object_id", Kind: KindUUID, Required: true},
		Field{Name: "unit_number", Kind: KindString, Required: true, Check: maxLen(50)},
		Field{Name: "floor", Kind: KindInt},
		Field{Name: "entrance", Kind: KindInt},
		Field{Name: "attributes", Kind: KindJSON},
	)
}

func maxLen(n int) func(any) error {
	return func(v any) error {
		if s, ok := v.(string); ok && len([]rune(s)) > n {
			return fmt.Errorf("must be at most %d characters", n)
		}
		return nil
	}
}

func intRange(lo, hi int64) func(any) error {
	return func(v any) error {
		if n, ok := v.(int64); ok && (n < lo || n > hi) {
			return fmt.Errorf("must be between %d and %d", lo, hi)
		}
		return nil
	}
}

func floatRange(lo, hi float64) func(any) error {
	return func(v any) error {
		if f, ok := v.(float64); ok && (f < lo || f > hi) {
			return fmt.Errorf("must be between %g and %g", lo, hi)
		}
		return nil
	}
}

func clockTime(v any) error {
	s, _ := v.(string)
	if _, err := time.Parse("15:04", s); err != nil {
		return errors.New("must be HH:MM")
	}
	return nil
}
