package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/types"
)

func TestNormalizeCreateFillsDefaultsAndRequiresFields(t *testing.T) {
	table := ObjectsTable()

	_, err := table.Normalize(map[string]any{"address": "X"}, ModeCreate)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "required", verr.Fields["type"])
	assert.Equal(t, "required", verr.Fields["city_id"])
	assert.Equal(t, "required", verr.Fields["created_by"])

	city := uuid.New()
	fields, err := table.Normalize(map[string]any{
		"type":       "MKD",
		"address":    "Main st. 1",
		"city_id":    city.String(),
		"created_by": uuid.NewString(),
	}, ModeCreate)
	require.NoError(t, err)
	assert.Equal(t, "NEW", fields["status"])
	assert.Equal(t, int64(0), fields["visits_count"])
	assert.Equal(t, []string{}, fields["tags"])
	assert.Nil(t, fields["district_id"])
	assert.Equal(t, city.String(), fields["city_id"])
}

func TestNormalizeUpdateRejectsUnknownAndIgnoresManagedKeys(t *testing.T) {
	table := ObjectsTable()

	fields, err := table.Normalize(map[string]any{"address": "Y", "version": 9, "id": "whatever"}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, types.Fields{"address": "Y"}, fields)

	_, err = table.Normalize(map[string]any{"adress": "typo"}, ModeUpdate)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "unknown field", verr.Fields["adress"])
}

func TestNormalizeCoercesJSONValues(t *testing.T) {
	table := CustomersTable()

	fields, err := table.Normalize(map[string]any{
		"provider_rating":     float64(4),
		"interests":           []any{"TV", "INTERNET"},
		"last_interaction_at": "2025-01-15T10:00:00+03:00",
		"preferred_call_time": "18:30",
	}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, int64(4), fields["provider_rating"])
	assert.Equal(t, []string{"TV", "INTERNET"}, fields["interests"])
	assert.Equal(t, time.Date(2025, 1, 15, 7, 0, 0, 0, time.UTC), fields["last_interaction_at"])

	_, err = table.Normalize(map[string]any{"provider_rating": float64(7)}, ModeUpdate)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = table.Normalize(map[string]any{"provider_rating": 2.5}, ModeUpdate)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = table.Normalize(map[string]any{"preferred_call_time": "late"}, ModeUpdate)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeRejectsNullForRequired(t *testing.T) {
	_, err := VisitsTable().Normalize(map[string]any{"engineer_id": nil}, ModeUpdate)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must not be null", verr.Fields["engineer_id"])
}

func TestEnumValidation(t *testing.T) {
	_, err := VisitsTable().Normalize(map[string]any{"status": "LOST"}, ModeUpdate)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWireFlattensRecord(t *testing.T) {
	table := VisitsTable()
	id := uuid.New()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	wire := table.Wire(types.Record{
		ID:      id,
		Version: 3,
		Fields: types.Fields{
			"scheduled_at": ts,
			"interests":    []string{"TV"},
			"outcome_text": nil,
		},
		CreatedAt: ts,
		UpdatedAt: ts.Add(time.Hour),
	})

	assert.Equal(t, id.String(), wire["id"])
	assert.Equal(t, int64(3), wire["version"])
	assert.Equal(t, "2025-03-01T12:00:00Z", wire["scheduled_at"])
	assert.Equal(t, "2025-03-01T13:00:00Z", wire["updated_at"])
	assert.Equal(t, []string{"TV"}, wire["interests"])
	assert.Nil(t, wire["outcome_text"])
}

func TestWireOmitsVersionForUnversionedTables(t *testing.T) {
	wire := UnitsTable().Wire(types.Record{ID: uuid.New(), Version: 1, Fields: types.Fields{}})
	_, ok := wire["version"]
	assert.False(t, ok)
}

func TestCanonicalAcceptsStorageForms(t *testing.T) {
	table := UnitsTable()
	id := uuid.New()

	v, err := table.Canonical("object_id", [16]byte(id))
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)

	v, err = table.Canonical("floor", int32(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = table.Canonical("nope", 1)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestRegistry(t *testing.T) {
	reg := Default()

	_, err := reg.Table("widgets")
	assert.ErrorIs(t, err, ErrUnknownTable)

	table, err := reg.Table(Objects)
	require.NoError(t, err)
	assert.True(t, table.Versioned)
	assert.Equal(t, []types.TableName{Customers, Objects, Units, Visits}, reg.Names())
}
