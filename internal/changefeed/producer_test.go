package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage/memory"
	"github.com/example/fieldsync/internal/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(store *memory.Store, table types.TableName, at time.Time, v int64) types.Record {
	rec := types.Record{
		ID:        uuid.New(),
		Table:     table,
		Version:   v,
		Fields:    types.Fields{},
		CreatedAt: t0.Add(-time.Hour),
		UpdatedAt: at,
	}
	store.Seed(rec)
	return rec
}

func newProducer(store *memory.Store) *Producer {
	return NewProducer(store, schema.Default(), zerolog.Nop())
}

func ids(page Page) []types.EntityID {
	out := make([]types.EntityID, 0, len(page.Items))
	for _, item := range page.Items {
		out = append(out, item.ID)
	}
	return out
}

func TestChangesReturnsRowsInTimestampOrder(t *testing.T) {
	store := memory.New()
	t1, t2 := t0, t0.Add(time.Minute)
	b := seed(store, schema.Visits, t2, 2)
	a := seed(store, schema.Objects, t1, 1)

	page, err := newProducer(store).Changes(context.Background(), Request{
		Tables: []types.TableName{schema.Objects, schema.Visits},
		Since:  t1,
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EntityID{a.ID, b.ID}, ids(page))
	assert.False(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, t2, *page.NextCursor)

	page, err = newProducer(store).Changes(context.Background(), Request{
		Tables: []types.TableName{schema.Objects, schema.Visits},
		Since:  t1.Add(30 * time.Second),
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EntityID{b.ID}, ids(page))
}

func TestChangesItemShape(t *testing.T) {
	store := memory.New()
	created := seed(store, schema.Objects, t0, 1)
	updated := seed(store, schema.Customers, t0.Add(time.Second), 4)

	page, err := newProducer(store).Changes(context.Background(), Request{
		Tables: []types.TableName{schema.Objects, schema.Customers},
		Since:  t0,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	first := page.Items[0]
	assert.Equal(t, created.ID, first.ID)
	assert.Equal(t, schema.Objects, first.Table)
	assert.Equal(t, types.ActionCreate, first.Action)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, created.ID.String(), first.Data["id"])

	second := page.Items[1]
	assert.Equal(t, updated.ID, second.ID)
	assert.Equal(t, types.ActionUpdate, second.Action)
	assert.Equal(t, int64(4), second.Data["version"])
}

func TestUnversionedActionFollowsTimestamps(t *testing.T) {
	store := memory.New()
	fresh := types.Record{ID: uuid.New(), Table: schema.Units, Version: 1, Fields: types.Fields{}, CreatedAt: t0, UpdatedAt: t0}
	store.Seed(fresh)
	edited := seed(store, schema.Units, t0.Add(time.Second), 1)

	page, err := newProducer(store).Changes(context.Background(), Request{Tables: []types.TableName{schema.Units}, Since: t0})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, fresh.ID, page.Items[0].ID)
	assert.Equal(t, types.ActionCreate, page.Items[0].Action)
	assert.Equal(t, edited.ID, page.Items[1].ID)
	assert.Equal(t, types.ActionUpdate, page.Items[1].Action)
	assert.NotContains(t, page.Items[1].Data, "version")
}

func TestChangesTruncatesAcrossTables(t *testing.T) {
	store := memory.New()
	for i := 0; i < 3; i++ {
		seed(store, schema.Objects, t0.Add(time.Duration(2*i)*time.Second), 1)
		seed(store, schema.Visits, t0.Add(time.Duration(2*i+1)*time.Second), 1)
	}

	page, err := newProducer(store).Changes(context.Background(), Request{
		Tables: []types.TableName{schema.Objects, schema.Visits},
		Since:  t0,
		Limit:  4,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 4)
	assert.True(t, page.HasMore)
	for i := 1; i < len(page.Items); i++ {
		assert.True(t, page.Items[i-1].UpdatedAt.Before(page.Items[i].UpdatedAt))
	}
	assert.Equal(t, t0.Add(3*time.Second), *page.NextCursor)
}

func TestCursorPaginationNeitherSkipsNorDuplicates(t *testing.T) {
	store := memory.New()
	want := make(map[types.EntityID]bool)
	// Seven rows share one timestamp across two tables.
	for i := 0; i < 4; i++ {
		want[seed(store, schema.Objects, t0, 1).ID] = true
	}
	for i := 0; i < 3; i++ {
		want[seed(store, schema.Visits, t0, 1).ID] = true
	}
	want[seed(store, schema.Visits, t0.Add(time.Second), 1).ID] = true

	producer := newProducer(store)
	req := Request{Tables: []types.TableName{schema.Visits, schema.Objects}, Since: t0, Limit: 3}
	got := make(map[types.EntityID]int)
	for pages := 0; pages < 10; pages++ {
		page, err := producer.Changes(context.Background(), req)
		require.NoError(t, err)
		for _, item := range page.Items {
			got[item.ID]++
		}
		if !page.HasMore {
			break
		}
		cursor, err := DecodeCursor(page.NextToken)
		require.NoError(t, err)
		req.After = &cursor
	}

	require.Len(t, got, len(want))
	for id, n := range got {
		assert.True(t, want[id])
		assert.Equal(t, 1, n, "row %s served more than once", id)
	}
}

func TestFutureSinceIsEmpty(t *testing.T) {
	store := memory.New()
	seed(store, schema.Objects, t0, 1)

	page, err := newProducer(store).Changes(context.Background(), Request{Since: t0.Add(24 * time.Hour), Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
	assert.Empty(t, page.NextToken)
}

func TestChangesRejectsBadRequests(t *testing.T) {
	producer := newProducer(memory.New())

	_, err := producer.Changes(context.Background(), Request{Tables: []types.TableName{"planets"}})
	assert.ErrorIs(t, err, schema.ErrUnknownTable)

	_, err = producer.Changes(context.Background(), Request{Limit: MaxLimit + 1})
	assert.ErrorIs(t, err, schema.ErrValidation)

	_, err = producer.Changes(context.Background(), Request{Limit: -1})
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{UpdatedAt: t0.Add(123456 * time.Nanosecond), Table: schema.Visits, ID: uuid.New()}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = DecodeCursor("not a cursor")
	assert.ErrorIs(t, err, ErrInvalidCursor)
	assert.ErrorIs(t, err, schema.ErrValidation)
}
