package upsert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/audit"
	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/storage/memory"
	"github.com/example/fieldsync/internal/types"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newEngine(t *testing.T, store storage.Store, opts ...Option) *Engine {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(store, schema.Default(), opts...)
}

func version(v int64) *int64 { return &v }

func objectPayload(address string) map[string]any {
	return map[string]any{
		"type":       "CAFE",
		"address":    address,
		"city_id":    "6f1c2d6e-9a53-4d0e-9b7a-5f3c1b2a9e11",
		"created_by": "0b7e8f5a-3c2d-4e1f-8a9b-1c2d3e4f5a6b",
	}
}

func apply(t *testing.T, e *Engine, force bool, items ...types.Item) BatchResult {
	t.Helper()
	out, err := e.ApplyBatch(context.Background(), Batch{Items: items, Force: force})
	require.NoError(t, err)
	require.Len(t, out.Results, len(items))
	return out
}

func TestIdempotentReplayUpdatesSameEntity(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	item := types.Item{ClientID: uuid.New(), Table: schema.Objects, Payload: objectPayload("Main st 1"), UpdatedAt: time.Now(), Version: version(1)}

	first := apply(t, e, false, item).Results[0]
	require.Equal(t, types.StatusCreated, first.Status, first.Err)
	assert.Equal(t, int64(1), first.ServerVersion)

	second := apply(t, e, false, item).Results[0]
	require.Equal(t, types.StatusUpdated, second.Status, second.Err)
	assert.Equal(t, first.ServerID, second.ServerID)
	assert.Equal(t, int64(2), second.ServerVersion)

	tokens, err := store.Tokens(context.Background(), uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, first.ServerID, tokens[0].ServerID)
	assert.Equal(t, types.TokenStatusSynced, tokens[0].Status)
	assert.NotEmpty(t, tokens[0].Checksum)
}

func TestVersionIncrementsOncePerUpdate(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()

	created := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("a")}).Results[0]
	require.Equal(t, types.StatusCreated, created.Status, created.Err)

	for i := int64(1); i <= 5; i++ {
		res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"contact_name": "n"}, Version: version(i)}).Results[0]
		require.Equal(t, types.StatusUpdated, res.Status, res.Err)
		assert.Equal(t, i+1, res.ServerVersion)
	}

	rec, ok := store.Entity(schema.Objects, created.ServerID)
	require.True(t, ok)
	assert.Equal(t, int64(6), rec.Version)
}

// seedAtVersion creates an object through the engine and bumps it to the
// requested version.
func seedAtVersion(t *testing.T, e *Engine, clientID types.ClientID, v int64) types.EntityID {
	t.Helper()
	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("server address")}).Results[0]
	require.Equal(t, types.StatusCreated, res.Status, res.Err)
	for i := int64(1); i < v; i++ {
		up := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"contact_name": "server"}}).Results[0]
		require.Equal(t, types.StatusUpdated, up.Status, up.Err)
	}
	return res.ServerID
}

func TestStaleVersionConflictLeavesEntityUntouched(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	id := seedAtVersion(t, e, clientID, 3)
	before, _ := store.Entity(schema.Objects, id)

	payload := map[string]any{"address": "client address", "contact_name": "server", "status": "DONE"}
	out := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: payload, Version: version(2)})
	res := out.Results[0]

	require.Equal(t, types.StatusConflict, res.Status)
	assert.Equal(t, 1, out.ConflictsCount)
	assert.Equal(t, id, res.ServerID)
	assert.Equal(t, int64(3), res.ServerVersion)

	c := res.Conflict
	require.NotNil(t, c)
	assert.Equal(t, int64(2), c.ExpectedVersion)
	assert.Equal(t, int64(3), c.CurrentVersion)
	assert.Equal(t, payload, c.ClientData)
	assert.Equal(t, "server address", c.ServerData["address"])
	assert.Equal(t, int64(3), c.ServerData["version"])
	assert.Equal(t, HintCode, c.Hints.Code)
	assert.Equal(t, HintStrategy, c.Hints.Strategy)
	assert.Equal(t, HintMessage, c.Hints.Message)

	assert.Equal(t, types.FieldDiff{Server: "server address", Client: "client address"}, c.Diff["address"])
	assert.Equal(t, types.FieldDiff{Server: "NEW", Client: "DONE"}, c.Diff["status"])
	assert.NotContains(t, c.Diff, "contact_name")
	// Server fields the client did not send are reported with a nil client value.
	assert.Equal(t, types.FieldDiff{Server: "CAFE", Client: nil}, c.Diff["type"])
	assert.Equal(t, types.FieldDiff{Server: int64(3), Client: nil}, c.Diff["version"])
	assert.Equal(t, types.FieldDiff{Server: id.String(), Client: nil}, c.Diff["id"])
	assert.Contains(t, c.Diff, "created_at")
	assert.Contains(t, c.Diff, "updated_at")

	after, _ := store.Entity(schema.Objects, id)
	assert.Equal(t, before, after)
}

func TestForceOverwritesStaleVersion(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	id := seedAtVersion(t, e, clientID, 3)

	res := apply(t, e, true, types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "forced"}, Version: version(2)}).Results[0]
	require.Equal(t, types.StatusUpdated, res.Status, res.Err)
	assert.Equal(t, int64(4), res.ServerVersion)

	rec, _ := store.Entity(schema.Objects, id)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, "forced", rec.Fields["address"])
}

func TestMissingVersionIsLastWriteWins(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	id := seedAtVersion(t, e, clientID, 4)

	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "lww"}}).Results[0]
	require.Equal(t, types.StatusUpdated, res.Status, res.Err)
	assert.Equal(t, int64(5), res.ServerVersion)

	rec, _ := store.Entity(schema.Objects, id)
	assert.Equal(t, "lww", rec.Fields["address"])
}

func TestConcreteScenarioUpdateThenConflict(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	id := seedAtVersion(t, e, clientID, 1)

	item := types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "X"}, Version: version(1)}
	res := apply(t, e, false, item).Results[0]
	require.Equal(t, types.StatusUpdated, res.Status, res.Err)
	assert.Equal(t, int64(2), res.ServerVersion)

	rec, _ := store.Entity(schema.Objects, id)
	assert.Equal(t, int64(2), rec.Version)

	res = apply(t, e, false, item).Results[0]
	assert.Equal(t, types.StatusConflict, res.Status)
}

func TestBatchIsolatesFailingItems(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)

	out := apply(t, e, false,
		types.Item{ClientID: uuid.New(), Table: schema.Objects, Payload: objectPayload("one")},
		types.Item{ClientID: uuid.New(), Table: "planets", Payload: map[string]any{"name": "x"}},
		types.Item{ClientID: uuid.New(), Table: schema.Objects, Payload: objectPayload("three")},
	)

	assert.Equal(t, types.StatusCreated, out.Results[0].Status)
	assert.Equal(t, types.StatusError, out.Results[1].Status)
	assert.ErrorIs(t, out.Results[1].Err, schema.ErrUnknownTable)
	assert.Equal(t, types.StatusCreated, out.Results[2].Status)
	assert.Equal(t, 1, out.ErrorsCount)
	assert.Equal(t, 0, out.ConflictsCount)
}

func TestValidationErrorWritesNothing(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()

	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "no type"}}).Results[0]
	require.Equal(t, types.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, schema.ErrValidation)

	var verr *schema.ValidationError
	require.True(t, errors.As(res.Err, &verr))
	assert.Contains(t, verr.Fields, "type")

	tokens, err := store.Tokens(context.Background(), uuid.Nil, 10)
	require.NoError(t, err)
	assert.Empty(t, tokens)
	assert.Empty(t, store.Audits())
}

func TestVanishedEntityIsRecreatedUnderSameID(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	id := seedAtVersion(t, e, clientID, 3)
	store.Delete(schema.Objects, id)

	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("rebuilt"), Version: version(3)}).Results[0]
	require.Equal(t, types.StatusCreated, res.Status, res.Err)
	assert.Equal(t, id, res.ServerID)
	assert.Equal(t, int64(1), res.ServerVersion)

	rec, ok := store.Entity(schema.Objects, id)
	require.True(t, ok)
	assert.Equal(t, "rebuilt", rec.Fields["address"])
}

func TestClientIDBoundToOtherTable(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	seedAtVersion(t, e, clientID, 1)

	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Customers, Payload: map[string]any{"object_id": uuid.NewString()}}).Results[0]
	require.Equal(t, types.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, ErrTableMismatch)
	assert.ErrorIs(t, res.Err, schema.ErrValidation)
}

func TestUnversionedTableNeverConflicts(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	objectID := uuid.NewString()

	created := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Units, Payload: map[string]any{"object_id": objectID, "unit_number": "12"}}).Results[0]
	require.Equal(t, types.StatusCreated, created.Status, created.Err)

	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Units, Payload: map[string]any{"floor": 3}, Version: version(9)}).Results[0]
	require.Equal(t, types.StatusUpdated, res.Status, res.Err)
	assert.Equal(t, int64(1), res.ServerVersion)

	rec, _ := store.Entity(schema.Units, created.ServerID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, int64(3), rec.Fields["floor"])
}

func TestAuditTrailRecordsOutcomes(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	actor := uuid.New()
	clientID := uuid.New()

	_, err := e.ApplyBatch(context.Background(), Batch{Actor: &actor, Items: []types.Item{
		{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("a")},
	}})
	require.NoError(t, err)
	_, err = e.ApplyBatch(context.Background(), Batch{Actor: &actor, Items: []types.Item{
		{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "b"}, Version: version(1)},
		{ClientID: uuid.New(), Table: schema.Objects, Payload: map[string]any{"address": "invalid"}},
	}})
	require.NoError(t, err)
	_, err = e.ApplyBatch(context.Background(), Batch{Items: []types.Item{
		{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "c"}, Version: version(1)},
	}})
	require.NoError(t, err)

	entries := store.Audits()
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, &actor, entries[0].Actor)
	assert.Nil(t, entries[0].Before)

	assert.Equal(t, audit.ActionUpdate, entries[1].Action)
	assert.Equal(t, "a", entries[1].Before["address"])
	assert.Equal(t, "b", entries[1].After["address"])

	assert.Equal(t, audit.ActionConflict, entries[2].Action)
	assert.Nil(t, entries[2].Actor)
	assert.Equal(t, "b", entries[2].Before["address"])
	assert.Equal(t, "c", entries[2].After["address"])
}

type recordingNotifier struct {
	notices []types.ChangeNotice
}

func (n *recordingNotifier) Publish(_ context.Context, notices []types.ChangeNotice) error {
	n.notices = append(n.notices, notices...)
	return nil
}

func TestNotifierReceivesCommittedChanges(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	e := newEngine(t, store, WithNotifier(notifier))
	clientID := uuid.New()

	out := apply(t, e, false,
		types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("a")},
		types.Item{ClientID: uuid.New(), Table: "nope", Payload: map[string]any{}},
	)

	require.Len(t, notifier.notices, 1)
	notice := notifier.notices[0]
	assert.Equal(t, schema.Objects, notice.Table)
	assert.Equal(t, out.Results[0].ServerID, notice.ID)
	assert.Equal(t, int64(1), notice.Version)
}

func TestTokenCacheServesRepeatSubmissions(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, WithTokenCache(16))
	clientID := uuid.New()

	created := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("a")}).Results[0]
	require.Equal(t, types.StatusCreated, created.Status, created.Err)

	cached, ok := e.tokens.Get(clientID)
	require.True(t, ok)
	assert.Equal(t, created.ServerID, cached.ServerID)

	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: map[string]any{"address": "b"}, Version: version(1)}).Results[0]
	require.Equal(t, types.StatusUpdated, res.Status, res.Err)
	assert.Equal(t, created.ServerID, res.ServerID)
}

var errTransient = errors.New("serialization failure")

// flakyStore fails the first n commits with errTransient.
type flakyStore struct {
	*memory.Store
	failures int
}

func (s *flakyStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, store: s}, nil
}

type flakyTx struct {
	storage.Tx
	store *flakyStore
}

func (t *flakyTx) Commit(ctx context.Context) error {
	if t.store.failures > 0 {
		t.store.failures--
		_ = t.Tx.Rollback(ctx)
		return errTransient
	}
	return t.Tx.Commit(ctx)
}

func TestBatchRetriesTransientCommitFailure(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 2}
	e := newEngine(t, store, WithRetry(3, time.Millisecond, func(err error) bool { return errors.Is(err, errTransient) }))

	res := apply(t, e, false, types.Item{ClientID: uuid.New(), Table: schema.Objects, Payload: objectPayload("a")}).Results[0]
	require.Equal(t, types.StatusCreated, res.Status, res.Err)

	_, ok := store.Entity(schema.Objects, res.ServerID)
	assert.True(t, ok)
	assert.Len(t, store.Audits(), 1)
}

func TestBatchGivesUpOnPermanentFailure(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 1}
	e := newEngine(t, store)

	_, err := e.ApplyBatch(context.Background(), Batch{Items: []types.Item{
		{ClientID: uuid.New(), Table: schema.Objects, Payload: objectPayload("a")},
	}})
	require.ErrorIs(t, err, errTransient)

	tokens, err := store.Tokens(context.Background(), uuid.Nil, 10)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestCancelledContextStillCompletesBatch(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := e.ApplyBatch(ctx, Batch{Items: []types.Item{
		{ClientID: uuid.New(), Table: schema.Objects, Payload: objectPayload("a")},
	}})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, out.Results[0].Status)
}

// racedStore hides a client id from the next token lookup, as if another
// batch bound it between our lookup and our insert.
type racedStore struct {
	*memory.Store
	mu     sync.Mutex
	hidden map[types.ClientID]bool
}

func (s *racedStore) hide(clientID types.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[clientID] = true
}

func (s *racedStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &racedTx{Tx: tx, store: s}, nil
}

type racedTx struct {
	storage.Tx
	store *racedStore
}

func (t *racedTx) Begin(ctx context.Context) (storage.Tx, error) {
	sp, err := t.Tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &racedTx{Tx: sp, store: t.store}, nil
}

func (t *racedTx) TokenByClientID(ctx context.Context, clientID types.ClientID) (types.SyncToken, error) {
	t.store.mu.Lock()
	hidden := t.store.hidden[clientID]
	delete(t.store.hidden, clientID)
	t.store.mu.Unlock()
	if hidden {
		return types.SyncToken{}, storage.ErrNotFound
	}
	return t.Tx.TokenByClientID(ctx, clientID)
}

func TestLostCreateRaceAppliesAsUpdate(t *testing.T) {
	store := &racedStore{Store: memory.New(), hidden: make(map[types.ClientID]bool)}
	e := newEngine(t, store)
	clientID := uuid.New()

	first := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("first")}).Results[0]
	require.Equal(t, types.StatusCreated, first.Status, first.Err)

	store.hide(clientID)
	res := apply(t, e, false, types.Item{ClientID: clientID, Table: schema.Objects, Payload: objectPayload("second")}).Results[0]
	require.Equal(t, types.StatusUpdated, res.Status, res.Err)
	assert.Equal(t, first.ServerID, res.ServerID)
	assert.Equal(t, int64(2), res.ServerVersion)

	tokens, err := store.Tokens(context.Background(), uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, first.ServerID, tokens[0].ServerID)

	rec, ok := store.Entity(schema.Objects, first.ServerID)
	require.True(t, ok)
	assert.Equal(t, "second", rec.Fields["address"])

	entries := store.Audits()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionUpdate, entries[1].Action)
	assert.Equal(t, first.ServerID, entries[1].EntityID)
}

func TestConcurrentSameVersionWritersConflict(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store)
	clientID := uuid.New()
	id := seedAtVersion(t, e, clientID, 1)

	const writers = 20
	results := make([]types.Result, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.ApplyBatch(context.Background(), Batch{Items: []types.Item{{
				ClientID: clientID,
				Table:    schema.Objects,
				Payload:  map[string]any{"address": fmt.Sprintf("writer %d", i)},
				Version:  version(1),
			}}})
			errs[i] = err
			if err == nil {
				results[i] = out.Results[0]
			}
		}()
	}
	wg.Wait()

	counts := make(map[types.Status]int)
	for i := range writers {
		require.NoError(t, errs[i])
		counts[results[i].Status]++
	}
	assert.Equal(t, 1, counts[types.StatusUpdated])
	assert.Equal(t, writers-1, counts[types.StatusConflict])

	rec, ok := store.Entity(schema.Objects, id)
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
}

func TestComputeDiff(t *testing.T) {
	diff := ComputeDiff(
		map[string]any{"a": "1", "b": int64(2), "c": []string{"x"}},
		map[string]any{"a": "1", "b": int64(3), "d": true},
	)
	assert.Equal(t, types.Diff{
		"b": {Server: int64(2), Client: int64(3)},
		"c": {Server: []string{"x"}, Client: nil},
		"d": {Server: nil, Client: true},
	}, diff)
}

func TestChecksumIsStable(t *testing.T) {
	a := Checksum(map[string]any{"x": 1, "y": "z"})
	b := Checksum(map[string]any{"y": "z", "x": 1})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Checksum(map[string]any{"x": 2, "y": "z"}))
}
