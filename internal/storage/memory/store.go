package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/fieldsync/internal/audit"
	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

// Store keeps entities, tokens and audit entries in maps. Only one
// transaction runs at a time, which makes every check-then-write sequence
// atomic.
type Store struct {
	sem chan struct{}

	tokens   map[types.ClientID]types.SyncToken
	entities map[types.TableName]map[types.EntityID]types.Record
	audits   []audit.Entry

	snapshots []storage.SnapshotRef
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sem:      make(chan struct{}, 1),
		tokens:   make(map[types.ClientID]types.SyncToken),
		entities: make(map[types.TableName]map[types.EntityID]types.Record),
	}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.sem }

// Begin implements storage.Store.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &tx{store: s}, nil
}

// Tokens implements storage.Store.
func (s *Store) Tokens(ctx context.Context, after types.ClientID, limit int) ([]types.SyncToken, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	out := make([]types.SyncToken, 0, len(s.tokens))
	for id, token := range s.tokens {
		if storage.CompareIDs(id, after) > 0 {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return storage.CompareIDs(out[i].ClientID, out[j].ClientID) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Entity returns a copy of a stored entity.
func (s *Store) Entity(table types.TableName, id types.EntityID) (types.Record, bool) {
	s.sem <- struct{}{}
	defer s.release()
	rec, ok := s.entities[table][id]
	return copyRecord(rec), ok
}

// Seed stores an entity directly, bypassing the sync path.
func (s *Store) Seed(rec types.Record) {
	s.sem <- struct{}{}
	defer s.release()
	s.rows(rec.Table)[rec.ID] = copyRecord(rec)
}

// Delete removes an entity the way a server-side hard delete would.
func (s *Store) Delete(table types.TableName, id types.EntityID) {
	s.sem <- struct{}{}
	defer s.release()
	delete(s.entities[table], id)
}

// Audits returns the recorded audit entries.
func (s *Store) Audits() []audit.Entry {
	s.sem <- struct{}{}
	defer s.release()
	return append([]audit.Entry(nil), s.audits...)
}

// LatestSnapshot implements storage.SnapshotStore.
func (s *Store) LatestSnapshot(ctx context.Context) (storage.SnapshotRef, error) {
	if err := s.acquire(ctx); err != nil {
		return storage.SnapshotRef{}, err
	}
	defer s.release()
	if len(s.snapshots) == 0 {
		return storage.SnapshotRef{}, storage.ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

// RecordSnapshot implements storage.SnapshotStore.
func (s *Store) RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.snapshots = append(s.snapshots, ref)
	return nil
}

// TokensSeenSince implements storage.SnapshotStore.
func (s *Store) TokensSeenSince(ctx context.Context, t time.Time) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	var n int64
	for _, token := range s.tokens {
		if token.LastSeenAt.After(t) {
			n++
		}
	}
	return n, nil
}

func (s *Store) rows(table types.TableName) map[types.EntityID]types.Record {
	rows, ok := s.entities[table]
	if !ok {
		rows = make(map[types.EntityID]types.Record)
		s.entities[table] = rows
	}
	return rows
}

// tx applies writes in place and remembers how to undo them.
type tx struct {
	store  *Store
	parent *tx
	undo   []func()
	done   bool
}

func (t *tx) Begin(context.Context) (storage.Tx, error) {
	if t.done {
		return nil, storage.ErrTxDone
	}
	return &tx{store: t.store, parent: t}, nil
}

func (t *tx) Commit(context.Context) error {
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	if t.parent != nil {
		t.parent.undo = append(t.parent.undo, t.undo...)
		return nil
	}
	t.undo = nil
	t.store.release()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	if t.parent == nil {
		t.store.release()
	}
	return nil
}

func (t *tx) check() error {
	if t.done {
		return storage.ErrTxDone
	}
	return nil
}

func (t *tx) TokenByClientID(_ context.Context, clientID types.ClientID) (types.SyncToken, error) {
	if err := t.check(); err != nil {
		return types.SyncToken{}, err
	}
	token, ok := t.store.tokens[clientID]
	if !ok {
		return types.SyncToken{}, storage.ErrNotFound
	}
	return token, nil
}

func (t *tx) PutToken(_ context.Context, token types.SyncToken) error {
	if err := t.check(); err != nil {
		return err
	}
	prev, existed := t.store.tokens[token.ClientID]
	if existed {
		if prev.ServerID != token.ServerID || prev.Table != token.Table {
			return storage.ErrTokenExists
		}
		token.CreatedAt = prev.CreatedAt
	}
	t.store.tokens[token.ClientID] = token
	t.undo = append(t.undo, func() {
		if existed {
			t.store.tokens[token.ClientID] = prev
		} else {
			delete(t.store.tokens, token.ClientID)
		}
	})
	return nil
}

func (t *tx) TouchToken(_ context.Context, clientID types.ClientID, checksum string, seenAt time.Time) error {
	if err := t.check(); err != nil {
		return err
	}
	prev, ok := t.store.tokens[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	next := prev
	next.Checksum = checksum
	next.Status = types.TokenStatusSynced
	next.LastSeenAt = seenAt
	t.store.tokens[clientID] = next
	t.undo = append(t.undo, func() { t.store.tokens[clientID] = prev })
	return nil
}

func (t *tx) LockEntity(_ context.Context, table *schema.Table, id types.EntityID) (types.Record, error) {
	if err := t.check(); err != nil {
		return types.Record{}, err
	}
	rec, ok := t.store.entities[table.Name][id]
	if !ok {
		return types.Record{}, storage.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (t *tx) InsertEntity(_ context.Context, table *schema.Table, rec types.Record) error {
	if err := t.check(); err != nil {
		return err
	}
	rows := t.store.rows(table.Name)
	if _, exists := rows[rec.ID]; exists {
		return fmt.Errorf("insert %s %s: duplicate id", table.Name, rec.ID)
	}
	rec.Table = table.Name
	rows[rec.ID] = copyRecord(rec)
	t.undo = append(t.undo, func() { delete(rows, rec.ID) })
	return nil
}

func (t *tx) UpdateEntity(_ context.Context, table *schema.Table, id types.EntityID, fields types.Fields, expected, next int64, at time.Time) error {
	if err := t.check(); err != nil {
		return err
	}
	rows := t.store.rows(table.Name)
	prev, ok := rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	if table.Versioned && prev.Version != expected {
		return storage.ErrVersionMismatch
	}

	updated := copyRecord(prev)
	for k, v := range fields {
		updated.Fields[k] = v
	}
	if table.Versioned {
		updated.Version = next
	}
	updated.UpdatedAt = at
	rows[id] = updated
	t.undo = append(t.undo, func() { rows[id] = prev })
	return nil
}

func (t *tx) ChangesSince(_ context.Context, table *schema.Table, q storage.ChangeQuery) ([]types.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []types.Record
	for _, rec := range t.store.entities[table.Name] {
		if q.Match(rec.UpdatedAt, rec.ID) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return storage.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *tx) RecordAudit(_ context.Context, entry audit.Entry) error {
	if err := t.check(); err != nil {
		return err
	}
	n := len(t.store.audits)
	t.store.audits = append(t.store.audits, entry)
	t.undo = append(t.undo, func() { t.store.audits = t.store.audits[:n] })
	return nil
}

func copyRecord(rec types.Record) types.Record {
	if rec.Fields == nil {
		rec.Fields = types.Fields{}
		return rec
	}
	rec.Fields = rec.Fields.Clone()
	return rec
}
