package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/example/fieldsync/internal/audit"
	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/types"
)

var (
	// ErrNotFound is returned when a token or entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch is returned by UpdateEntity when the stored version
	// no longer matches the expected one.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("transaction already finished")
	// ErrTokenExists is returned by PutToken when the client id is already
	// bound to a different entity.
	ErrTokenExists = errors.New("token bound to another entity")
)

// Store opens transactions against the entity tables and the sync token
// ledger.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Tokens pages through the ledger ordered by client id, starting after
	// the provided id.
	Tokens(ctx context.Context, after types.ClientID, limit int) ([]types.SyncToken, error)
	Ping(ctx context.Context) error
}

// Tx is a unit of work. Begin on a Tx opens a nested transaction (a
// savepoint) whose rollback leaves the parent usable.
type Tx interface {
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	TokenByClientID(ctx context.Context, clientID types.ClientID) (types.SyncToken, error)
	// PutToken inserts a token or refreshes one bound to the same entity.
	// It never rebinds a client id.
	PutToken(ctx context.Context, token types.SyncToken) error
	TouchToken(ctx context.Context, clientID types.ClientID, checksum string, seenAt time.Time) error

	// LockEntity reads an entity and holds a row lock on it until the
	// transaction ends.
	LockEntity(ctx context.Context, table *schema.Table, id types.EntityID) (types.Record, error)
	InsertEntity(ctx context.Context, table *schema.Table, rec types.Record) error
	// UpdateEntity writes the given fields, sets the version and updated_at,
	// and fails with ErrVersionMismatch unless the stored version equals
	// expected. Unversioned tables ignore expected.
	UpdateEntity(ctx context.Context, table *schema.Table, id types.EntityID, fields types.Fields, expected, next int64, at time.Time) error

	ChangesSince(ctx context.Context, table *schema.Table, q ChangeQuery) ([]types.Record, error)

	RecordAudit(ctx context.Context, entry audit.Entry) error
}

// EqualMode controls which rows sharing the watermark timestamp are returned.
type EqualMode int

const (
	// IncludeEqual returns every row with updated_at == Since.
	IncludeEqual EqualMode = iota
	// ExcludeEqual skips every row with updated_at == Since.
	ExcludeEqual
	// AfterID returns rows with updated_at == Since only when id > AfterID.
	AfterID
)

// ChangeQuery selects rows changed at or after a watermark.
type ChangeQuery struct {
	Since   time.Time
	Equal   EqualMode
	AfterID types.EntityID
	Limit   int
}

// Match reports whether a row with the given timestamp and id satisfies the
// query watermark.
func (q ChangeQuery) Match(updatedAt time.Time, id types.EntityID) bool {
	if updatedAt.After(q.Since) {
		return true
	}
	if !updatedAt.Equal(q.Since) {
		return false
	}
	switch q.Equal {
	case ExcludeEqual:
		return false
	case AfterID:
		return CompareIDs(id, q.AfterID) > 0
	}
	return true
}

// CompareIDs orders entity ids bytewise, matching Postgres uuid ordering.
func CompareIDs(a, b types.EntityID) int {
	return bytes.Compare(a[:], b[:])
}

// SnapshotRef points at an exported copy of the token ledger.
type SnapshotRef struct {
	ObjectPath string
	TokenCount int64
	TakenAt    time.Time
}

// SnapshotStore keeps track of ledger exports.
type SnapshotStore interface {
	// LatestSnapshot returns ErrNotFound when no export was recorded yet.
	LatestSnapshot(ctx context.Context) (SnapshotRef, error)
	RecordSnapshot(ctx context.Context, ref SnapshotRef) error
	// TokensSeenSince counts tokens created or refreshed after t.
	TokensSeenSince(ctx context.Context, t time.Time) (int64, error)
}
