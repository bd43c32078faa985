package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

// ErrTableMismatch is returned when a client id that is already bound to
// one table is submitted for another.
var ErrTableMismatch = fmt.Errorf("%w: client id bound to another table", schema.ErrValidation)

// Conflict hint values returned to clients.
const (
	HintCode     = "STALE_VERSION"
	HintStrategy = "merge|force|reject"
	HintMessage  = "Server version is newer. Use force=true to overwrite or apply merge on client."
)

// Notifier is told about entities that changed in a committed batch.
type Notifier interface {
	Publish(ctx context.Context, notices []types.ChangeNotice) error
}

// Engine resolves client edits against the versioned entity store and the
// sync token ledger.
type Engine struct {
	store    storage.Store
	registry *schema.Registry
	logger   zerolog.Logger
	notifier Notifier
	tokens   *lru.Cache[types.ClientID, types.SyncToken]

	now   func() time.Time
	newID func() uuid.UUID

	maxRetries  int
	retryDelay  time.Duration
	isTransient func(error) bool
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "upsert").Logger()
	}
}

// WithNotifier publishes change notices after each committed batch.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithTokenCache keeps up to size committed tokens in memory. Tokens are
// never rebound, so a cached binding cannot go stale.
func WithTokenCache(size int) Option {
	return func(e *Engine) {
		if size <= 0 {
			e.tokens = nil
			return
		}
		cache, err := lru.New[types.ClientID, types.SyncToken](size)
		if err == nil {
			e.tokens = cache
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how server ids are minted.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// WithRetry retries a whole batch transaction up to n times when the error
// is classified transient. The delay doubles between attempts.
func WithRetry(n int, delay time.Duration, isTransient func(error) bool) Option {
	return func(e *Engine) {
		e.maxRetries = n
		e.retryDelay = delay
		e.isTransient = isTransient
	}
}

// NewEngine constructs an engine over the given store and table registry.
func NewEngine(store storage.Store, registry *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		registry:   registry,
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:      uuid.New,
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert applies one item inside tx. Business outcomes, including
// validation failures, are reported through the result status; the caller
// decides whether the item's writes are kept.
func (e *Engine) Upsert(ctx context.Context, tx storage.Tx, item types.Item, force bool) types.Result {
	res := types.Result{ClientID: item.ClientID}

	table, err := e.registry.Table(item.Table)
	if err != nil {
		return failed(res, err)
	}

	token, found, err := e.lookupToken(ctx, tx, item.ClientID)
	if err != nil {
		return failed(res, fmt.Errorf("lookup token: %w", err))
	}
	if !found {
		return e.create(ctx, tx, table, item, e.newID())
	}

	res.ServerID = token.ServerID
	if token.Table != table.Name {
		return failed(res, fmt.Errorf("%w: %s is bound to %s", ErrTableMismatch, item.ClientID, token.Table))
	}

	current, err := tx.LockEntity(ctx, table, token.ServerID)
	if errors.Is(err, storage.ErrNotFound) {
		// The entity vanished server-side; rebuild it under the same id.
		return e.create(ctx, tx, table, item, token.ServerID)
	}
	if err != nil {
		return failed(res, fmt.Errorf("lock entity: %w", err))
	}

	fields, err := table.Normalize(item.Payload, schema.ModeUpdate)
	if err != nil {
		return failed(res, err)
	}

	if table.Versioned && !force && item.Version != nil && *item.Version != current.Version {
		return e.conflict(table, res, current, item, fields, *item.Version)
	}

	next := int64(1)
	if table.Versioned {
		next = current.Version + 1
	}
	now := e.now()
	err = tx.UpdateEntity(ctx, table, current.ID, fields, current.Version, next, now)
	if errors.Is(err, storage.ErrVersionMismatch) {
		latest, lerr := tx.LockEntity(ctx, table, current.ID)
		if lerr != nil {
			return failed(res, fmt.Errorf("reload entity: %w", lerr))
		}
		expected := current.Version
		if item.Version != nil {
			expected = *item.Version
		}
		return e.conflict(table, res, latest, item, fields, expected)
	}
	if err != nil {
		return failed(res, fmt.Errorf("update entity: %w", err))
	}

	after := current
	after.Fields = current.Fields.Clone()
	for k, v := range fields {
		after.Fields[k] = v
	}
	after.Version = next
	after.UpdatedAt = now

	checksum := Checksum(table.WireFields(after.Fields))
	if err := tx.TouchToken(ctx, item.ClientID, checksum, now); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return failed(res, fmt.Errorf("touch token: %w", err))
		}
		token.Checksum = checksum
		token.Status = types.TokenStatusSynced
		token.LastSeenAt = now
		if err := tx.PutToken(ctx, token); err != nil {
			return failed(res, fmt.Errorf("store token: %w", err))
		}
	}

	res.Status = types.StatusUpdated
	res.ServerVersion = next
	res.Before = &current
	res.After = &after
	return res
}

func (e *Engine) create(ctx context.Context, tx storage.Tx, table *schema.Table, item types.Item, id types.EntityID) types.Result {
	res := types.Result{ClientID: item.ClientID, ServerID: id}

	fields, err := table.Normalize(item.Payload, schema.ModeCreate)
	if err != nil {
		return failed(res, err)
	}

	now := e.now()
	rec := types.Record{
		ID:        id,
		Table:     table.Name,
		Version:   1,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertEntity(ctx, table, rec); err != nil {
		return failed(res, fmt.Errorf("insert entity: %w", err))
	}

	token := types.SyncToken{
		ClientID:   item.ClientID,
		Table:      table.Name,
		ServerID:   id,
		Checksum:   Checksum(table.WireFields(fields)),
		Status:     types.TokenStatusSynced,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := tx.PutToken(ctx, token); err != nil {
		return failed(res, fmt.Errorf("store token: %w", err))
	}

	res.Status = types.StatusCreated
	res.ServerVersion = 1
	res.After = &rec
	return res
}

func (e *Engine) conflict(table *schema.Table, res types.Result, current types.Record, item types.Item, fields types.Fields, expected int64) types.Result {
	server := table.Wire(current)
	res.Status = types.StatusConflict
	res.ServerVersion = current.Version
	res.Conflict = &types.Conflict{
		ExpectedVersion: expected,
		CurrentVersion:  current.Version,
		ServerData:      server,
		ClientData:      item.Payload,
		Diff:            ComputeDiff(server, table.WireFields(fields)),
		Hints: types.ResolutionHints{
			Code:     HintCode,
			Strategy: HintStrategy,
			Message:  HintMessage,
		},
	}
	return res
}

func (e *Engine) lookupToken(ctx context.Context, tx storage.Tx, clientID types.ClientID) (types.SyncToken, bool, error) {
	if e.tokens != nil {
		if token, ok := e.tokens.Get(clientID); ok {
			return token, true, nil
		}
	}
	token, err := tx.TokenByClientID(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.SyncToken{}, false, nil
	}
	if err != nil {
		return types.SyncToken{}, false, err
	}
	return token, true, nil
}

func failed(res types.Result, err error) types.Result {
	res.Status = types.StatusError
	res.Err = err
	return res
}
