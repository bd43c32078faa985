package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

// Store persists entities, the sync token ledger and audit entries in
// Postgres.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// New constructs a store on top of the provided pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin implements storage.Store.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	var tx pgx.Tx
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		tx, err = s.pool.BeginTx(ctx, pgx.TxOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Tokens implements storage.Store.
func (s *Store) Tokens(ctx context.Context, after types.ClientID, limit int) ([]types.SyncToken, error) {
	defer observe("tokens", time.Now())

	var out []types.SyncToken
	err := s.retry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
SELECT client_generated_id, table_name, server_id, COALESCE(checksum, ''), status, last_seen_at, created_at
FROM sync_tokens
WHERE client_generated_id > $1
ORDER BY client_generated_id
LIMIT $2`, after, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			token, err := scanToken(rows)
			if err != nil {
				return err
			}
			out = append(out, token)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestSnapshot implements storage.SnapshotStore.
func (s *Store) LatestSnapshot(ctx context.Context) (storage.SnapshotRef, error) {
	var ref storage.SnapshotRef
	err := s.pool.QueryRow(ctx, `
SELECT object_path, token_count, taken_at
FROM ledger_snapshots
ORDER BY taken_at DESC, id DESC
LIMIT 1`).Scan(&ref.ObjectPath, &ref.TokenCount, &ref.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.SnapshotRef{}, storage.ErrNotFound
	}
	return ref, err
}

// RecordSnapshot implements storage.SnapshotStore.
func (s *Store) RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO ledger_snapshots (object_path, token_count, taken_at)
VALUES ($1, $2, $3)`, ref.ObjectPath, ref.TokenCount, ref.TakenAt)
		return err
	})
}

// TokensSeenSince implements storage.SnapshotStore.
func (s *Store) TokensSeenSince(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sync_tokens WHERE last_seen_at > $1`, t).Scan(&n)
	return n, err
}

func scanToken(row pgx.Row) (types.SyncToken, error) {
	var (
		token types.SyncToken
		table string
	)
	if err := row.Scan(&token.ClientID, &table, &token.ServerID, &token.Checksum, &token.Status, &token.LastSeenAt, &token.CreatedAt); err != nil {
		return types.SyncToken{}, err
	}
	token.Table = types.TableName(table)
	return token, nil
}

func observe(op string, start time.Time) {
	queryLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
