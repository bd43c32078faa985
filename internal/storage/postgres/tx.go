package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fieldsync/internal/audit"
	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

// pgTx adapts a pgx transaction. Begin on a pgx.Tx creates a savepoint.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Begin(ctx context.Context) (storage.Tx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, mapTxErr(err)
	}
	return &pgTx{tx: sp}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapTxErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func mapTxErr(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return storage.ErrTxDone
	}
	return err
}

func (t *pgTx) TokenByClientID(ctx context.Context, clientID types.ClientID) (types.SyncToken, error) {
	defer observe("token_lookup", time.Now())
	token, err := scanToken(t.tx.QueryRow(ctx, `
SELECT client_generated_id, table_name, server_id, COALESCE(checksum, ''), status, last_seen_at, created_at
FROM sync_tokens
WHERE client_generated_id = $1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SyncToken{}, storage.ErrNotFound
	}
	return token, err
}

func (t *pgTx) PutToken(ctx context.Context, token types.SyncToken) error {
	defer observe("token_put", time.Now())
	tag, err := t.tx.Exec(ctx, `
INSERT INTO sync_tokens (client_generated_id, table_name, server_id, checksum, status, last_seen_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (client_generated_id)
DO UPDATE SET checksum = EXCLUDED.checksum,
              status = EXCLUDED.status,
              last_seen_at = EXCLUDED.last_seen_at
WHERE sync_tokens.server_id = EXCLUDED.server_id
  AND sync_tokens.table_name = EXCLUDED.table_name`,
		token.ClientID, string(token.Table), token.ServerID, token.Checksum, token.Status, token.LastSeenAt, token.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTokenExists
	}
	return nil
}

func (t *pgTx) TouchToken(ctx context.Context, clientID types.ClientID, checksum string, seenAt time.Time) error {
	defer observe("token_touch", time.Now())
	tag, err := t.tx.Exec(ctx, `
UPDATE sync_tokens
SET checksum = $2, status = $3, last_seen_at = $4
WHERE client_generated_id = $1`, clientID, checksum, types.TokenStatusSynced, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) LockEntity(ctx context.Context, table *schema.Table, id types.EntityID) (types.Record, error) {
	defer observe("entity_lock", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, selectList(table), ident(string(table.Name)))
	rows, err := t.tx.Query(ctx, query, id)
	if err != nil {
		return types.Record{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return types.Record{}, err
		}
		return types.Record{}, storage.ErrNotFound
	}
	rec, err := scanRecord(table, rows)
	if err != nil {
		return types.Record{}, err
	}
	return rec, rows.Err()
}

func (t *pgTx) InsertEntity(ctx context.Context, table *schema.Table, rec types.Record) error {
	defer observe("entity_insert", time.Now())

	cols := []string{schema.ColumnID}
	args := []any{rec.ID}
	if table.Versioned {
		cols = append(cols, schema.ColumnVersion)
		args = append(args, rec.Version)
	}
	cols = append(cols, schema.ColumnCreatedAt, schema.ColumnUpdatedAt)
	args = append(args, rec.CreatedAt, rec.UpdatedAt)
	for _, field := range table.Fields {
		v, ok := rec.Fields[field.Name]
		if !ok {
			continue
		}
		cols = append(cols, field.Name)
		args = append(args, encodeValue(field, v))
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		ident(string(table.Name)), identList(cols), strings.Join(placeholders, ", "))
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgTx) UpdateEntity(ctx context.Context, table *schema.Table, id types.EntityID, fields types.Fields, expected, next int64, at time.Time) error {
	defer observe("entity_update", time.Now())

	args := []any{id}
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), len(args)))
	}
	for _, field := range table.Fields {
		v, ok := fields[field.Name]
		if !ok {
			continue
		}
		add(field.Name, encodeValue(field, v))
	}
	add(schema.ColumnUpdatedAt, at)

	where := "id = $1"
	if table.Versioned {
		add(schema.ColumnVersion, next)
		args = append(args, expected)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, ident(string(table.Name)), strings.Join(sets, ", "), where)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if table.Versioned {
			versionMismatches.WithLabelValues(string(table.Name)).Inc()
			return storage.ErrVersionMismatch
		}
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) ChangesSince(ctx context.Context, table *schema.Table, q storage.ChangeQuery) ([]types.Record, error) {
	ctx, span := tracer.Start(ctx, "store.changes_since", trace.WithAttributes(
		attribute.String("table", string(table.Name)),
		attribute.Int("limit", q.Limit),
	))
	defer span.End()
	defer observe("changes_since", time.Now())

	args := []any{q.Since}
	var where string
	switch q.Equal {
	case storage.ExcludeEqual:
		where = "updated_at > $1"
	case storage.AfterID:
		args = append(args, q.AfterID)
		where = "(updated_at, id) > ($1, $2)"
	default:
		where = "updated_at >= $1"
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY updated_at, id`,
		selectList(table), ident(string(table.Name)), where)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(table, rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *pgTx) RecordAudit(ctx context.Context, entry audit.Entry) error {
	defer observe("audit_insert", time.Now())

	before, err := marshalSnapshot(entry.Before)
	if err != nil {
		return fmt.Errorf("encode before snapshot: %w", err)
	}
	after, err := marshalSnapshot(entry.After)
	if err != nil {
		return fmt.Errorf("encode after snapshot: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, before, after, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.Actor, string(entry.Action), string(entry.EntityType), entry.EntityID, before, after, entry.OccurredAt,
	)
	return err
}

func marshalSnapshot(snapshot map[string]any) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	return json.Marshal(snapshot)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = ident(col)
	}
	return strings.Join(out, ", ")
}

func selectList(table *schema.Table) string {
	cols := []string{schema.ColumnID}
	if table.Versioned {
		cols = append(cols, schema.ColumnVersion)
	}
	cols = append(cols, schema.ColumnCreatedAt, schema.ColumnUpdatedAt)
	cols = append(cols, table.Columns()...)
	return identList(cols)
}

// scanRecord reads a row produced by selectList.
func scanRecord(table *schema.Table, rows pgx.Rows) (types.Record, error) {
	rec := types.Record{Table: table.Name, Version: 1, Fields: make(types.Fields, len(table.Fields))}
	values := make([]any, len(table.Fields))

	dest := []any{&rec.ID}
	if table.Versioned {
		dest = append(dest, &rec.Version)
	}
	dest = append(dest, &rec.CreatedAt, &rec.UpdatedAt)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return types.Record{}, err
	}

	for i, field := range table.Fields {
		v, err := table.Canonical(field.Name, values[i])
		if err != nil {
			return types.Record{}, fmt.Errorf("decode %s.%s: %w", table.Name, field.Name, err)
		}
		rec.Fields[field.Name] = v
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func encodeValue(field schema.Field, v any) any {
	if v == nil {
		return nil
	}
	if field.Kind == schema.KindUUID {
		if s, ok := v.(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				return id
			}
		}
	}
	return v
}
