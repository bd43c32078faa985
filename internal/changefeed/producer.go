package changefeed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

// Page limits.
const (
	DefaultLimit = 1000
	MaxLimit     = 10000
)

// Request selects changes at or after a watermark.
type Request struct {
	// Tables to read. Empty means every registered table.
	Tables []types.TableName
	Since  time.Time
	// After, when set, continues from a previous page and replaces Since.
	After *Cursor
	Limit int
}

// Page is one slice of the change feed.
type Page struct {
	Items      []types.ChangeItem
	HasMore    bool
	NextCursor *time.Time
	NextToken  string
}

// Producer reads the change feed from the store.
type Producer struct {
	store    storage.Store
	registry *schema.Registry
	logger   zerolog.Logger
}

// NewProducer constructs a change feed producer.
func NewProducer(store storage.Store, registry *schema.Registry, logger zerolog.Logger) *Producer {
	return &Producer{
		store:    store,
		registry: registry,
		logger:   logger.With().Str("component", "changefeed").Logger(),
	}
}

// Changes returns rows changed at or after the watermark, ordered by
// (updated_at, table, id) across all requested tables.
func (p *Producer) Changes(ctx context.Context, req Request) (Page, error) {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return Page{}, fmt.Errorf("%w: limit must be between 1 and %d", schema.ErrValidation, MaxLimit)
	}

	tables, err := p.resolve(req.Tables)
	if err != nil {
		return Page{}, err
	}

	ctx, span := tracer.Start(ctx, "changefeed.changes", trace.WithAttributes(
		attribute.Int("feed.tables", len(tables)),
		attribute.Int("feed.limit", limit),
	))
	defer span.End()
	start := time.Now()
	defer func() { feedLatency.Observe(time.Since(start).Seconds()) }()

	tx, err := p.store.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return Page{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	type row struct {
		table *schema.Table
		rec   types.Record
	}
	var rows []row
	for _, table := range tables {
		recs, err := tx.ChangesSince(ctx, table, query(table.Name, req, limit))
		if err != nil {
			span.RecordError(err)
			return Page{}, fmt.Errorf("read %s: %w", table.Name, err)
		}
		for _, rec := range recs {
			rows = append(rows, row{table: table, rec: rec})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.rec.UpdatedAt.Equal(b.rec.UpdatedAt) {
			return a.rec.UpdatedAt.Before(b.rec.UpdatedAt)
		}
		if a.table.Name != b.table.Name {
			return a.table.Name < b.table.Name
		}
		return storage.CompareIDs(a.rec.ID, b.rec.ID) < 0
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	page := Page{
		Items:   make([]types.ChangeItem, 0, len(rows)),
		HasMore: len(rows) == limit,
	}
	for _, r := range rows {
		page.Items = append(page.Items, types.ChangeItem{
			ID:        r.rec.ID,
			Table:     r.table.Name,
			Action:    action(r.table, r.rec),
			Data:      r.table.Wire(r.rec),
			UpdatedAt: r.rec.UpdatedAt,
			Version:   r.rec.Version,
		})
		feedItems.WithLabelValues(string(r.table.Name)).Inc()
	}
	if n := len(rows); n > 0 {
		last := rows[n-1]
		ts := last.rec.UpdatedAt
		page.NextCursor = &ts
		page.NextToken = Cursor{UpdatedAt: ts, Table: last.table.Name, ID: last.rec.ID}.Encode()
	}

	span.SetAttributes(attribute.Int("feed.items", len(page.Items)), attribute.Bool("feed.has_more", page.HasMore))
	p.logger.Debug().
		Int("items", len(page.Items)).
		Bool("has_more", page.HasMore).
		Msg("change feed page")
	return page, nil
}

func (p *Producer) resolve(names []types.TableName) ([]*schema.Table, error) {
	if len(names) == 0 {
		names = p.registry.Names()
	}
	seen := make(map[types.TableName]bool, len(names))
	tables := make([]*schema.Table, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		table, err := p.registry.Table(name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// query builds the per-table watermark. With a cursor, rows sharing the
// cursor timestamp are kept only if they sort after it.
func query(table types.TableName, req Request, limit int) storage.ChangeQuery {
	if req.After == nil {
		return storage.ChangeQuery{Since: req.Since, Equal: storage.IncludeEqual, Limit: limit}
	}
	q := storage.ChangeQuery{Since: req.After.UpdatedAt, Limit: limit}
	switch {
	case table < req.After.Table:
		q.Equal = storage.ExcludeEqual
	case table == req.After.Table:
		q.Equal = storage.AfterID
		q.AfterID = req.After.ID
	default:
		q.Equal = storage.IncludeEqual
	}
	return q
}

func action(table *schema.Table, rec types.Record) types.ChangeAction {
	if table.Versioned {
		if rec.Version == 1 {
			return types.ActionCreate
		}
		return types.ActionUpdate
	}
	if rec.UpdatedAt.Equal(rec.CreatedAt) {
		return types.ActionCreate
	}
	return types.ActionUpdate
}
