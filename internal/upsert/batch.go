package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fieldsync/internal/audit"
	"github.com/example/fieldsync/internal/observability"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

// Batch is a client sync request.
type Batch struct {
	Items []types.Item
	Force bool
	// Actor is recorded on audit entries when known.
	Actor *uuid.UUID
}

// BatchResult holds one result per item, in submission order.
type BatchResult struct {
	Results        []types.Result
	ConflictsCount int
	ErrorsCount    int
}

// ApplyBatch applies every item in order within a single transaction. Each
// item runs in its own savepoint, so a conflicting or failing item leaves
// no partial writes while the rest of the batch still commits. Once
// started, a batch runs to completion even if ctx is cancelled.
func (e *Engine) ApplyBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "upsert.apply_batch", trace.WithAttributes(
		attribute.Int("sync.items", len(batch.Items)),
		attribute.Bool("sync.force", batch.Force),
	))
	defer span.End()
	log := observability.LoggerWithTrace(ctx, e.logger)

	start := time.Now()
	defer func() { batchLatency.Observe(time.Since(start).Seconds()) }()
	batchSize.Observe(float64(len(batch.Items)))

	var results []types.Result
	err := e.retry(ctx, func(ctx context.Context) error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)

		results = make([]types.Result, 0, len(batch.Items))
		for _, item := range batch.Items {
			results = append(results, e.applyItem(ctx, tx, item, batch))
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		log.Error().Err(err).Int("items", len(batch.Items)).Msg("sync batch failed")
		return BatchResult{}, err
	}

	out := BatchResult{Results: results}
	var notices []types.ChangeNotice
	for i, res := range results {
		item := batch.Items[i]
		itemOutcomes.WithLabelValues(e.tableLabel(item.Table), string(res.Status)).Inc()
		switch res.Status {
		case types.StatusConflict:
			out.ConflictsCount++
		case types.StatusError:
			out.ErrorsCount++
		case types.StatusCreated, types.StatusUpdated:
			e.remember(item.Table, res)
			if res.After != nil {
				notices = append(notices, types.ChangeNotice{
					Table:     item.Table,
					ID:        res.After.ID,
					Version:   res.After.Version,
					UpdatedAt: res.After.UpdatedAt,
				})
			}
		}
	}
	span.SetAttributes(
		attribute.Int("sync.conflicts", out.ConflictsCount),
		attribute.Int("sync.errors", out.ErrorsCount),
	)

	if e.notifier != nil && len(notices) > 0 {
		if err := e.notifier.Publish(ctx, notices); err != nil {
			log.Warn().Err(err).Int("notices", len(notices)).Msg("publish change notices")
		}
	}

	log.Debug().
		Int("items", len(results)).
		Int("conflicts", out.ConflictsCount).
		Int("errors", out.ErrorsCount).
		Dur("elapsed", time.Since(start)).
		Msg("sync batch applied")
	return out, nil
}

func (e *Engine) applyItem(ctx context.Context, tx storage.Tx, item types.Item, batch Batch) types.Result {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return failed(types.Result{ClientID: item.ClientID}, fmt.Errorf("savepoint: %w", err))
	}

	res := e.Upsert(ctx, sp, item, batch.Force)
	if res.Status == types.StatusError && errors.Is(res.Err, storage.ErrTokenExists) {
		// A concurrent batch bound this client id first. Drop our insert and
		// apply the item against the entity it created.
		_ = sp.Rollback(ctx)
		tokenRaces.Inc()
		e.forget(item.ClientID)
		e.logger.Debug().
			Str("table", string(item.Table)).
			Str("client_id", item.ClientID.String()).
			Msg("client id bound concurrently, retrying as update")
		if sp, err = tx.Begin(ctx); err != nil {
			return failed(types.Result{ClientID: item.ClientID}, fmt.Errorf("savepoint: %w", err))
		}
		res = e.Upsert(ctx, sp, item, batch.Force)
	}

	switch res.Status {
	case types.StatusCreated, types.StatusUpdated:
		if err := e.recordAudit(ctx, sp, item.Table, res, batch.Actor); err != nil {
			_ = sp.Rollback(ctx)
			return failed(types.Result{ClientID: item.ClientID, ServerID: res.ServerID}, err)
		}
		if err := sp.Commit(ctx); err != nil {
			return failed(types.Result{ClientID: item.ClientID, ServerID: res.ServerID}, fmt.Errorf("release savepoint: %w", err))
		}
	case types.StatusConflict:
		_ = sp.Rollback(ctx)
		e.logger.Info().
			Str("table", string(item.Table)).
			Str("server_id", res.ServerID.String()).
			Int64("expected_version", res.Conflict.ExpectedVersion).
			Int64("current_version", res.Conflict.CurrentVersion).
			Msg("sync conflict")
		e.auditConflict(ctx, tx, item.Table, res, batch.Actor)
	default:
		_ = sp.Rollback(ctx)
		e.logger.Warn().
			Err(res.Err).
			Str("table", string(item.Table)).
			Str("client_id", item.ClientID.String()).
			Msg("sync item rejected")
	}
	return res
}

func (e *Engine) recordAudit(ctx context.Context, tx storage.Tx, name types.TableName, res types.Result, actor *uuid.UUID) error {
	table, err := e.registry.Table(name)
	if err != nil {
		return err
	}
	entry, ok := audit.FromResult(name, res, actor, table.Wire, e.now())
	if !ok {
		return nil
	}
	if err := tx.RecordAudit(ctx, entry); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// auditConflict records a conflict in its own savepoint. A failure there is
// logged and does not affect the batch.
func (e *Engine) auditConflict(ctx context.Context, tx storage.Tx, name types.TableName, res types.Result, actor *uuid.UUID) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("audit conflict savepoint")
		return
	}
	if err := e.recordAudit(ctx, sp, name, res, actor); err != nil {
		_ = sp.Rollback(ctx)
		e.logger.Warn().Err(err).Msg("audit conflict")
		return
	}
	if err := sp.Commit(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("audit conflict commit")
	}
}

func (e *Engine) remember(table types.TableName, res types.Result) {
	if e.tokens == nil || res.After == nil {
		return
	}
	e.tokens.Add(res.ClientID, types.SyncToken{
		ClientID:   res.ClientID,
		Table:      table,
		ServerID:   res.ServerID,
		Status:     types.TokenStatusSynced,
		LastSeenAt: res.After.UpdatedAt,
		CreatedAt:  res.After.CreatedAt,
	})
}

func (e *Engine) forget(clientID types.ClientID) {
	if e.tokens != nil {
		e.tokens.Remove(clientID)
	}
}

func (e *Engine) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := e.retryDelay
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if e.isTransient == nil || !e.isTransient(err) || attempt == e.maxRetries {
			return err
		}
		batchRetries.Inc()
		e.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying sync batch")
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// tableLabel keeps metric cardinality bounded to registered tables.
func (e *Engine) tableLabel(name types.TableName) string {
	if _, err := e.registry.Table(name); err != nil {
		return "unknown"
	}
	return string(name)
}
