package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

const (
	defaultInterval       = time.Minute
	defaultTokenThreshold = int64(1)
	defaultPageSize       = 1000
)

var (
	snapshotsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "ledger_exports_total",
		Help:      "Sync token ledger exports uploaded to object storage.",
	})
	snapshotTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapshot",
		Name:      "ledger_tokens",
		Help:      "Tokens contained in the most recent ledger export.",
	})
)

func init() {
	prometheus.MustRegister(snapshotsWritten, snapshotTokens)
}

// Payload is the ledger export persisted to object storage.
type Payload struct {
	TakenAt time.Time         `json:"taken_at"`
	Tokens  []types.SyncToken `json:"tokens"`
}

// Ledger is the slice of the store the worker reads from and records into.
type Ledger interface {
	Tokens(ctx context.Context, after types.ClientID, limit int) ([]types.SyncToken, error)
	storage.SnapshotStore
}

// ObjectWriter uploads export objects. *minio.Client satisfies it.
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Worker periodically exports the sync token ledger to object storage once
// enough tokens have been created or refreshed since the last export. The
// ledger is the only record of which client ids were already applied, so
// losing it would turn replays into duplicates.
type Worker struct {
	ledger Ledger
	object ObjectWriter
	bucket string

	interval  time.Duration
	threshold int64
	pageSize  int
	now       func() time.Time

	logger zerolog.Logger
}

// Option customises a Worker.
type Option func(*Worker)

// WithInterval sets how often the worker checks the ledger.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithThreshold sets how many touched tokens trigger a new export.
func WithThreshold(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.threshold = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(ledger Ledger, object ObjectWriter, bucket string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		ledger:    ledger,
		object:    object,
		bucket:    bucket,
		interval:  defaultInterval,
		threshold: defaultTokenThreshold,
		pageSize:  defaultPageSize,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		logger:    logger.With().Str("component", "snapshot").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("ledger snapshot failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce exports the ledger if it changed enough since the last export. It
// reports whether an export was written.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.object == nil {
		return false, fmt.Errorf("object storage client not configured")
	}

	var since time.Time
	latest, err := w.ledger.LatestSnapshot(ctx)
	switch {
	case err == nil:
		since = latest.TakenAt
	case errors.Is(err, storage.ErrNotFound):
	default:
		return false, fmt.Errorf("lookup latest snapshot: %w", err)
	}

	changed, err := w.ledger.TokensSeenSince(ctx, since)
	if err != nil {
		return false, fmt.Errorf("count touched tokens: %w", err)
	}
	if changed < w.threshold {
		return false, nil
	}

	takenAt := w.now()
	tokens, err := w.collect(ctx)
	if err != nil {
		return false, err
	}

	data, err := json.Marshal(Payload{TakenAt: takenAt, Tokens: tokens})
	if err != nil {
		return false, fmt.Errorf("encode ledger payload: %w", err)
	}

	objectPath := fmt.Sprintf("ledger/%s.json", takenAt.Format("20060102T150405.000000Z"))
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return false, fmt.Errorf("upload ledger snapshot: %w", err)
	}

	ref := storage.SnapshotRef{ObjectPath: objectPath, TokenCount: int64(len(tokens)), TakenAt: takenAt}
	if err := w.ledger.RecordSnapshot(ctx, ref); err != nil {
		return false, fmt.Errorf("persist snapshot ref: %w", err)
	}

	snapshotsWritten.Inc()
	snapshotTokens.Set(float64(len(tokens)))
	w.logger.Info().Str("object", objectPath).Int("tokens", len(tokens)).Int64("changed", changed).Msg("ledger snapshot created")
	return true, nil
}

func (w *Worker) collect(ctx context.Context) ([]types.SyncToken, error) {
	var (
		all   []types.SyncToken
		after = uuid.Nil
	)
	for {
		page, err := w.ledger.Tokens(ctx, after, w.pageSize)
		if err != nil {
			return nil, fmt.Errorf("read ledger page: %w", err)
		}
		all = append(all, page...)
		if len(page) < w.pageSize {
			return all, nil
		}
		after = page[len(page)-1].ClientID
	}
}

// DecodePayload unmarshals a ledger export.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
