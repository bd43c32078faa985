package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	proto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/fieldsync/internal/types"
	"github.com/example/fieldsync/internal/ws"
)

const (
	defaultTopicPrefix  = "sync:"
	defaultDedupeTTL    = 2 * time.Minute
	maxBackoffDelay     = 30 * time.Second
	maxPublishAttempts  = 3
	publishRetryBackoff = 50 * time.Millisecond
)

var latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "broadcast",
	Name:      "enqueue_to_send_seconds",
	Help:      "Observed latency between publish and delivery to websocket clients.",
	Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
}, []string{"table"})

func init() {
	prometheus.MustRegister(latency)
}

type redisMessage struct {
	Table      string `json:"table_name"`
	Origin     string `json:"origin"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBroadcaster publishes change notices to Redis and fans them back out
// to local websocket clients on every instance.
type RedisBroadcaster struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger

	origin      string
	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, registry *ws.ConnectionRegistry, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:      client,
		registry:    registry,
		logger:      logger.With().Str("component", "broadcast").Logger(),
		origin:      uuid.NewString(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
	}
}

// Publish delivers each notice to local subscribers and sends it to its
// table topic for the other instances. Notices are hints; clients still pull
// the change feed, so publishing gives up after a few attempts.
func (b *RedisBroadcaster) Publish(ctx context.Context, notices []types.ChangeNotice) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	var errs error
	for _, notice := range notices {
		if _, err := b.registry.Deliver(notice); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deliver %s/%s: %w", notice.Table, notice.ID, err))
		}
		encoded, err := b.encode(notice)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := b.publish(ctx, b.topic(notice.Table), encoded); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s/%s: %w", notice.Table, notice.ID, err))
		}
	}
	return errs
}

func (b *RedisBroadcaster) publish(ctx context.Context, topic string, encoded []byte) error {
	backoff := publishRetryBackoff
	var err error
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		if err = b.client.Publish(ctx, topic, encoded).Err(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == maxPublishAttempts {
			break
		}
		b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Start begins consuming redis pub/sub messages and dispatching them to
// websocket clients registered locally.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if _, err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

// process decodes one pub/sub message and hands it to local connections.
// It returns the number of connections the notice reached.
func (b *RedisBroadcaster) process(msg *redis.Message) (int, error) {
	var envelope redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		return 0, fmt.Errorf("decode payload: %w", err)
	}
	// Publish already delivered our own notices locally.
	if envelope.Origin == b.origin {
		return 0, nil
	}

	notice, err := decodeNotice(envelope.Payload)
	if err != nil {
		return 0, err
	}
	if b.isDuplicate(notice) {
		return 0, nil
	}

	if envelope.EnqueuedAt > 0 {
		latency.WithLabelValues(string(notice.Table)).Observe(time.Since(time.Unix(0, envelope.EnqueuedAt)).Seconds())
	}
	return b.registry.Deliver(notice)
}

func (b *RedisBroadcaster) encode(notice types.ChangeNotice) ([]byte, error) {
	payload, err := encodeNotice(notice)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(redisMessage{
		Table:      string(notice.Table),
		Origin:     b.origin,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode redis payload: %w", err)
	}
	return encoded, nil
}

func (b *RedisBroadcaster) topic(table types.TableName) string {
	return b.topicPrefix + string(table)
}

func (b *RedisBroadcaster) isDuplicate(notice types.ChangeNotice) bool {
	key := fmt.Sprintf("%s:%s:%d", notice.Table, notice.ID, notice.Version)

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[key]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[key] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func encodeNotice(notice types.ChangeNotice) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"table_name": string(notice.Table),
		"id":         notice.ID.String(),
		"version":    float64(notice.Version),
		"updated_at": notice.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("build notice: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal notice: %w", err)
	}
	return data, nil
}

func decodeNotice(data []byte) (types.ChangeNotice, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return types.ChangeNotice{}, fmt.Errorf("unmarshal notice: %w", err)
	}
	fields := s.GetFields()

	table := fields["table_name"].GetStringValue()
	if table == "" {
		return types.ChangeNotice{}, errors.New("incomplete notice: missing table")
	}
	id, err := uuid.Parse(fields["id"].GetStringValue())
	if err != nil {
		return types.ChangeNotice{}, fmt.Errorf("incomplete notice: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"].GetStringValue())
	if err != nil {
		return types.ChangeNotice{}, fmt.Errorf("incomplete notice: %w", err)
	}
	return types.ChangeNotice{
		Table:     types.TableName(table),
		ID:        id,
		Version:   int64(fields["version"].GetNumberValue()),
		UpdatedAt: updatedAt,
	}, nil
}
