package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type notice struct {
	Table     string    `json:"table_name"`
	ID        uuid.UUID `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type batchResult struct {
	Results []struct {
		Status        string `json:"status"`
		ServerVersion *int64 `json:"server_version"`
	} `json:"results"`
	ConflictsCount int `json:"conflicts_count"`
	ErrorsCount    int `json:"errors_count"`
}

type counters struct {
	batches   atomic.Int64
	failures  atomic.Int64
	created   atomic.Int64
	updated   atomic.Int64
	conflicts atomic.Int64
	errors    atomic.Int64
}

func main() {
	base := flag.String("addr", "http://localhost:8080", "server base URL")
	workers := flag.Int("workers", 50, "concurrent batch senders")
	batches := flag.Int("batches", 20, "batches per worker")
	size := flag.Int("size", 25, "items per batch")
	shared := flag.Int("shared", 100, "client ids shared by all workers; edits to them race and conflict")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *base).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	latencies := make(chan time.Duration, 4096)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		listen(ctx, *base, latencies, logger)
	}()

	sharedIDs := make([]uuid.UUID, *shared)
	for i := range sharedIDs {
		sharedIDs[i] = uuid.New()
	}
	cityID := uuid.New()

	client := &http.Client{Timeout: 30 * time.Second}
	var stats counters
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			versions := make(map[uuid.UUID]int64)
			for b := 0; b < *batches && ctx.Err() == nil; b++ {
				items := make([]map[string]any, 0, *size)
				for i := 0; i < *size; i++ {
					id := uuid.New()
					if len(sharedIDs) > 0 && i%2 == 0 {
						id = sharedIDs[(worker+b+i)%len(sharedIDs)]
					}
					item := map[string]any{
						"client_generated_id": id,
						"table_name":          "objects",
						"updated_at":          time.Now().UTC(),
						"payload": map[string]any{
							"type":       "OTHER",
							"address":    fmt.Sprintf("worker %d batch %d item %d", worker, b, i),
							"city_id":    cityID,
							"created_by": cityID,
						},
					}
					if v, ok := versions[id]; ok {
						item["version"] = v
					}
					items = append(items, item)
				}
				res, err := sendBatch(ctx, client, *base, items)
				stats.batches.Add(1)
				if err != nil {
					stats.failures.Add(1)
					logger.Warn().Err(err).Int("worker", worker).Msg("batch failed")
					continue
				}
				for i, r := range res.Results {
					id := items[i]["client_generated_id"].(uuid.UUID)
					switch r.Status {
					case "created":
						stats.created.Add(1)
						versions[id] = *r.ServerVersion
					case "updated":
						stats.updated.Add(1)
						versions[id] = *r.ServerVersion
					case "conflict":
						stats.conflicts.Add(1)
						delete(versions, id)
					default:
						stats.errors.Add(1)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Give the last notices a moment to arrive.
	time.Sleep(500 * time.Millisecond)
	stop()
	<-listenerDone
	close(latencies)

	fmt.Fprintf(os.Stdout, "Batches: %d (%d failed) in %s (%.1f/s)\n", stats.batches.Load(), stats.failures.Load(), elapsed.Round(time.Millisecond), float64(stats.batches.Load())/elapsed.Seconds())
	fmt.Fprintf(os.Stdout, "Items: created=%d updated=%d conflict=%d error=%d\n", stats.created.Load(), stats.updated.Load(), stats.conflicts.Load(), stats.errors.Load())
	report(latencies, logger)
}

func sendBatch(ctx context.Context, client *http.Client, base string, items []map[string]any) (batchResult, error) {
	body, err := json.Marshal(map[string]any{"items": items})
	if err != nil {
		return batchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/sync/batch", bytes.NewReader(body))
	if err != nil {
		return batchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return batchResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return batchResult{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out batchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return batchResult{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func listen(ctx context.Context, base string, latencies chan<- time.Duration, logger zerolog.Logger) {
	u, err := url.Parse(base)
	if err != nil {
		logger.Error().Err(err).Msg("invalid address")
		return
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/sync/stream"
	u.RawQuery = url.Values{"tables": {"objects"}, "client_id": {"loadtest"}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Error().Err(err).Msg("stream dial failed")
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("stream read error")
			}
			return
		}
		var n notice
		if err := json.Unmarshal(data, &n); err != nil {
			logger.Warn().Err(err).Msg("failed to decode notice")
			continue
		}
		select {
		case latencies <- time.Since(n.UpdatedAt):
		default:
		}
	}
}

func report(samples <-chan time.Duration, logger zerolog.Logger) {
	var all []time.Duration
	var total time.Duration
	for s := range samples {
		all = append(all, s)
		total += s
	}
	if len(all) == 0 {
		fmt.Fprintln(os.Stdout, "no notices received")
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	avg := time.Duration(int64(math.Round(float64(total) / float64(len(all)))))
	p95 := all[int(math.Ceil(0.95*float64(len(all))))-1]
	fmt.Fprintf(os.Stdout, "Notices: %d\nAvg latency: %s\np95 latency: %s\nMax latency: %s\n", len(all), avg, p95, all[len(all)-1])
	if p95 > 250*time.Millisecond {
		logger.Warn().Dur("p95", p95).Msg("change notices are slower than 250ms at p95")
	}
}
