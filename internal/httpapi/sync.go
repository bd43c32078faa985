package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/changefeed"
	"github.com/example/fieldsync/internal/types"
	"github.com/example/fieldsync/internal/upsert"
)

// ActorHeader carries the id of the user on whose behalf a batch is sent.
const ActorHeader = "X-Actor-ID"

const maxBodyBytes = 8 << 20

// BatchApplier applies sync batches.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, batch upsert.Batch) (upsert.BatchResult, error)
}

// ChangeReader serves change feed pages.
type ChangeReader interface {
	Changes(ctx context.Context, req changefeed.Request) (changefeed.Page, error)
}

type batchItem struct {
	ClientGeneratedID string         `json:"client_generated_id" validate:"required,uuid"`
	TableName         string         `json:"table_name" validate:"required"`
	Payload           map[string]any `json:"payload" validate:"required"`
	UpdatedAt         *time.Time     `json:"updated_at" validate:"required"`
	Version           *int64         `json:"version" validate:"omitempty,min=1"`
}

type batchRequest struct {
	Items []batchItem `json:"items" validate:"required,min=1,max=1000,dive"`
	Force bool        `json:"force"`
}

type itemResult struct {
	ClientGeneratedID uuid.UUID              `json:"client_generated_id"`
	ServerID          uuid.UUID              `json:"server_id"`
	Status            types.Status           `json:"status"`
	ServerVersion     *int64                 `json:"server_version"`
	Diff              *types.Conflict        `json:"diff,omitempty"`
	ResolutionHints   *types.ResolutionHints `json:"resolution_hints,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
}

type batchResponse struct {
	Results        []itemResult `json:"results"`
	ConflictsCount int          `json:"conflicts_count"`
	ErrorsCount    int          `json:"errors_count"`
}

type changesRequest struct {
	Since  *time.Time `json:"since" validate:"required_without=After"`
	Tables []string   `json:"tables"`
	Limit  int        `json:"limit" validate:"omitempty,min=1,max=10000"`
	After  string     `json:"after"`
}

type changesResponse struct {
	Items      []types.ChangeItem `json:"items"`
	HasMore    bool               `json:"has_more"`
	NextCursor *time.Time         `json:"next_cursor"`
	NextToken  string             `json:"next_token,omitempty"`
}

type syncHandlers struct {
	engine BatchApplier
	feed   ChangeReader
	logger zerolog.Logger
}

func (h *syncHandlers) handleBatch(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	actor, ok := parseActor(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if !decodeAndValidate(w, r, &req, log) {
		return
	}

	batch := upsert.Batch{Force: req.Force, Actor: actor, Items: make([]types.Item, 0, len(req.Items))}
	for _, item := range req.Items {
		// Already validated as a uuid.
		clientID, _ := uuid.Parse(item.ClientGeneratedID)
		batch.Items = append(batch.Items, types.Item{
			ClientID:  clientID,
			Table:     types.TableName(item.TableName),
			Payload:   item.Payload,
			UpdatedAt: *item.UpdatedAt,
			Version:   item.Version,
		})
	}

	out, err := h.engine.ApplyBatch(r.Context(), batch)
	if err != nil {
		respondServiceError(w, log, err)
		return
	}

	resp := batchResponse{
		Results:        make([]itemResult, 0, len(out.Results)),
		ConflictsCount: out.ConflictsCount,
		ErrorsCount:    out.ErrorsCount,
	}
	for _, res := range out.Results {
		resp.Results = append(resp.Results, toItemResult(res))
	}
	respondJSON(w, http.StatusOK, resp)
}

func toItemResult(res types.Result) itemResult {
	out := itemResult{
		ClientGeneratedID: res.ClientID,
		ServerID:          res.ServerID,
		Status:            res.Status,
	}
	switch res.Status {
	case types.StatusCreated, types.StatusUpdated:
		v := res.ServerVersion
		out.ServerVersion = &v
	case types.StatusConflict:
		v := res.ServerVersion
		out.ServerVersion = &v
		out.Diff = res.Conflict
		if res.Conflict != nil {
			hints := res.Conflict.Hints
			out.ResolutionHints = &hints
		}
	case types.StatusError:
		if res.Err != nil {
			out.ErrorMessage = res.Err.Error()
		}
	}
	return out
}

func (h *syncHandlers) handleChangesGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var req changesRequest

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request", map[string]any{"since": "Must be an RFC 3339 timestamp"})
			return
		}
		req.Since = &since
	}
	if raw := q.Get("tables"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Tables = append(req.Tables, name)
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request", map[string]any{"limit": "Must be an integer"})
			return
		}
		req.Limit = limit
	}
	req.After = q.Get("after")

	if err := getValidator().Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request", formatValidationError(err))
		return
	}
	h.serveChanges(w, r, req)
}

func (h *syncHandlers) handleChangesPost(w http.ResponseWriter, r *http.Request) {
	var req changesRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.serveChanges(w, r, req)
}

func (h *syncHandlers) serveChanges(w http.ResponseWriter, r *http.Request, req changesRequest) {
	feedReq := changefeed.Request{Limit: req.Limit}
	if req.Since != nil {
		feedReq.Since = *req.Since
	}
	for _, name := range req.Tables {
		feedReq.Tables = append(feedReq.Tables, types.TableName(name))
	}
	if req.After != "" {
		cursor, err := changefeed.DecodeCursor(req.After)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request", map[string]any{"after": "Invalid cursor"})
			return
		}
		feedReq.After = &cursor
	}

	page, err := h.feed.Changes(r.Context(), feedReq)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, changesResponse{
		Items:      page.Items,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
		NextToken:  page.NextToken,
	})
}

// decodeAndValidate reads a JSON body into req. On failure the response has
// already been written and false is returned.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req any, log zerolog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		log.Debug().Err(err).Msg("decode request body")
		respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", nil)
		return false
	}
	if err := getValidator().Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, CodeValidation, "Invalid request", formatValidationError(err))
		return false
	}
	return true
}

func parseActor(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := r.Header.Get(ActorHeader)
	if raw == "" {
		return nil, true
	}
	actor, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request", map[string]any{ActorHeader: "Must be a UUID"})
		return nil, false
	}
	return &actor, true
}
