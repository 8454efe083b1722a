package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/event-intake/internal/ingest"
	"github.com/ignite/event-intake/internal/normalize"
)

// faultHeader triggers a synthetic persistence failure after the write
// but before commit. Test environments only.
const faultHeader = "X-Inject-Fault"

// Handlers holds dependencies for all HTTP handlers
type Handlers struct {
	pipeline *ingest.Pipeline
	queries  ingest.Queries

	maxBatchSize int
	maxBodyBytes int64
}

// NewHandlers creates a new Handlers instance
func NewHandlers(pipeline *ingest.Pipeline, queries ingest.Queries, maxBatchSize int, maxBodyBytes int64) *Handlers {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Handlers{
		pipeline:     pipeline,
		queries:      queries,
		maxBatchSize: maxBatchSize,
		maxBodyBytes: maxBodyBytes,
	}
}

// HandleIngest accepts one event payload and runs it through the
// pipeline. The HTTP status encodes the outcome: 201 created,
// 200 duplicate, 422 invalid, 500 retryable error.
//
//	POST /api/events
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	res := h.pipeline.Ingest(r.Context(), payload, ingest.Options{
		RequestID:   middleware.GetReqID(r.Context()),
		InjectFault: r.Header.Get(faultHeader) != "",
	})
	respondJSON(w, statusCode(res), res)
}

// HandleIngestBatch accepts a JSON array of event payloads and ingests
// them in order. Each element gets its own Result; one bad element does
// not stop the rest.
//
//	POST /api/events/batch
func (h *Handlers) HandleIngestBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var payloads []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON array of objects")
		return
	}
	if len(payloads) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(payloads) > h.maxBatchSize {
		respondError(w, http.StatusRequestEntityTooLarge, "batch exceeds maximum size")
		return
	}

	opts := ingest.Options{
		RequestID:   middleware.GetReqID(r.Context()),
		InjectFault: r.Header.Get(faultHeader) != "",
	}
	results := make([]ingest.Result, 0, len(payloads))
	counts := map[ingest.Status]int{}
	for _, payload := range payloads {
		res := h.pipeline.Ingest(r.Context(), payload, opts)
		results = append(results, res)
		counts[res.Status]++
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"summary": map[string]int{
			"received":   len(results),
			"created":    counts[ingest.StatusCreated],
			"duplicates": counts[ingest.StatusDuplicate],
			"invalid":    counts[ingest.StatusInvalid],
			"errors":     counts[ingest.StatusError],
		},
	})
}

// HandleListEvents returns normalized events, newest first. Filters:
// client, status, from, to (canonical timestamp format or RFC3339),
// limit, offset.
//
//	GET /api/events
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingest.EventFilter{
		Client: q.Get("client"),
		Status: q.Get("status"),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	}

	var err error
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid from parameter")
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid to parameter")
		return
	}

	events, err := h.queries.ListNormalized(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []ingest.NormalizedEventView{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// HandleListFailed returns failure records, newest first.
//
//	GET /api/events/failed
func (h *Handlers) HandleListFailed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	failed, err := h.queries.ListFailed(r.Context(), intParam(q.Get("limit")), intParam(q.Get("offset")))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list failed events")
		return
	}
	if failed == nil {
		failed = []ingest.FailedEventView{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"failed": failed,
		"count":  len(failed),
	})
}

// HandleStats returns the pipeline's ingestion counters.
//
//	GET /api/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.pipeline.Stats())
}

func statusCode(res ingest.Result) int {
	switch res.Status {
	case ingest.StatusCreated:
		return http.StatusCreated
	case ingest.StatusDuplicate:
		return http.StatusOK
	case ingest.StatusInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{normalize.TimeLayout, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
