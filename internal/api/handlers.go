package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"b2chat-sync-service/internal/b2chat"
	"b2chat-sync-service/internal/logger"
	"b2chat-sync-service/internal/store"
	"b2chat-sync-service/internal/sync"
)

type extractRequest struct {
	EntityType      string     `json:"entityType"`
	PageSize        int        `json:"pageSize"`
	FullSync        bool       `json:"fullSync"`
	TimeRangePreset string     `json:"timeRangePreset"`
	DateFrom        *time.Time `json:"dateFrom"`
	DateTo          *time.Time `json:"dateTo"`
	ContactID       string     `json:"contactId"`
	Mobile          string     `json:"mobile"`
	MaxRecords      int        `json:"maxRecords"`
}

type transformRequest struct {
	EntityType    string `json:"entityType"`
	ExtractSyncID string `json:"extractSyncId"`
	BatchSize     int    `json:"batchSize"`
	MaxAttempts   int    `json:"maxAttempts"`
}

// TriggerExtract runs an extraction synchronously and reports its result.
// entityType "all" extracts contacts then chats. Cancelling the run (or
// dropping the request) still answers with the partial result.
func (h *Handler) TriggerExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	opts := sync.ExtractOptions{
		EntityType:      req.EntityType,
		PageSize:        req.PageSize,
		FullSync:        req.FullSync,
		TimeRangePreset: req.TimeRangePreset,
		DateFrom:        req.DateFrom,
		DateTo:          req.DateTo,
		ContactID:       req.ContactID,
		Mobile:          req.Mobile,
		MaxRecords:      req.MaxRecords,
		TriggeredBy:     triggeredBy(r),
	}

	if req.EntityType == "all" {
		results, err := h.manager.ExtractAll(r.Context(), opts)
		if err != nil {
			writeRunError(w, err, lastExtractSyncID(results))
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": worstStatus(results), "results": results})
		return
	}

	result, err := h.manager.Extract(r.Context(), opts)
	if err != nil {
		var syncID string
		if result != nil {
			syncID = result.SyncID
		}
		writeRunError(w, err, syncID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": result.Status, "result": result})
}

// TriggerTransform runs a transformation synchronously.
func (h *Handler) TriggerTransform(w http.ResponseWriter, r *http.Request) {
	var req transformRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	result, err := h.manager.Transform(r.Context(), sync.TransformOptions{
		EntityType:    req.EntityType,
		ExtractSyncID: req.ExtractSyncID,
		BatchSize:     req.BatchSize,
		MaxAttempts:   req.MaxAttempts,
		TriggeredBy:   triggeredBy(r),
	})
	if err != nil {
		var syncID string
		if result != nil {
			syncID = result.SyncID
		}
		writeRunError(w, err, syncID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": result.Status, "result": result})
}

// CancelRun requests cooperative cancellation of an in-flight run. The run
// winds down on its next page or batch boundary.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	syncID := chi.URLParam(r, "syncID")
	if !h.manager.CancelRun(syncID) {
		respondError(w, http.StatusNotFound, "not_found", "no active run with that id", nil)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "syncId": syncID})
}

func (h *Handler) ActiveRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"runs": h.manager.ActiveRuns()})
}

func (h *Handler) ListExtractRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	runs, err := h.manager.ListExtractRuns(r.Context(), r.URL.Query().Get("entityType"), limit)
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	out := make([]extractRunJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toExtractRunJSON(run))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *Handler) GetExtractRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.GetExtractRun(r.Context(), chi.URLParam(r, "syncID"))
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "no extract run with that id", nil)
		return
	}
	respondJSON(w, http.StatusOK, toExtractRunJSON(run))
}

func (h *Handler) ListTransformRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	runs, err := h.manager.ListTransformRuns(r.Context(), r.URL.Query().Get("extractSyncId"), r.URL.Query().Get("entityType"), limit)
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	out := make([]transformRunJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toTransformRunJSON(run))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *Handler) GetTransformRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.GetTransformRun(r.Context(), chi.URLParam(r, "syncID"))
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "no transform run with that id", nil)
		return
	}
	respondJSON(w, http.StatusOK, toTransformRunJSON(run))
}

func (h *Handler) PendingCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.manager.PendingCounts(r.Context())
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": counts})
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	stats, err := h.manager.Statistics(r.Context(), days)
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339", nil)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": h.manager.Events(limit, since),
		"stats":  h.manager.EventStats(),
	})
}

// ---- response shaping ----

type extractRunJSON struct {
	SyncID         string          `json:"syncId"`
	EntityType     string          `json:"entityType"`
	Operation      string          `json:"operation"`
	Status         string          `json:"status"`
	TriggeredBy    string          `json:"triggeredBy"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	RecordsFetched int             `json:"recordsFetched"`
	TotalPages     int             `json:"totalPages"`
	APICallCount   int             `json:"apiCallCount"`
	DateRangeFrom  *time.Time      `json:"dateRangeFrom,omitempty"`
	DateRangeTo    *time.Time      `json:"dateRangeTo,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func toExtractRunJSON(run *store.ExtractRun) extractRunJSON {
	return extractRunJSON{
		SyncID:         run.SyncID,
		EntityType:     run.EntityType,
		Operation:      run.Operation,
		Status:         run.Status,
		TriggeredBy:    run.TriggeredBy,
		StartedAt:      run.StartedAt,
		CompletedAt:    timePtr(run.CompletedAt),
		RecordsFetched: run.RecordsFetched,
		TotalPages:     run.TotalPages,
		APICallCount:   run.APICallCount,
		DateRangeFrom:  timePtr(run.DateRangeFrom),
		DateRangeTo:    timePtr(run.DateRangeTo),
		ErrorMessage:   run.ErrorMessage.String,
		Metadata:       run.Metadata,
	}
}

type transformRunJSON struct {
	SyncID             string     `json:"syncId"`
	ExtractSyncID      string     `json:"extractSyncId,omitempty"`
	EntityType         string     `json:"entityType"`
	Status             string     `json:"status"`
	TriggeredBy        string     `json:"triggeredBy"`
	StartedAt          time.Time  `json:"startedAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	RecordsProcessed   int        `json:"recordsProcessed"`
	RecordsCreated     int        `json:"recordsCreated"`
	RecordsUpdated     int        `json:"recordsUpdated"`
	RecordsSkipped     int        `json:"recordsSkipped"`
	RecordsFailed      int        `json:"recordsFailed"`
	ValidationWarnings int        `json:"validationWarnings"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
}

func toTransformRunJSON(run *store.TransformRun) transformRunJSON {
	return transformRunJSON{
		SyncID:             run.SyncID,
		ExtractSyncID:      run.ExtractSyncID.String,
		EntityType:         run.EntityType,
		Status:             run.Status,
		TriggeredBy:        run.TriggeredBy,
		StartedAt:          run.StartedAt,
		CompletedAt:        timePtr(run.CompletedAt),
		RecordsProcessed:   run.RecordsProcessed,
		RecordsCreated:     run.RecordsCreated,
		RecordsUpdated:     run.RecordsUpdated,
		RecordsSkipped:     run.RecordsSkipped,
		RecordsFailed:      run.RecordsFailed,
		ValidationWarnings: run.ValidationWarnings,
		ErrorMessage:       run.ErrorMessage.String,
	}
}

// ---- helpers ----

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("malformed JSON body")
	}
	return nil
}

func triggeredBy(r *http.Request) string {
	caller := CallerFromContext(r.Context())
	if caller == "" {
		return "api"
	}
	return "api:" + caller
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

func lastExtractSyncID(results []*sync.ExtractResult) string {
	if len(results) == 0 {
		return ""
	}
	return results[len(results)-1].SyncID
}

// worstStatus collapses an extract-all outcome to one status so callers can
// branch on the envelope alone: any cancelled run marks the whole batch
// cancelled, otherwise everything completed.
func worstStatus(results []*sync.ExtractResult) string {
	status := store.RunStatusCompleted
	for _, res := range results {
		if res.Status == store.RunStatusCancelled {
			status = store.RunStatusCancelled
		}
	}
	return status
}

// writeRunError maps pipeline errors onto the API surface: rejected options
// are the caller's fault, an extract collision is a conflict, upstream
// failures gateway errors, everything else internal.
func writeRunError(w http.ResponseWriter, err error, syncID string) {
	var details map[string]any
	if syncID != "" {
		details = map[string]any{"syncId": syncID}
	}

	var optsErr *sync.OptionsError
	if errors.As(err, &optsErr) {
		respondError(w, http.StatusBadRequest, "invalid_request", optsErr.Reason, details)
		return
	}
	if errors.Is(err, sync.ErrExtractRunning) {
		respondError(w, http.StatusConflict, "extract_running", err.Error(), details)
		return
	}

	var apiErr *b2chat.APIError
	if errors.As(err, &apiErr) {
		if details == nil {
			details = map[string]any{}
		}
		details["endpoint"] = apiErr.Endpoint
		if apiErr.StatusCode > 0 {
			details["statusCode"] = apiErr.StatusCode
		}
		status := http.StatusBadGateway
		code := "upstream_error"
		if apiErr.Retryable {
			status = http.StatusGatewayTimeout
			code = "upstream_unavailable"
		}
		respondError(w, status, code, err.Error(), details)
		return
	}

	logger.Log.Error("Request failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal_error", "internal error", details)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("Failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	body := map[string]any{
		"error":   code,
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	respondJSON(w, status, body)
}
