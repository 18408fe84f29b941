package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/pipeline"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// JobRunner runs pipeline work on behalf of an operator. *pipeline.Scheduler
// satisfies it.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (any, error)
	Exclusive(ctx context.Context, name string, fn pipeline.JobFunc) (any, error)
}

// writeJobResult maps a job outcome to a response. A job that is already
// running, locked by another process or disabled is a 409.
func writeJobResult(w http.ResponseWriter, r *http.Request, logger *slog.Logger, job string, result any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "result": result})
	case errors.Is(err, pipeline.ErrJobRunning), errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, job+" is already running")
	case errors.Is(err, pipeline.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown job "+job)
	case errors.Is(err, pipeline.ErrStopping):
		writeError(w, http.StatusServiceUnavailable, "scheduler is shutting down")
	default:
		logger.ErrorContext(r.Context(), "handler: job failed",
			slog.String("job", job),
			slog.String("error", err.Error()),
		)
		// Partial results are still useful to the operator.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"job":    job,
			"result": result,
			"error":  err.Error(),
		})
	}
}
