package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/pipeline"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

// OddsService is the part of the odds sync the API drives directly.
type OddsService interface {
	Restart(ctx context.Context) (service.SyncResult, error)
	QueueStats(ctx context.Context) (domain.QueueStats, error)
}

// OddsHandler serves odds sync triggers and queue stats.
type OddsHandler struct {
	jobs   JobRunner
	odds   OddsService
	logger *slog.Logger
}

// NewOddsHandler creates an OddsHandler.
func NewOddsHandler(jobs JobRunner, odds OddsService, logger *slog.Logger) *OddsHandler {
	return &OddsHandler{jobs: jobs, odds: odds, logger: logger}
}

// Sync runs one odds sync immediately.
// POST /api/odds/sync
func (h *OddsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobs.RunNow(r.Context(), pipeline.JobOddsSync)
	writeJobResult(w, r, h.logger, pipeline.JobOddsSync, res, err)
}

// Restart clears the price queue and runs one sync under the odds sync
// latch.
// POST /api/odds/restart
func (h *OddsHandler) Restart(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobs.Exclusive(r.Context(), pipeline.JobOddsSync, func(ctx context.Context) (any, string, error) {
		out, err := h.odds.Restart(ctx)
		return out, "restart", err
	})
	writeJobResult(w, r, h.logger, pipeline.JobOddsSync, res, err)
}

// queueResponse adds the derived backlog to the raw counters.
type queueResponse struct {
	domain.QueueStats
	Backlog int64 `json:"backlog"`
}

// Queue reports the price queue counters.
// GET /api/odds/queue
func (h *OddsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	st, err := h.odds.QueueStats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: queue stats failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{QueueStats: st, Backlog: st.Backlog()})
}
