package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketfactory/internal/pipeline"
)

// SchedulerControl is the operator surface of the scheduler.
type SchedulerControl interface {
	Status(ctx context.Context) pipeline.SchedulerStatus
	SetEnabled(ctx context.Context, enabled bool) error
}

// SchedulerHandler serves scheduler status and the global enable flag.
type SchedulerHandler struct {
	scheduler SchedulerControl
	logger    *slog.Logger
}

// NewSchedulerHandler creates a SchedulerHandler.
func NewSchedulerHandler(scheduler SchedulerControl, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler, logger: logger}
}

// Status returns the enable flag, job latches and last heartbeats.
// GET /api/scheduler/status
func (h *SchedulerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status(r.Context()))
}

// Enable turns the scheduler on.
// POST /api/scheduler/enable
func (h *SchedulerHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable turns the scheduler off. Running jobs finish; later ticks are
// skipped.
// POST /api/scheduler/disable
func (h *SchedulerHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *SchedulerHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := h.scheduler.SetEnabled(r.Context(), enabled); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set scheduler flag failed",
			slog.Bool("enabled", enabled),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to update scheduler flag")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}
