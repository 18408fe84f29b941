package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/pipeline"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

// FactoryReader serves operator reads.
type FactoryReader interface {
	Stats(ctx context.Context) (domain.FactoryStats, error)
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// SettlementRunner runs one settlement scan.
type SettlementRunner interface {
	Run(ctx context.Context) (service.SettlementRunResult, error)
}

// RelayRunner runs the relay and its cleanup.
type RelayRunner interface {
	Run(ctx context.Context) (service.RelayResult, error)
	Cleanup(ctx context.Context) (int64, error)
}

// FactoryHandler serves settlement and relay triggers, stats and cleanup.
// Triggers run under the settle_relay latch so they never overlap the
// scheduled job.
type FactoryHandler struct {
	jobs    JobRunner
	factory FactoryReader
	settler SettlementRunner
	relay   RelayRunner
	logger  *slog.Logger
}

// NewFactoryHandler creates a FactoryHandler.
func NewFactoryHandler(jobs JobRunner, factory FactoryReader, settler SettlementRunner, relay RelayRunner, logger *slog.Logger) *FactoryHandler {
	return &FactoryHandler{
		jobs:    jobs,
		factory: factory,
		settler: settler,
		relay:   relay,
		logger:  logger,
	}
}

// RunSettlement settles every expired market now.
// POST /api/settlement/run
func (h *FactoryHandler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobs.Exclusive(r.Context(), pipeline.JobSettleRelay, func(ctx context.Context) (any, string, error) {
		out, err := h.settler.Run(ctx)
		return out, "manual settlement", err
	})
	writeJobResult(w, r, h.logger, "settlement", res, err)
}

// RunRelay generates and binds template markets now.
// POST /api/relay/run
func (h *FactoryHandler) RunRelay(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobs.Exclusive(r.Context(), pipeline.JobSettleRelay, func(ctx context.Context) (any, string, error) {
		out, err := h.relay.Run(ctx)
		return out, "manual relay", err
	})
	writeJobResult(w, r, h.logger, "relay", res, err)
}

// Cleanup removes template markets that never bound.
// POST /api/factory/cleanup
func (h *FactoryHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.jobs.Exclusive(r.Context(), pipeline.JobSettleRelay, func(ctx context.Context) (any, string, error) {
		n, err := h.relay.Cleanup(ctx)
		return map[string]int64{"deleted": n}, "cleanup", err
	})
	writeJobResult(w, r, h.logger, "cleanup", res, err)
}

// Stats reports market counts and total payout.
// GET /api/factory/stats
func (h *FactoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.factory.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: factory stats failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read factory stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type auditEntryJSON struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit lists recent audit rows.
// GET /api/factory/audit?limit=50&offset=0
func (h *FactoryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.factory.Audit(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	out := make([]auditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
