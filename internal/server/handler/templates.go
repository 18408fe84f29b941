package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// TemplateService manages market templates.
type TemplateService interface {
	Templates(ctx context.Context) ([]domain.MarketTemplate, error)
	CreateTemplate(ctx context.Context, t domain.MarketTemplate) (domain.MarketTemplate, error)
	ResumeTemplate(ctx context.Context, id string) (domain.MarketTemplate, error)
}

// TemplateHandler serves template endpoints.
type TemplateHandler struct {
	templates TemplateService
	logger    *slog.Logger
}

// NewTemplateHandler creates a TemplateHandler.
func NewTemplateHandler(templates TemplateService, logger *slog.Logger) *TemplateHandler {
	return &TemplateHandler{templates: templates, logger: logger}
}

type templateJSON struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Symbol        string    `json:"symbol"`
	PeriodMinutes int       `json:"period_minutes"`
	MarketType    string    `json:"market_type"`
	Status        string    `json:"status"`
	SeriesID      *string   `json:"series_id,omitempty"`
	FailureCount  int       `json:"failure_count"`
	PauseReason   *string   `json:"pause_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toTemplateJSON(t domain.MarketTemplate) templateJSON {
	return templateJSON{
		ID:            t.ID,
		Name:          t.Name,
		Symbol:        t.Symbol,
		PeriodMinutes: t.PeriodMinutes,
		MarketType:    t.MarketType,
		Status:        string(t.Status),
		SeriesID:      t.SeriesID,
		FailureCount:  t.FailureCount,
		PauseReason:   t.PauseReason,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

type createTemplateRequest struct {
	Name          string  `json:"name"`
	Symbol        string  `json:"symbol"`
	PeriodMinutes int     `json:"period_minutes"`
	MarketType    string  `json:"market_type"`
	SeriesID      *string `json:"series_id"`
}

// List returns every template.
// GET /api/templates
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.templates.Templates(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list templates failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	out := make([]templateJSON, 0, len(list))
	for _, t := range list {
		out = append(out, toTemplateJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

// Create stores a new ACTIVE template.
// POST /api/templates
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := h.templates.CreateTemplate(r.Context(), domain.MarketTemplate{
		Name:          req.Name,
		Symbol:        req.Symbol,
		PeriodMinutes: req.PeriodMinutes,
		MarketType:    req.MarketType,
		Status:        domain.TemplateStatusActive,
		SeriesID:      req.SeriesID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toTemplateJSON(created))
	case errors.Is(err, domain.ErrInvalidTemplate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "template already exists")
	default:
		h.logger.ErrorContext(r.Context(), "handler: create template failed",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create template")
	}
}

// Resume reactivates a paused template and clears its failure count.
// POST /api/templates/{id}/resume
func (h *TemplateHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing template id")
		return
	}
	t, err := h.templates.ResumeTemplate(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: resume template failed",
			slog.String("template_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to resume template")
		return
	}
	writeJSON(w, http.StatusOK, toTemplateJSON(t))
}
