package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// FactoryService serves operator reads and template management.
type FactoryService struct {
	templates domain.TemplateStore
	markets   domain.MarketStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewFactoryService creates a FactoryService. audit may be nil.
func NewFactoryService(
	templates domain.TemplateStore,
	markets domain.MarketStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *FactoryService {
	return &FactoryService{
		templates: templates,
		markets:   markets,
		audit:     audit,
		logger:    logger.With(slog.String("component", "factory_service")),
	}
}

// Templates lists every template.
func (s *FactoryService) Templates(ctx context.Context) ([]domain.MarketTemplate, error) {
	return s.templates.List(ctx)
}

// CreateTemplate validates and stores a new template.
func (s *FactoryService) CreateTemplate(ctx context.Context, t domain.MarketTemplate) (domain.MarketTemplate, error) {
	if err := t.Validate(); err != nil {
		return domain.MarketTemplate{}, err
	}
	created, err := s.templates.Create(ctx, t)
	if err != nil {
		return domain.MarketTemplate{}, fmt.Errorf("factory_service: create template: %w", err)
	}
	s.logger.InfoContext(ctx, "template created",
		slog.String("template_id", created.ID),
		slog.String("symbol", created.Symbol),
		slog.Int("period", created.PeriodMinutes),
	)
	s.auditLog(ctx, "template_created", map[string]any{"template_id": created.ID, "symbol": created.Symbol})
	return created, nil
}

// ResumeTemplate reactivates a paused template.
func (s *FactoryService) ResumeTemplate(ctx context.Context, id string) (domain.MarketTemplate, error) {
	if err := s.templates.Resume(ctx, id); err != nil {
		return domain.MarketTemplate{}, err
	}
	s.logger.InfoContext(ctx, "template resumed", slog.String("template_id", id))
	s.auditLog(ctx, "template_resumed", map[string]any{"template_id": id})
	return s.templates.GetByID(ctx, id)
}

// Stats reports market counts.
func (s *FactoryService) Stats(ctx context.Context) (domain.FactoryStats, error) {
	return s.markets.Stats(ctx)
}

// Audit lists recent audit rows.
func (s *FactoryService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.List(ctx, opts)
}

func (s *FactoryService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
