package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// TemplateStore implements domain.TemplateStore using PostgreSQL.
type TemplateStore struct {
	pool *pgxpool.Pool
}

// NewTemplateStore creates a new TemplateStore backed by the given connection pool.
func NewTemplateStore(pool *pgxpool.Pool) *TemplateStore {
	return &TemplateStore{pool: pool}
}

const templateSelectCols = `id, name, symbol, period_minutes, market_type, status,
	series_id, failure_count, pause_reason, created_at, updated_at`

func scanTemplate(row pgx.Row) (domain.MarketTemplate, error) {
	var t domain.MarketTemplate
	var status string
	err := row.Scan(
		&t.ID, &t.Name, &t.Symbol, &t.PeriodMinutes, &t.MarketType, &status,
		&t.SeriesID, &t.FailureCount, &t.PauseReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.MarketTemplate{}, err
	}
	t.Status = domain.TemplateStatus(status)
	return t, nil
}

func collectTemplates(rows pgx.Rows) ([]domain.MarketTemplate, error) {
	defer rows.Close()
	var out []domain.MarketTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts a template, assigning an id when none is given.
func (s *TemplateStore) Create(ctx context.Context, t domain.MarketTemplate) (domain.MarketTemplate, error) {
	if err := t.Validate(); err != nil {
		return domain.MarketTemplate{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TemplateStatusActive
	}
	if t.MarketType == "" {
		t.MarketType = "UP_OR_DOWN"
	}
	if t.Name == "" {
		t.Name = fmt.Sprintf("%s %dm", strings.ToUpper(t.Symbol), t.PeriodMinutes)
	}

	const query = `
		INSERT INTO market_templates (id, name, symbol, period_minutes, market_type, status, series_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + templateSelectCols

	created, err := scanTemplate(s.pool.QueryRow(ctx, query,
		t.ID, t.Name, t.Symbol, t.PeriodMinutes, t.MarketType, string(t.Status), t.SeriesID,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.MarketTemplate{}, fmt.Errorf("postgres: create template %s: %w", t.ID, domain.ErrAlreadyExists)
		}
		return domain.MarketTemplate{}, fmt.Errorf("postgres: create template %s: %w", t.ID, err)
	}
	return created, nil
}

// GetByID retrieves a single template.
func (s *TemplateStore) GetByID(ctx context.Context, id string) (domain.MarketTemplate, error) {
	query := `SELECT ` + templateSelectCols + ` FROM market_templates WHERE id = $1`
	t, err := scanTemplate(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketTemplate{}, domain.ErrNotFound
		}
		return domain.MarketTemplate{}, fmt.Errorf("postgres: get template %s: %w", id, err)
	}
	return t, nil
}

// List returns all templates ordered by name.
func (s *TemplateStore) List(ctx context.Context) ([]domain.MarketTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateSelectCols+` FROM market_templates ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list templates: %w", err)
	}
	out, err := collectTemplates(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan templates: %w", err)
	}
	return out, nil
}

// ListActive returns templates the relay engine should generate for.
func (s *TemplateStore) ListActive(ctx context.Context) ([]domain.MarketTemplate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateSelectCols+` FROM market_templates WHERE status = $1 ORDER BY created_at, id`,
		string(domain.TemplateStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active templates: %w", err)
	}
	out, err := collectTemplates(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active templates: %w", err)
	}
	return out, nil
}

// RecordFailure bumps the failure count in one statement and pauses the
// template when the count reaches threshold.
func (s *TemplateStore) RecordFailure(ctx context.Context, id string, threshold int, reason string) (int, bool, error) {
	const query = `
		UPDATE market_templates SET
			failure_count = failure_count + 1,
			status       = CASE WHEN failure_count + 1 >= $2 THEN 'PAUSED' ELSE status END,
			pause_reason = CASE WHEN failure_count + 1 >= $2 THEN $3 ELSE pause_reason END,
			updated_at   = NOW()
		WHERE id = $1
		RETURNING failure_count, status`

	var count int
	var status string
	err := s.pool.QueryRow(ctx, query, id, threshold, reason).Scan(&count, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, domain.ErrNotFound
		}
		return 0, false, fmt.Errorf("postgres: record template failure %s: %w", id, err)
	}
	return count, domain.TemplateStatus(status) == domain.TemplateStatusPaused, nil
}

// ResetFailures clears the failure count after a successful relay pass.
func (s *TemplateStore) ResetFailures(ctx context.Context, id string) error {
	const query = `
		UPDATE market_templates SET failure_count = 0, updated_at = NOW()
		WHERE id = $1 AND failure_count <> 0`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: reset template failures %s: %w", id, err)
	}
	return nil
}

// Resume reactivates a paused template and clears its failure state.
func (s *TemplateStore) Resume(ctx context.Context, id string) error {
	const query = `
		UPDATE market_templates SET
			status = 'ACTIVE', failure_count = 0, pause_reason = NULL, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: resume template %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.TemplateStore = (*TemplateStore)(nil)
