package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// OutcomeRepository provides append-only access to the reconciliation audit log.
type OutcomeRepository interface {
	// Create inserts a new outcome row.
	Create(ctx context.Context, outcome *models.ReconciliationOutcome) error

	// ListByRun returns the outcomes of one run, newest first.
	ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]*models.ReconciliationOutcome, error)

	// ListFailures returns failed outcomes for an origin, newest first.
	ListFailures(ctx context.Context, origin string, limit int) ([]*models.ReconciliationOutcome, error)
}

type outcomeRepository struct {
	db *database.DB
}

// NewOutcomeRepository creates a new OutcomeRepository.
func NewOutcomeRepository(db *database.DB) OutcomeRepository {
	return &outcomeRepository{db: db}
}

var _ OutcomeRepository = (*outcomeRepository)(nil)

func (r *outcomeRepository) Create(ctx context.Context, outcome *models.ReconciliationOutcome) error {
	if outcome.ID == uuid.Nil {
		outcome.ID = uuid.New()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now()
	}

	var payload []byte
	if len(outcome.Payload) > 0 {
		payload = outcome.Payload
	}

	query := `
		INSERT INTO sync_outcomes (
			id, run_id, job, origin_ref, source_id, status, error_detail, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		outcome.ID,
		outcome.RunID,
		outcome.Job,
		outcome.OriginRef,
		outcome.SourceID,
		string(outcome.Status),
		outcome.ErrorDetail,
		payload,
		outcome.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync outcome: %w", err)
	}

	return nil
}

func (r *outcomeRepository) ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]*models.ReconciliationOutcome, error) {
	query := `
		SELECT id, run_id, job, origin_ref, source_id, status, error_detail, payload, created_at
		FROM sync_outcomes
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return r.list(ctx, query, runID, normalizeLimit(limit))
}

func (r *outcomeRepository) ListFailures(ctx context.Context, origin string, limit int) ([]*models.ReconciliationOutcome, error) {
	query := `
		SELECT id, run_id, job, origin_ref, source_id, status, error_detail, payload, created_at
		FROM sync_outcomes
		WHERE origin_ref = $1 AND status = 'failed'
		ORDER BY created_at DESC
		LIMIT $2`

	return r.list(ctx, query, origin, normalizeLimit(limit))
}

func (r *outcomeRepository) list(ctx context.Context, query string, args ...any) ([]*models.ReconciliationOutcome, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*models.ReconciliationOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync outcomes: %w", err)
	}

	return outcomes, nil
}

func scanOutcome(row pgx.Row) (*models.ReconciliationOutcome, error) {
	var o models.ReconciliationOutcome
	var status string
	var payload []byte

	err := row.Scan(
		&o.ID,
		&o.RunID,
		&o.Job,
		&o.OriginRef,
		&o.SourceID,
		&status,
		&o.ErrorDetail,
		&payload,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync outcome: %w", err)
	}

	o.Status = models.OutcomeStatus(status)
	if len(payload) > 0 {
		o.Payload = payload
	}
	return &o, nil
}

// normalizeLimit clamps list limits to 1..1000, defaulting to 100.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
