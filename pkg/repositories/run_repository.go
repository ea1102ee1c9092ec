package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
)

// RunRepository persists per-run summaries.
type RunRepository interface {
	// Start inserts the run row before any outcome references it.
	Start(ctx context.Context, run *models.RunSummary) error

	// Finish stores the final counts and completion time.
	Finish(ctx context.Context, run *models.RunSummary) error

	// GetByID returns one run. Returns apperrors.ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.RunSummary, error)

	// ListRecent returns the latest runs for job (all jobs when empty), newest first.
	ListRecent(ctx context.Context, job string, limit int) ([]*models.RunSummary, error)
}

type runRepository struct {
	db *database.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *database.DB) RunRepository {
	return &runRepository{db: db}
}

var _ RunRepository = (*runRepository)(nil)

func (r *runRepository) Start(ctx context.Context, run *models.RunSummary) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sync_runs (id, job, started_at)
		VALUES ($1, $2, $3)`,
		run.RunID, run.Job, run.StartedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to start sync run: %w", err)
	}
	return nil
}

func (r *runRepository) Finish(ctx context.Context, run *models.RunSummary) error {
	failedLists := run.FailedLists
	if failedLists == nil {
		failedLists = []string{}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE sync_runs
		SET finished_at = $2, created_count = $3, updated_count = $4, skipped_count = $5,
		    failed_count = $6, aborted_count = $7, failed_lists = $8, error = $9
		WHERE id = $1`,
		run.RunID,
		run.FinishedAt,
		run.Created,
		run.Updated,
		run.Skipped,
		run.Failed,
		run.Aborted,
		failedLists,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

const runColumns = `id, job, started_at, finished_at, created_count, updated_count,
		skipped_count, failed_count, aborted_count, failed_lists, error`

func (r *runRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	run, err := scanRun(r.db.QueryRow(ctx, "SELECT "+runColumns+" FROM sync_runs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func (r *runRepository) ListRecent(ctx context.Context, job string, limit int) ([]*models.RunSummary, error) {
	query := "SELECT " + runColumns + ` FROM sync_runs
		WHERE ($1 = '' OR job = $1)
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, job, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*models.RunSummary, error) {
	var run models.RunSummary
	err := row.Scan(
		&run.RunID,
		&run.Job,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Created,
		&run.Updated,
		&run.Skipped,
		&run.Failed,
		&run.Aborted,
		&run.FailedLists,
		&run.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}
	if len(run.FailedLists) == 0 {
		run.FailedLists = nil
	}
	return &run, nil
}
