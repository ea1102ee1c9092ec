package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/retry"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/source"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/workerpool"
)

// DirectorySync mirrors the people directory feed into local profiles.
type DirectorySync interface {
	Run(ctx context.Context) (*models.RunSummary, error)
}

type directorySync struct {
	cfg      *config.Config
	fetcher  UpstreamFetcher
	profiles repositories.ProfileRepository
	sink     AuditSink
	runs     repositories.RunRepository
	governor *workerpool.Governor
	dbRetry  *retry.Config
	logger   *zap.Logger
}

// NewDirectorySync creates a DirectorySync.
func NewDirectorySync(
	cfg *config.Config,
	fetcher UpstreamFetcher,
	profiles repositories.ProfileRepository,
	sink AuditSink,
	runs repositories.RunRepository,
	governor *workerpool.Governor,
	logger *zap.Logger,
) DirectorySync {
	return &directorySync{
		cfg:      cfg,
		fetcher:  fetcher,
		profiles: profiles,
		sink:     sink,
		runs:     runs,
		governor: governor,
		dbRetry:  retry.DatabaseConfig(),
		logger:   logger.Named("directory-sync"),
	}
}

var _ DirectorySync = (*directorySync)(nil)

func (s *directorySync) Run(ctx context.Context) (*models.RunSummary, error) {
	if err := s.cfg.ValidateDirectory(); err != nil {
		return nil, err
	}

	run := models.NewRunSummary(models.JobDirectory)
	if err := s.runs.Start(ctx, run); err != nil {
		return nil, fmt.Errorf("start directory run: %w", err)
	}

	origin := s.cfg.Directory.Origin
	s.logger.Info("Starting directory run",
		zap.String("run_id", run.RunID.String()),
		zap.String("origin", origin))

	items, err := s.fetcher.DrainAll(ctx, s.cfg.Directory.URL, s.cfg.Directory.ItemLimit)
	if err != nil {
		// Entries from pages fetched before the failure are still applied.
		if apperrors.IsFatal(err) {
			return s.finish(ctx, run, err)
		}
		s.logger.Error("Directory feed ended early",
			zap.Int("items", len(items)),
			zap.Error(err))
		run.FailedLists = append(run.FailedLists, origin)
	}

	tasks := make([]workerpool.Task[*models.ReconciliationOutcome], 0, len(items))
	for i, raw := range items {
		tasks = append(tasks, workerpool.Task[*models.ReconciliationOutcome]{
			ID: fmt.Sprintf("%s#%d", origin, i),
			Execute: func(ctx context.Context) (*models.ReconciliationOutcome, error) {
				return s.reconcileEntry(ctx, origin, raw, run.RunID), nil
			},
		})
	}

	workerpool.Process(ctx, s.governor, tasks, func(r workerpool.Result[*models.ReconciliationOutcome]) {
		if r.Aborted {
			run.Aborted++
			metrics.OutcomesTotal.WithLabelValues(models.JobDirectory, "aborted").Inc()
			return
		}
		run.Add(r.Value.Status)
	})

	return s.finish(ctx, run, nil)
}

func (s *directorySync) finish(ctx context.Context, run *models.RunSummary, runErr error) (*models.RunSummary, error) {
	switch {
	case runErr != nil:
		run.Error = runErr.Error()
	case ctx.Err() != nil:
		run.Error = fmt.Sprintf("run ended early: %v", ctx.Err())
	}
	run.Finish()

	if err := s.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("Failed to persist run summary",
			zap.String("run_id", run.RunID.String()),
			zap.Error(err))
	}
	metrics.RunDuration.WithLabelValues(run.Job).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	s.logger.Info("Directory run finished",
		zap.String("run_id", run.RunID.String()),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed),
		zap.Int("aborted", run.Aborted))

	return run, runErr
}

func (s *directorySync) reconcileEntry(ctx context.Context, origin string, raw json.RawMessage, runID uuid.UUID) *models.ReconciliationOutcome {
	ctx = context.WithoutCancel(ctx)

	outcome := &models.ReconciliationOutcome{
		RunID:     &runID,
		Job:       models.JobDirectory,
		OriginRef: origin,
		CreatedAt: time.Now(),
	}

	entry, err := source.NormalizeDirectoryEntry(raw, s.cfg.Directory.InternalDomains)
	if err != nil {
		outcome.SourceID = source.ProbeID(raw)
		fillFailure(outcome, err, raw)
		s.sink.Record(ctx, outcome)
		return outcome
	}
	outcome.SourceID = entry.SourceID

	status, err := s.apply(ctx, origin, entry)
	if err != nil {
		fillFailure(outcome, err, entry)
		s.logger.Warn("Directory entry failed",
			zap.String("login", entry.SourceID),
			zap.Error(err))
	} else {
		outcome.Status = status
	}

	s.sink.Record(ctx, outcome)
	return outcome
}

func (s *directorySync) apply(ctx context.Context, origin string, entry *models.DirectoryEntry) (models.OutcomeStatus, error) {
	var existing *models.DirectoryProfile
	err := retryDB(ctx, s.dbRetry, func() error {
		p, err := s.profiles.Find(ctx, origin, entry.SourceID)
		if errors.Is(err, apperrors.ErrNotFound) {
			existing = nil
			return nil
		}
		existing = p
		return err
	})
	if err != nil {
		return "", err
	}
	if existing.Matches(entry) {
		return models.OutcomeSkipped, nil
	}

	var created bool
	err = retryDB(ctx, s.dbRetry, func() error {
		var err error
		created, err = s.profiles.Upsert(ctx, origin, entry)
		return err
	})
	if err != nil {
		return "", err
	}
	if created {
		return models.OutcomeCreated, nil
	}
	return models.OutcomeUpdated, nil
}
