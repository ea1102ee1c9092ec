package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/source"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/upstream"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/workerpool"
)

// RunOptions tune a single catalog run.
type RunOptions struct {
	// Force rewrites every record even when its version stamp is unchanged.
	Force bool
}

// CatalogSync reconciles every configured catalog list into the local store.
type CatalogSync interface {
	// Run drains all lists and reconciles their items. The returned summary
	// is persisted even when Run also returns an error; an error means the
	// run hit a fatal condition (configuration, credentials) and stopped early.
	Run(ctx context.Context, opts RunOptions) (*models.RunSummary, error)

	// Resync fetches a single item from its list and reconciles it with force.
	Resync(ctx context.Context, origin, sourceID string) (*models.ReconciliationOutcome, error)
}

// UpstreamFetcher is the slice of the upstream client the sync jobs need.
type UpstreamFetcher interface {
	DrainOne(ctx context.Context, url string) (*upstream.Page, error)
	DrainAll(ctx context.Context, url string, itemLimit int) ([]json.RawMessage, error)
	GetItem(ctx context.Context, url string) (json.RawMessage, error)
}

type catalogSync struct {
	cfg        *config.Config
	fetcher    UpstreamFetcher
	registry   *source.Registry
	reconciler Reconciler
	sink       AuditSink
	runs       repositories.RunRepository
	governor   *workerpool.Governor
	logger     *zap.Logger
}

// NewCatalogSync creates a CatalogSync. The governor is shared by every list
// of a run so the concurrency ceiling applies to the run as a whole.
func NewCatalogSync(
	cfg *config.Config,
	fetcher UpstreamFetcher,
	registry *source.Registry,
	reconciler Reconciler,
	sink AuditSink,
	runs repositories.RunRepository,
	governor *workerpool.Governor,
	logger *zap.Logger,
) CatalogSync {
	return &catalogSync{
		cfg:        cfg,
		fetcher:    fetcher,
		registry:   registry,
		reconciler: reconciler,
		sink:       sink,
		runs:       runs,
		governor:   governor,
		logger:     logger.Named("catalog-sync"),
	}
}

var _ CatalogSync = (*catalogSync)(nil)

// runTracker accumulates a summary from concurrent list workers.
type runTracker struct {
	mu      sync.Mutex
	summary *models.RunSummary
}

func (t *runTracker) add(status models.OutcomeStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Add(status)
}

func (t *runTracker) abort(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Aborted += n
}

func (t *runTracker) failList(origin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.FailedLists = append(t.summary.FailedLists, origin)
}

func (s *catalogSync) Run(ctx context.Context, opts RunOptions) (*models.RunSummary, error) {
	if err := s.cfg.ValidateCatalog(s.registry.Supports); err != nil {
		return nil, err
	}

	if timeout := s.cfg.Catalog.RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	run := models.NewRunSummary(models.JobCatalog)
	if err := s.runs.Start(ctx, run); err != nil {
		return nil, fmt.Errorf("start catalog run: %w", err)
	}

	s.logger.Info("Starting catalog run",
		zap.String("run_id", run.RunID.String()),
		zap.Int("lists", len(s.cfg.Catalog.Lists)),
		zap.Bool("force", opts.Force))

	tracker := &runTracker{summary: run}
	g, gctx := errgroup.WithContext(ctx)
	for _, list := range s.cfg.Catalog.Lists {
		g.Go(func() error {
			return s.syncList(gctx, list, run, opts, tracker)
		})
	}
	runErr := g.Wait()

	return s.finish(ctx, run, runErr)
}

func (s *catalogSync) finish(ctx context.Context, run *models.RunSummary, runErr error) (*models.RunSummary, error) {
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

	s.logger.Info("Catalog run finished",
		zap.String("run_id", run.RunID.String()),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed),
		zap.Int("aborted", run.Aborted),
		zap.Strings("failed_lists", run.FailedLists))

	return run, runErr
}

// syncList drains one list page by page. Only fatal errors are returned; any
// other fetch failure marks the list failed and leaves the other lists running.
func (s *catalogSync) syncList(ctx context.Context, list config.ListConfig, run *models.RunSummary, opts RunOptions, tracker *runTracker) error {
	logger := s.logger.With(zap.String("origin", list.Origin))
	visited := make(map[string]bool)
	seen := 0

	for next := list.URL; next != ""; {
		if ctx.Err() != nil {
			return nil
		}
		if visited[next] {
			logger.Warn("Continuation link cycle detected, stopping", zap.String("url", next))
			return nil
		}
		visited[next] = true

		page, err := s.fetcher.DrainOne(ctx, next)
		if err != nil {
			if apperrors.IsFatal(err) {
				return fmt.Errorf("catalog list %q: %w", list.Origin, err)
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			logger.Error("Failed to fetch catalog list page",
				zap.String("url", next),
				zap.Int("status", upstream.StatusCodeOf(err)),
				zap.Error(err))
			tracker.failList(list.Origin)
			return nil
		}

		items := page.Items
		if list.ItemLimit > 0 && seen+len(items) > list.ItemLimit {
			items = items[:list.ItemLimit-seen]
		}
		seen += len(items)

		s.processItems(ctx, list, items, run, opts, tracker)

		if list.ItemLimit > 0 && seen >= list.ItemLimit {
			return nil
		}
		next = page.NextLink
	}
	return nil
}

func (s *catalogSync) processItems(ctx context.Context, list config.ListConfig, items []json.RawMessage, run *models.RunSummary, opts RunOptions, tracker *runTracker) {
	if len(items) == 0 {
		return
	}

	runID := run.RunID
	tasks := make([]workerpool.Task[*models.ReconciliationOutcome], 0, len(items))
	for i, raw := range items {
		tasks = append(tasks, workerpool.Task[*models.ReconciliationOutcome]{
			ID: fmt.Sprintf("%s#%d", list.Origin, i),
			Execute: func(ctx context.Context) (*models.ReconciliationOutcome, error) {
				return s.reconcileRaw(ctx, list, raw, &runID, models.JobCatalog, opts.Force), nil
			},
		})
	}

	aborted := 0
	workerpool.Process(ctx, s.governor, tasks, func(r workerpool.Result[*models.ReconciliationOutcome]) {
		if r.Aborted {
			aborted++
			return
		}
		tracker.add(r.Value.Status)
	})
	if aborted > 0 {
		tracker.abort(aborted)
		metrics.OutcomesTotal.WithLabelValues(models.JobCatalog, "aborted").Add(float64(aborted))
	}
}

// reconcileRaw normalizes one upstream item and reconciles it. Items that
// cannot be normalized are recorded as failed without touching the store.
func (s *catalogSync) reconcileRaw(ctx context.Context, list config.ListConfig, raw json.RawMessage, runID *uuid.UUID, job string, force bool) *models.ReconciliationOutcome {
	rec, err := s.registry.Normalize(raw, list.SchemaVersion)
	if err != nil {
		outcome := &models.ReconciliationOutcome{
			RunID:     runID,
			Job:       job,
			OriginRef: list.Origin,
			SourceID:  source.ProbeID(raw),
			CreatedAt: time.Now(),
		}
		fillFailure(outcome, err, raw)
		log := s.logger.Warn
		if apperrors.IsStructural(err) {
			log = s.logger.Error
		}
		log("Skipping item that failed normalization",
			zap.String("origin", list.Origin),
			zap.String("source_id", outcome.SourceID),
			zap.Error(err))
		s.sink.Record(ctx, outcome)
		return outcome
	}

	return s.reconciler.Reconcile(ctx, ReconcileRequest{
		RunID:  runID,
		Job:    job,
		Origin: list.Origin,
		Record: rec,
		Force:  force,
	})
}

func (s *catalogSync) Resync(ctx context.Context, origin, sourceID string) (*models.ReconciliationOutcome, error) {
	if err := s.cfg.ValidateUpstream(); err != nil {
		return nil, err
	}
	list, err := s.cfg.List(origin)
	if err != nil {
		return nil, err
	}
	if !s.registry.Supports(list.SchemaVersion) {
		return nil, fmt.Errorf("catalog list %q schema %q: %w", origin, list.SchemaVersion, apperrors.ErrUnsupportedSchema)
	}
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return nil, fmt.Errorf("source id is required: %w", apperrors.ErrInvalidPayload)
	}

	target, err := itemURL(list.URL, sourceID)
	if err != nil {
		return nil, fmt.Errorf("catalog list %q: %w", origin, err)
	}
	raw, err := s.fetcher.GetItem(ctx, target)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidPayload) {
			outcome := &models.ReconciliationOutcome{
				Job:       models.JobResync,
				OriginRef: origin,
				SourceID:  sourceID,
				CreatedAt: time.Now(),
			}
			fillFailure(outcome, err, nil)
			s.sink.Record(ctx, outcome)
			return outcome, nil
		}
		return nil, fmt.Errorf("fetch %s/%s: %w", origin, sourceID, err)
	}

	s.logger.Info("Manual resync",
		zap.String("origin", origin),
		zap.String("source_id", sourceID))

	return s.reconcileRaw(ctx, list, raw, nil, models.JobResync, true), nil
}

// itemURL appends sourceID as a path segment of listURL, keeping any query.
func itemURL(listURL, sourceID string) (string, error) {
	u, err := url.Parse(listURL)
	if err != nil {
		return "", fmt.Errorf("invalid list url: %w", err)
	}
	return u.JoinPath(sourceID).String(), nil
}
