package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/database"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/retry"
)

// ReconcileRequest identifies one canonical record to bring into the local store.
type ReconcileRequest struct {
	RunID  *uuid.UUID // nil for manual resyncs outside a run
	Job    string
	Origin string
	Record *models.CanonicalRecord
	// Force updates the local copy even when the version stamps match.
	Force bool
}

// Reconciler brings one canonical record into the local store and reports
// what happened. It never returns an error: failures become a failed outcome.
type Reconciler interface {
	Reconcile(ctx context.Context, req ReconcileRequest) *models.ReconciliationOutcome
}

type reconciler struct {
	repo              repositories.CatalogRepository
	sink              AuditSink
	secondaryLanguage string
	dbRetry           *retry.Config
	logger            *zap.Logger
}

// NewReconciler creates a Reconciler. secondaryLanguage is written as a
// translation row alongside the record's source language.
func NewReconciler(
	repo repositories.CatalogRepository,
	sink AuditSink,
	secondaryLanguage string,
	logger *zap.Logger,
) Reconciler {
	return &reconciler{
		repo:              repo,
		sink:              sink,
		secondaryLanguage: strings.ToLower(strings.TrimSpace(secondaryLanguage)),
		dbRetry:           retry.DatabaseConfig(),
		logger:            logger.Named("reconciler"),
	}
}

var _ Reconciler = (*reconciler)(nil)

func (r *reconciler) Reconcile(ctx context.Context, req ReconcileRequest) *models.ReconciliationOutcome {
	// A started write always runs to commit or rollback, even if the run is cancelled.
	ctx = context.WithoutCancel(ctx)

	outcome := &models.ReconciliationOutcome{
		RunID:     req.RunID,
		Job:       req.Job,
		OriginRef: req.Origin,
		CreatedAt: time.Now(),
	}
	if req.Record != nil {
		outcome.SourceID = req.Record.SourceID
	}

	status, err := r.reconcile(ctx, req)
	if err != nil {
		fillFailure(outcome, err, req.Record)
		r.logger.Warn("Reconciliation failed",
			zap.String("origin", req.Origin),
			zap.String("source_id", outcome.SourceID),
			zap.Error(err))
	} else {
		outcome.Status = status
		r.logger.Debug("Reconciled record",
			zap.String("origin", req.Origin),
			zap.String("source_id", outcome.SourceID),
			zap.String("status", string(status)))
	}

	r.sink.Record(ctx, outcome)
	return outcome
}

func (r *reconciler) reconcile(ctx context.Context, req ReconcileRequest) (models.OutcomeStatus, error) {
	rec := req.Record
	if rec == nil || strings.TrimSpace(rec.SourceID) == "" {
		return "", fmt.Errorf("record has no source id: %w", apperrors.ErrInvalidPayload)
	}

	proj, err := r.find(ctx, req.Origin, rec.SourceID)
	if err != nil {
		return "", err
	}

	languages := r.languages(rec)

	if proj == nil {
		err := r.withRetry(ctx, func() error {
			_, err := r.repo.Create(ctx, req.Origin, rec, languages)
			return err
		})
		if err == nil {
			return models.OutcomeCreated, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return "", err
		}

		// Another writer created the same record first. Update it once.
		r.logger.Info("Create lost a race, updating instead",
			zap.String("origin", req.Origin),
			zap.String("source_id", rec.SourceID))
		proj, err = r.find(ctx, req.Origin, rec.SourceID)
		if err != nil {
			return "", err
		}
		if proj == nil {
			return "", fmt.Errorf("record vanished after conflict: %w", apperrors.ErrConflict)
		}
	} else if !req.Force && proj.IsCurrent(rec) {
		return models.OutcomeSkipped, nil
	}

	if err := r.withRetry(ctx, func() error {
		return r.repo.Update(ctx, proj, rec, languages)
	}); err != nil {
		return "", err
	}
	return models.OutcomeUpdated, nil
}

// find returns the local projection, or nil when the record is not stored yet.
func (r *reconciler) find(ctx context.Context, origin, sourceID string) (*models.LocalProjection, error) {
	var proj *models.LocalProjection
	err := r.withRetry(ctx, func() error {
		p, err := r.repo.FindProjection(ctx, origin, sourceID)
		if errors.Is(err, apperrors.ErrNotFound) {
			proj = nil
			return nil
		}
		proj = p
		return err
	})
	return proj, err
}

func (r *reconciler) withRetry(ctx context.Context, fn func() error) error {
	return retryDB(ctx, r.dbRetry, fn)
}

// retryDB retries fn only for transient database failures.
func retryDB(ctx context.Context, cfg *retry.Config, fn func() error) error {
	return retry.DoIfRetryable(ctx, cfg, func() error {
		return database.Retryable(fn())
	})
}

// languages lists the translation rows to write: source language first,
// then the secondary language when it differs.
func (r *reconciler) languages(rec *models.CanonicalRecord) []string {
	source := strings.ToLower(strings.TrimSpace(rec.Translations.SourceLanguage))
	var out []string
	if source != "" {
		out = append(out, source)
	}
	if r.secondaryLanguage != "" && r.secondaryLanguage != source {
		out = append(out, r.secondaryLanguage)
	}
	return out
}

// fillFailure marks outcome failed with sanitized error text and, when
// available, the payload that could not be applied.
func fillFailure(outcome *models.ReconciliationOutcome, err error, payload any) {
	outcome.Status = models.OutcomeFailed
	outcome.ErrorDetail = logging.SanitizeError(err)
	if payload == nil {
		return
	}
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) > 0 && json.Valid(p) {
			outcome.Payload = p
		}
		return
	case *models.CanonicalRecord:
		if p == nil {
			return
		}
	}
	if b, mErr := json.Marshal(payload); mErr == nil {
		outcome.Payload = b
	}
}
