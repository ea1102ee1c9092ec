package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
)

// AuditSink records reconciliation outcomes. Recording never fails the
// caller: a lost audit row is logged and the run carries on.
type AuditSink interface {
	Record(ctx context.Context, outcome *models.ReconciliationOutcome)
}

type auditSink struct {
	repo   repositories.OutcomeRepository
	logger *zap.Logger
}

// NewAuditSink creates an AuditSink backed by the outcome repository.
func NewAuditSink(repo repositories.OutcomeRepository, logger *zap.Logger) AuditSink {
	return &auditSink{
		repo:   repo,
		logger: logger.Named("audit-sink"),
	}
}

var _ AuditSink = (*auditSink)(nil)

func (s *auditSink) Record(ctx context.Context, outcome *models.ReconciliationOutcome) {
	metrics.RecordOutcome(outcome.Job, string(outcome.Status))

	if err := s.repo.Create(context.WithoutCancel(ctx), outcome); err != nil {
		s.logger.Error("Failed to record reconciliation outcome",
			zap.String("job", outcome.Job),
			zap.String("origin", outcome.OriginRef),
			zap.String("source_id", outcome.SourceID),
			zap.String("status", string(outcome.Status)),
			zap.Error(err))
	}
}
