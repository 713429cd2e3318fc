package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// EscalationService evaluates workload metrics against configured
// thresholds and manages the resulting escalation queue.
type EscalationService struct {
	repo      repositories.EscalationRepository
	resources repositories.ResourceRepository
	cfg       config.GovernanceConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewEscalationService creates a new EscalationService.
func NewEscalationService(
	repo repositories.EscalationRepository,
	resources repositories.ResourceRepository,
	cfg config.GovernanceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *EscalationService {
	return &EscalationService{
		repo:      repo,
		resources: resources,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("escalation-service"),
		now:       time.Now,
	}
}

// workloadMetrics maps each threshold metric to the resource status count
// that feeds it.
var workloadMetrics = map[string]struct {
	resourceType string
	status       string
}{
	models.MetricPendingApplications: {models.ResourceCreatorApplication, "submitted"},
	models.MetricOverdueReports:      {models.ResourceContentReport, "open"},
	models.MetricOverdueDataRequests: {models.ResourceDataRequest, "received"},
}

// Evaluate computes every configured workload metric and raises an
// escalation for each one over threshold. Returns the escalations actually
// created; metrics suppressed by the dedupe window are omitted.
func (s *EscalationService) Evaluate(ctx context.Context) ([]*models.Escalation, error) {
	var raised []*models.Escalation
	for metric, source := range workloadMetrics {
		pair, ok := s.cfg.EscalationThresholds[metric]
		if !ok {
			continue
		}

		count, err := s.resources.CountInStatus(ctx, source.resourceType, source.status)
		if err != nil {
			return raised, fmt.Errorf("failed to compute metric %s: %w", metric, err)
		}

		level := pair.LevelFor(float64(count))
		if level == "" {
			continue
		}

		escalation, err := s.Raise(ctx, metric, float64(count),
			level, fmt.Sprintf("%d items in %s/%s", count, source.resourceType, source.status))
		if err != nil {
			return raised, err
		}
		if escalation != nil {
			raised = append(raised, escalation)
		}
	}
	return raised, nil
}

// Raise creates one escalation unless another for the same metric exists
// within the dedupe window. Returns nil when suppressed.
func (s *EscalationService) Raise(ctx context.Context, metric string, observed float64, level, notes string) (*models.Escalation, error) {
	now := s.now().UTC()

	exists, err := s.repo.ExistsSince(ctx, metric, now.Add(-s.cfg.EscalationDedupeWindow))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	escalation := &models.Escalation{
		Metric:    metric,
		Observed:  observed,
		Level:     level,
		Status:    models.EscalationStatusOpen,
		Notes:     notes,
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, escalation); err != nil {
		return nil, err
	}

	s.metrics.EscalationsRaised.WithLabelValues(metric).Inc()
	s.logger.Warn("Escalation raised",
		zap.String("metric", metric),
		zap.Float64("observed", observed),
		zap.String("level", level))
	return escalation, nil
}

// Resolve closes one open escalation. An already-resolved escalation and a
// nonexistent one look the same to the caller: there is no open escalation
// with that id, so both report NotFound.
func (s *EscalationService) Resolve(ctx context.Context, actor *models.Principal, id uuid.UUID, notes string) error {
	ok, err := s.repo.Resolve(ctx, id, actor.ID, notes, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no open escalation with id %s", apperrors.ErrNotFound, id)
	}
	return nil
}

// ListOpen returns the open escalation queue, oldest first.
func (s *EscalationService) ListOpen(ctx context.Context, limit int) ([]*models.Escalation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListOpen(ctx, limit)
}

// OldestOpenAge exposes the backlog age for the health monitor.
func (s *EscalationService) OldestOpenAge(ctx context.Context) (time.Duration, error) {
	return s.repo.OldestOpenAge(ctx, s.now().UTC())
}
