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

// ResourceService mediates administrative access to the managed resource
// tables: exclusive time-boxed claims and optimistic status updates. All
// arbitration happens in single conditional updates; the loser of any race
// sees ErrConflict, never partial state.
type ResourceService struct {
	repo     repositories.ResourceRepository
	registry map[string]models.ResourceTable
	cfg      config.GovernanceConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewResourceService creates a new ResourceService.
func NewResourceService(repo repositories.ResourceRepository, cfg config.GovernanceConfig, m *metrics.Metrics, logger *zap.Logger) *ResourceService {
	return &ResourceService{
		repo:     repo,
		registry: models.ResourceRegistry(),
		cfg:      cfg,
		metrics:  m,
		logger:   logger.Named("resource-service"),
		now:      time.Now,
	}
}

// Get returns the administrative view of one resource.
func (s *ResourceService) Get(ctx context.Context, resourceType string, id uuid.UUID) (*models.ManagedResource, error) {
	return s.repo.Get(ctx, resourceType, id)
}

// Claim reserves the resource for the caller for the configured claim TTL.
// A live claim by someone else loses the race and returns ErrConflict; a
// lapsed claim is taken over silently.
func (s *ResourceService) Claim(ctx context.Context, principal *models.Principal, resourceType string, id uuid.UUID) (*models.ManagedResource, error) {
	table, ok := s.registry[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource type %q", apperrors.ErrValidation, resourceType)
	}
	if !table.Claimable {
		return nil, fmt.Errorf("%w: %s cannot be claimed", apperrors.ErrValidation, resourceType)
	}

	now := s.now().UTC()
	claimed, err := s.repo.Claim(ctx, resourceType, id, principal.ID, now.Add(s.cfg.ClaimTTL), now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.metrics.ClaimConflicts.Inc()
		// Distinguish a missing row from a held claim for the caller.
		if _, err := s.repo.Get(ctx, resourceType, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: resource is claimed by another admin", apperrors.ErrConflict)
	}

	return s.repo.Get(ctx, resourceType, id)
}

// Release clears the claim on a resource. The holder may always release;
// anyone else must pass force, which handlers gate behind a supervisor
// permission.
func (s *ResourceService) Release(ctx context.Context, principal *models.Principal, resourceType string, id uuid.UUID, force bool) error {
	resource, err := s.repo.Get(ctx, resourceType, id)
	if err != nil {
		return err
	}
	if resource.AssignedTo == nil {
		return nil
	}
	if *resource.AssignedTo != principal.ID && !force {
		return fmt.Errorf("%w: resource is claimed by another admin", apperrors.ErrForbidden)
	}
	return s.repo.Release(ctx, resourceType, id)
}

// UpdateStatus transitions the resource to a new status. When expected is
// non-zero it acts as an optimistic lock against the row's updated_at: a
// stale caller gets ErrConflict and must re-read.
func (s *ResourceService) UpdateStatus(ctx context.Context, resourceType string, id uuid.UUID, status string, expected time.Time) error {
	table, ok := s.registry[resourceType]
	if !ok {
		return fmt.Errorf("%w: unknown resource type %q", apperrors.ErrValidation, resourceType)
	}
	if !table.ValidStatus(status) {
		return fmt.Errorf("%w: invalid status %q for %s", apperrors.ErrValidation, status, resourceType)
	}

	if expected.IsZero() {
		return s.repo.UpdateStatus(ctx, resourceType, id, status)
	}

	updated, err := s.repo.UpdateStatusIf(ctx, resourceType, id, status, expected)
	if err != nil {
		return err
	}
	if !updated {
		if _, err := s.repo.Get(ctx, resourceType, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: resource was modified since it was read", apperrors.ErrConflict)
	}
	return nil
}
