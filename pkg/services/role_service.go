package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// RoleService manages role assignments. Every grant and revoke lands in the
// ledger; the last super_admin assignment can never be removed.
type RoleService struct {
	repo   repositories.RoleRepository
	ledger *LedgerService
	logger *zap.Logger
}

// NewRoleService creates a new RoleService.
func NewRoleService(repo repositories.RoleRepository, ledger *LedgerService, logger *zap.Logger) *RoleService {
	return &RoleService{
		repo:   repo,
		ledger: ledger,
		logger: logger.Named("role-service"),
	}
}

// Grant assigns a role to a principal. Granting an already-held role is a
// no-op. Grants that would create a mutually exclusive role pair fail.
func (s *RoleService) Grant(ctx context.Context, actor *models.Principal, principalID, role string) error {
	if !models.IsValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", apperrors.ErrValidation, role)
	}

	held, err := s.repo.RolesForPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	if pair, conflict := rbac.ConflictingRoles(append(held, role)); conflict {
		return fmt.Errorf("%w: roles %s and %s cannot be held together",
			apperrors.ErrValidation, pair[0], pair[1])
	}

	if err := s.repo.Assign(ctx, principalID, role); err != nil {
		return err
	}

	return s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    actor.ID,
		Action:     models.AuditActionRoleGrant,
		TargetType: "principal",
		TargetID:   principalID,
		Details:    map[string]any{"role": role},
	})
}

// Revoke removes one role assignment with a mandatory reason. Removing the
// last super_admin is refused: the system must never become unadministrable.
func (s *RoleService) Revoke(ctx context.Context, actor *models.Principal, principalID, role, reason string) error {
	if role == models.RoleSuperAdmin {
		held, err := s.repo.RolesForPrincipal(ctx, principalID)
		if err != nil {
			return err
		}
		holds := false
		for _, r := range held {
			if r == models.RoleSuperAdmin {
				holds = true
				break
			}
		}
		if holds {
			count, err := s.repo.CountWithRole(ctx, models.RoleSuperAdmin)
			if err != nil {
				return err
			}
			if count <= 1 {
				return apperrors.ErrLastSuperAdmin
			}
		}
	}

	ok, err := s.repo.Revoke(ctx, principalID, role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: principal does not hold role %s", apperrors.ErrNotFound, role)
	}

	return s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    actor.ID,
		Action:     models.AuditActionRoleRevoke,
		TargetType: "principal",
		TargetID:   principalID,
		Details:    map[string]any{"role": role},
		Reason:     reason,
	})
}

// Assignments returns every role assignment for hygiene review.
func (s *RoleService) Assignments(ctx context.Context) ([]*models.RoleAssignment, error) {
	return s.repo.ListAssignments(ctx)
}
