package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/audit"
	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// GateService is the authorization gate. Every admin request passes through
// Authorize, which validates the session token, applies the allow-list and
// step-up policy, rejects revoked sessions, and joins the principal with its
// stored roles. The gate fails closed: any uncertainty is a denial.
type GateService struct {
	validator auth.TokenValidator
	roles     repositories.RoleRepository
	sessions  *SessionService
	ledger    *LedgerService
	security  *audit.SecurityAuditor
	cfg       config.AuthConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewGateService creates a new GateService.
func NewGateService(
	validator auth.TokenValidator,
	roles repositories.RoleRepository,
	sessions *SessionService,
	ledger *LedgerService,
	security *audit.SecurityAuditor,
	cfg config.AuthConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *GateService {
	return &GateService{
		validator: validator,
		roles:     roles,
		sessions:  sessions,
		ledger:    ledger,
		security:  security,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("gate-service"),
	}
}

var _ auth.Gate = (*GateService)(nil)

// Authorize resolves the calling principal from request metadata.
func (s *GateService) Authorize(ctx context.Context, meta auth.RequestMeta) (*models.Principal, error) {
	claims, err := s.validator.ValidateToken(meta.Token)
	if err != nil {
		s.deny(ctx, "", "invalid_token", meta.IP)
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUnauthenticated, err)
	}
	subject := claims.Subject
	if subject == "" {
		s.deny(ctx, "", "missing_subject", meta.IP)
		return nil, fmt.Errorf("%w: token has no subject", apperrors.ErrUnauthenticated)
	}

	// The allow-list is checked before role storage on purpose: role rows
	// are mutable and must not be the sole gate of initial entry.
	if len(s.cfg.AllowList) > 0 {
		if _, ok := s.cfg.AllowList[subject]; !ok {
			s.deny(ctx, subject, "not_allow_listed", meta.IP)
			return nil, fmt.Errorf("%w: principal not allow-listed", apperrors.ErrForbidden)
		}
	}

	if s.cfg.RequireStepUp && !claims.HasStrongFactor() {
		s.deny(ctx, subject, "step_up_required", meta.IP)
		return nil, fmt.Errorf("%w: strong authentication factor required", apperrors.ErrForbidden)
	}

	revoked, err := s.sessions.TokenRevoked(ctx, crypto.HashToken(meta.Token))
	if err != nil {
		return nil, fmt.Errorf("failed to check session state: %w", err)
	}
	if revoked {
		s.deny(ctx, subject, "session_revoked", meta.IP)
		return nil, apperrors.ErrSessionRevoked
	}

	roles, err := s.roles.RolesForPrincipal(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	if len(roles) == 0 {
		roles, err = s.maybeBootstrap(ctx, subject)
		if err != nil {
			return nil, err
		}
		if len(roles) == 0 {
			s.deny(ctx, subject, "no_roles", meta.IP)
			return nil, fmt.Errorf("%w: principal holds no roles", apperrors.ErrForbidden)
		}
	}

	principal := &models.Principal{
		ID:        subject,
		Email:     claims.Email,
		Roles:     roles,
		SessionID: claims.SessionID,
	}

	// Session tracking is observability: a failure here must not block an
	// otherwise authorized request.
	if err := s.sessions.Observe(ctx, principal, meta); err != nil {
		s.logger.Error("Session observation failed",
			zap.String("principal_id", subject),
			zap.Error(err))
	}

	return principal, nil
}

// RequirePermission returns nil when any of the principal's roles grants the
// permission.
func (s *GateService) RequirePermission(principal *models.Principal, permission rbac.Permission) error {
	if principal != nil && rbac.HasPermission(principal.Roles, permission) {
		return nil
	}
	s.metrics.AuthzDenials.WithLabelValues("insufficient_permission").Inc()
	return &apperrors.InsufficientPermissionError{Permission: string(permission)}
}

// maybeBootstrap grants super_admin to a caller holding zero roles, iff no
// super_admin assignment exists anywhere. This is the recovery path for a
// fresh install or a locked-out one whose last super_admin row was lost;
// once any super_admin exists the path is closed, so allow-listed newcomers
// never self-escalate. It is audited and security-logged every time it
// fires.
func (s *GateService) maybeBootstrap(ctx context.Context, subject string) ([]string, error) {
	holders, err := s.roles.CountWithRole(ctx, models.RoleSuperAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to count super_admin holders: %w", err)
	}
	if holders > 0 {
		return nil, nil
	}

	if err := s.roles.Assign(ctx, subject, models.RoleSuperAdmin); err != nil {
		return nil, fmt.Errorf("failed to bootstrap super_admin: %w", err)
	}

	err = s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    SystemActorID,
		Action:     models.AuditActionRoleBootstrap,
		TargetType: "principal",
		TargetID:   subject,
		Details:    map[string]any{"role": models.RoleSuperAdmin},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to audit bootstrap: %w", err)
	}
	s.security.LogBootstrap(ctx, subject)

	return []string{models.RoleSuperAdmin}, nil
}

func (s *GateService) deny(ctx context.Context, principalID, reason, ip string) {
	s.metrics.AuthzDenials.WithLabelValues(reason).Inc()
	s.security.LogDenied(ctx, principalID, reason, ip)
}
