package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/audit"
	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// SessionService tracks admin sessions seen at the gate and runs the
// anomaly detectors over them. Revocation is a one-way transition.
type SessionService struct {
	repo        repositories.SessionRepository
	escalations *EscalationService
	ledger      *LedgerService
	security    *audit.SecurityAuditor
	cfg         config.GovernanceConfig
	logger      *zap.Logger
	now         func() time.Time
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	repo repositories.SessionRepository,
	escalations *EscalationService,
	ledger *LedgerService,
	security *audit.SecurityAuditor,
	cfg config.GovernanceConfig,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		repo:        repo,
		escalations: escalations,
		ledger:      ledger,
		security:    security,
		cfg:         cfg,
		logger:      logger.Named("session-service"),
		now:         time.Now,
	}
}

// TokenRevoked reports whether the session carrying this token hash has
// been revoked. A token never seen before is not revoked.
func (s *SessionService) TokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	session, err := s.repo.GetByTokenHash(ctx, tokenHash)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !session.IsActive, nil
}

// Observe records one authorized request. The first sight of a token
// creates a session row and runs the anomaly detectors; later sights only
// refresh last_seen_at.
func (s *SessionService) Observe(ctx context.Context, principal *models.Principal, meta auth.RequestMeta) error {
	now := s.now().UTC()
	tokenHash := crypto.HashToken(meta.Token)

	existing, err := s.repo.GetByTokenHash(ctx, tokenHash)
	if err == nil {
		return s.repo.Touch(ctx, existing.ID, now)
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	session := &models.AdminSession{
		PrincipalID: principal.ID,
		TokenHash:   tokenHash,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Country:     meta.Country,
		City:        meta.City,
		CreatedAt:   now,
		LastSeenAt:  now,
		IsActive:    true,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return err
	}

	return s.detectAnomalies(ctx, principal, meta, now)
}

// Revoke flips one session to inactive and appends a ledger record. The
// next request on the revoked token is rejected at the gate.
func (s *SessionService) Revoke(ctx context.Context, actor *models.Principal, sessionID uuid.UUID, reason string) error {
	if len(strings.TrimSpace(reason)) < models.MinReasonLength {
		return fmt.Errorf("%w: revocation requires a reason of at least %d characters",
			apperrors.ErrValidation, models.MinReasonLength)
	}

	ok, err := s.repo.Revoke(ctx, sessionID, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session already revoked or unknown", apperrors.ErrConflict)
	}

	return s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    actor.ID,
		Action:     models.AuditActionSessionRevoked,
		TargetType: "admin_session",
		TargetID:   sessionID.String(),
		Reason:     reason,
	})
}

// ListActive returns active sessions, newest activity first.
func (s *SessionService) ListActive(ctx context.Context, limit int) ([]*models.AdminSession, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListActive(ctx, limit)
}

// detectAnomalies runs the four session detectors over the principal's
// active sessions. A fired detector is security-logged, appended to the
// ledger, and raised as an escalation; the escalation dedupe window keeps
// a sustained condition from storming the queue.
func (s *SessionService) detectAnomalies(ctx context.Context, principal *models.Principal, meta auth.RequestMeta, now time.Time) error {
	active, err := s.repo.ListActiveByPrincipal(ctx, principal.ID, time.Time{})
	if err != nil {
		return err
	}

	if len(active) > s.cfg.MaxConcurrentSessions {
		s.fireAnomaly(ctx, principal, meta, models.AnomalyConcurrentSessions, float64(len(active)))
	}

	if n := distinctIPs(active); n > s.cfg.MaxDistinctIPs {
		s.fireAnomaly(ctx, principal, meta, models.AnomalyMixedIPs, float64(n))
	}

	if n := distinctCountries(filterSeenSince(active, now.Add(-s.cfg.CountryWindow))); n >= 2 {
		s.fireAnomaly(ctx, principal, meta, models.AnomalyMultiCountry, float64(n))
	}

	if n := distinctIPs(filterSeenSince(active, now.Add(-s.cfg.IPChurnWindow))); n >= s.cfg.MaxDistinctIPs {
		s.fireAnomaly(ctx, principal, meta, models.AnomalyIPChurn, float64(n))
	}

	return nil
}

func (s *SessionService) fireAnomaly(ctx context.Context, principal *models.Principal, meta auth.RequestMeta, detector models.SessionAnomaly, observed float64) {
	s.security.LogSessionAnomaly(ctx, principal.ID, string(detector), meta.IP)

	err := s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    SystemActorID,
		Action:     models.AuditActionSessionAnomaly,
		TargetType: "principal",
		TargetID:   principal.ID,
		Details: map[string]any{
			"detector": string(detector),
			"observed": observed,
			"ip":       meta.IP,
		},
	})
	if err != nil {
		s.logger.Error("Failed to audit session anomaly", zap.Error(err))
	}

	notes := fmt.Sprintf("detector %s fired for principal %s", detector, principal.ID)
	if _, err := s.escalations.Raise(ctx, models.MetricSessionAnomaly, observed, models.EscalationLevelRed, notes); err != nil {
		s.logger.Error("Failed to raise session anomaly escalation", zap.Error(err))
	}
}

func filterSeenSince(sessions []*models.AdminSession, since time.Time) []*models.AdminSession {
	var out []*models.AdminSession
	for _, session := range sessions {
		if !session.LastSeenAt.Before(since) {
			out = append(out, session)
		}
	}
	return out
}

func distinctIPs(sessions []*models.AdminSession) int {
	seen := make(map[string]struct{})
	for _, session := range sessions {
		if session.IP != "" {
			seen[session.IP] = struct{}{}
		}
	}
	return len(seen)
}

func distinctCountries(sessions []*models.AdminSession) int {
	seen := make(map[string]struct{})
	for _, session := range sessions {
		if session.Country != "" {
			seen[session.Country] = struct{}{}
		}
	}
	return len(seen)
}
