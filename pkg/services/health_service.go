package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/ratelimit"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// HealthService runs the named governance controls and records one health
// row per control. Controls observe and score; the two self-healing paths
// (chain repair, expiry sweep) go through the same audited services the
// admin surface uses.
type HealthService struct {
	repo        repositories.HealthRepository
	roles       repositories.RoleRepository
	resources   repositories.ResourceRepository
	ledger      *LedgerService
	escalations *EscalationService
	limiter     *ratelimit.Limiter
	cfg         config.GovernanceConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewHealthService creates a new HealthService.
func NewHealthService(
	repo repositories.HealthRepository,
	roles repositories.RoleRepository,
	resources repositories.ResourceRepository,
	ledger *LedgerService,
	escalations *EscalationService,
	limiter *ratelimit.Limiter,
	cfg config.GovernanceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HealthService {
	return &HealthService{
		repo:        repo,
		roles:       roles,
		resources:   resources,
		ledger:      ledger,
		escalations: escalations,
		limiter:     limiter,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.Named("health-service"),
		now:         time.Now,
	}
}

// Run executes every control, upserts the results, and publishes the mean
// score. Safe to call from a scheduler and from the admin surface alike;
// actor is the invoking principal, nil for scheduled runs. The RBAC control
// can only bootstrap a missing super_admin when an actor is present.
func (s *HealthService) Run(ctx context.Context, actor *models.Principal) ([]*models.ControlHealthRecord, error) {
	now := s.now().UTC()

	type control struct {
		code  string
		check func(ctx context.Context) (int, string, error)
	}
	controls := []control{
		{models.ControlLedgerIntegrity, s.checkLedgerIntegrity},
		{models.ControlRBACHygiene, func(ctx context.Context) (int, string, error) {
			return s.checkRBACHygiene(ctx, actor)
		}},
		{models.ControlEscalationBacklog, s.checkEscalationBacklog},
		{models.ControlWorkloadOverdue, s.checkWorkloadOverdue},
		{models.ControlGovernanceCadence, s.checkGovernanceCadence},
	}

	var records []*models.ControlHealthRecord
	total := 0
	for _, c := range controls {
		score, notes, err := c.check(ctx)
		if err != nil {
			return records, fmt.Errorf("control %s failed: %w", c.code, err)
		}

		record := &models.ControlHealthRecord{
			ControlCode:   c.code,
			Status:        models.StatusForScore(score),
			Score:         score,
			Notes:         notes,
			LastCheckedAt: now,
		}
		if err := s.repo.Upsert(ctx, record); err != nil {
			return records, err
		}
		records = append(records, record)
		total += score
	}

	mean := float64(total) / float64(len(controls))
	s.metrics.HealthScore.Set(mean)
	s.logger.Info("Control health run complete", zap.Float64("mean_score", mean))

	if s.limiter != nil {
		s.limiter.Prune()
	}
	return records, nil
}

// List returns the latest result per control.
func (s *HealthService) List(ctx context.Context) ([]*models.ControlHealthRecord, error) {
	return s.repo.List(ctx)
}

// RecordGovernanceReview logs a completed periodic governance review into
// the ledger, resetting the cadence clock.
func (s *HealthService) RecordGovernanceReview(ctx context.Context, actor *models.Principal, notes string) error {
	return s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    actor.ID,
		Action:     models.AuditActionGovernanceReview,
		TargetType: "governance",
		Details:    map[string]any{"notes": notes},
	})
}

// checkLedgerIntegrity verifies the chain and attempts an audited repair
// when it is broken. A repaired chain scores warning, never healthy: the
// tampered contents are gone and only review can close that out.
func (s *HealthService) checkLedgerIntegrity(ctx context.Context) (int, string, error) {
	result, err := s.ledger.Verify(ctx)
	if err != nil {
		return 0, "", err
	}
	if result.Valid {
		return 100, fmt.Sprintf("%d records verified", result.RecordsChecked), nil
	}

	rewritten, err := s.ledger.Repair(ctx, SystemActorID)
	if err != nil {
		return 0, fmt.Sprintf("chain broken at %s and repair failed", result.FirstCorruptedID), nil
	}
	recheck, err := s.ledger.Verify(ctx)
	if err != nil {
		return 0, "", err
	}
	if !recheck.Valid {
		return 0, fmt.Sprintf("chain still broken at %s after repair", recheck.FirstCorruptedID), nil
	}
	return 70, fmt.Sprintf("chain repaired, %d records rewritten, originally broken at %s", rewritten, result.FirstCorruptedID), nil
}

// checkRBACHygiene scores the role table: a reachable super_admin must
// exist, every stored role must be a known role, and no principal may hold
// a mutually exclusive pair. A missing super_admin is remediated by
// bootstrapping the invoking principal, which scores warning, not healthy.
func (s *HealthService) checkRBACHygiene(ctx context.Context, actor *models.Principal) (int, string, error) {
	assignments, err := s.roles.ListAssignments(ctx)
	if err != nil {
		return 0, "", err
	}

	score := 100
	notes := ""

	superAdmins := 0
	invalid := 0
	byPrincipal := make(map[string][]string)
	for _, a := range assignments {
		if a.Role == models.RoleSuperAdmin {
			superAdmins++
		}
		if !models.IsValidRole(a.Role) {
			invalid++
		}
		byPrincipal[a.PrincipalID] = append(byPrincipal[a.PrincipalID], a.Role)
	}

	conflicts := 0
	for _, roles := range byPrincipal {
		if _, conflict := rbac.ConflictingRoles(roles); conflict {
			conflicts++
		}
	}

	if superAdmins == 0 {
		if actor != nil {
			if err := s.bootstrapSuperAdmin(ctx, actor); err != nil {
				return 0, "", err
			}
			score -= 30
			notes = fmt.Sprintf("no super_admin existed, bootstrapped %s; ", actor.ID)
		} else {
			// Scheduled run: nobody to bootstrap, only flag it.
			score -= 50
			notes = "no super_admin assignment exists; "
		}
	}
	if invalid > 0 {
		score -= 10 * invalid
		notes += fmt.Sprintf("%d unknown role values; ", invalid)
	}
	if conflicts > 0 {
		score -= 30 * conflicts
		notes += fmt.Sprintf("%d principals hold mutually exclusive roles; ", conflicts)
	}
	if score < 0 {
		score = 0
	}
	if notes == "" {
		notes = fmt.Sprintf("%d assignments clean", len(assignments))
	}
	return score, notes, nil
}

// bootstrapSuperAdmin grants super_admin to the principal that invoked the
// control run. The actor already cleared the gate's allow-list, which is the
// same trust the gate's own bootstrap path relies on.
func (s *HealthService) bootstrapSuperAdmin(ctx context.Context, actor *models.Principal) error {
	if err := s.roles.Assign(ctx, actor.ID, models.RoleSuperAdmin); err != nil {
		return fmt.Errorf("failed to bootstrap super_admin: %w", err)
	}
	err := s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    SystemActorID,
		Action:     models.AuditActionRoleBootstrap,
		TargetType: "principal",
		TargetID:   actor.ID,
		Details: map[string]any{
			"role":    models.RoleSuperAdmin,
			"control": models.ControlRBACHygiene,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to audit bootstrap: %w", err)
	}
	s.logger.Warn("Bootstrapped missing super_admin",
		zap.String("principal_id", actor.ID))
	return nil
}

// checkEscalationBacklog scores how stale the open escalation queue is.
func (s *HealthService) checkEscalationBacklog(ctx context.Context) (int, string, error) {
	age, err := s.escalations.OldestOpenAge(ctx)
	if err != nil {
		return 0, "", err
	}
	switch {
	case age == 0:
		return 100, "no open escalations", nil
	case age < 24*time.Hour:
		return 100, fmt.Sprintf("oldest open escalation is %s old", age.Round(time.Minute)), nil
	case age < 72*time.Hour:
		return 70, fmt.Sprintf("oldest open escalation is %s old", age.Round(time.Hour)), nil
	default:
		return 30, fmt.Sprintf("oldest open escalation is %s old", age.Round(time.Hour)), nil
	}
}

// checkWorkloadOverdue scores pending admin workload against the same
// thresholds the escalation engine uses.
func (s *HealthService) checkWorkloadOverdue(ctx context.Context) (int, string, error) {
	score := 100
	notes := ""
	for metric, source := range workloadMetrics {
		pair, ok := s.cfg.EscalationThresholds[metric]
		if !ok {
			continue
		}
		count, err := s.resources.CountInStatus(ctx, source.resourceType, source.status)
		if err != nil {
			return 0, "", err
		}
		switch pair.LevelFor(float64(count)) {
		case models.EscalationLevelRed:
			if score > 30 {
				score = 30
			}
			notes += fmt.Sprintf("%s at red (%d); ", metric, count)
		case models.EscalationLevelYellow:
			if score > 70 {
				score = 70
			}
			notes += fmt.Sprintf("%s at yellow (%d); ", metric, count)
		}
	}
	if notes == "" {
		notes = "all workload metrics under threshold"
	}
	return score, notes, nil
}

// checkGovernanceCadence verifies a governance review has been logged
// within the configured window and raises an escalation when it has not.
func (s *HealthService) checkGovernanceCadence(ctx context.Context) (int, string, error) {
	last, err := s.ledger.LastActionTime(ctx, models.AuditActionGovernanceReview)
	if err != nil {
		return 0, "", err
	}

	now := s.now().UTC()
	if !last.IsZero() && now.Sub(last) <= s.cfg.GovernanceReviewEvery {
		return 100, fmt.Sprintf("last review %s", last.Format("2006-01-02")), nil
	}

	overdueDays := 0.0
	notes := "no governance review on record"
	if !last.IsZero() {
		overdueDays = (now.Sub(last) - s.cfg.GovernanceReviewEvery).Hours() / 24
		notes = fmt.Sprintf("review overdue by %.0f days", overdueDays)
	}

	if _, err := s.escalations.Raise(ctx, models.MetricGovernanceCadence, overdueDays, models.EscalationLevelYellow, notes); err != nil {
		s.logger.Error("Failed to raise governance cadence escalation", zap.Error(err))
	}
	return 30, notes, nil
}
