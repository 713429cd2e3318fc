package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// ApprovalExecutor performs the deferred action of an approved request.
// Executors are registered per action type at startup.
type ApprovalExecutor func(ctx context.Context, request *models.ApprovalRequest) error

// ApprovalInput describes a governance-sensitive action being submitted.
type ApprovalInput struct {
	Action     string
	TargetType string
	TargetID   string
	Payload    map[string]any
	Reason     string
	// ItemCount is the number of items a bulk action touches. Single-target
	// actions pass 1.
	ItemCount int
}

// ApprovalService runs the two-person approval workflow. Whether an action
// needs a second admin is policy data from configuration, not code. The
// decision transition is a conditional update, so concurrent approvers race
// safely and the winning approval executes the payload exactly once.
type ApprovalService struct {
	repo      repositories.ApprovalRepository
	ledger    *LedgerService
	cfg       config.GovernanceConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	executors map[string]ApprovalExecutor
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	repo repositories.ApprovalRepository,
	ledger *LedgerService,
	cfg config.GovernanceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ApprovalService {
	return &ApprovalService{
		repo:      repo,
		ledger:    ledger,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("approval-service"),
		now:       time.Now,
		executors: make(map[string]ApprovalExecutor),
	}
}

// RegisterExecutor binds the executor for one action type. Must be called
// before the first Submit or Approve for that action.
func (s *ApprovalService) RegisterExecutor(action string, executor ApprovalExecutor) {
	s.executors[action] = executor
}

// Submit routes a governance-sensitive action through the approval policy.
// Actions under the policy threshold execute immediately; the rest become a
// pending request a second admin must decide. Returns the pending request,
// or nil with executed=true when the action ran directly.
func (s *ApprovalService) Submit(ctx context.Context, principal *models.Principal, input ApprovalInput) (*models.ApprovalRequest, bool, error) {
	rule, ok := s.cfg.ApprovalPolicy[input.Action]
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown action %q", apperrors.ErrValidation, input.Action)
	}
	if len(strings.TrimSpace(input.Reason)) < models.MinReasonLength {
		return nil, false, fmt.Errorf("%w: action %s requires a reason of at least %d characters",
			apperrors.ErrValidation, input.Action, models.MinReasonLength)
	}

	now := s.now().UTC()
	request := &models.ApprovalRequest{
		Action:      input.Action,
		TargetType:  input.TargetType,
		TargetID:    input.TargetID,
		Payload:     input.Payload,
		Reason:      input.Reason,
		RequestedBy: principal.ID,
		Status:      models.ApprovalStatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.cfg.ApprovalTTL),
	}

	if !rule.RequiresApproval(input.ItemCount) {
		if err := s.execute(ctx, request); err != nil {
			return nil, false, err
		}
		err := s.ledger.Append(ctx, &models.AuditRecord{
			ActorID:    principal.ID,
			Action:     input.Action,
			TargetType: input.TargetType,
			TargetID:   input.TargetID,
			Details:    map[string]any{"item_count": input.ItemCount},
			Reason:     input.Reason,
		})
		return nil, true, err
	}

	if err := s.repo.Create(ctx, request); err != nil {
		return nil, false, err
	}

	err := s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    principal.ID,
		Action:     models.AuditActionApprovalRequested,
		TargetType: input.TargetType,
		TargetID:   input.TargetID,
		Details: map[string]any{
			"request_id": request.ID.String(),
			"action":     input.Action,
			"item_count": input.ItemCount,
		},
		Reason: input.Reason,
	})
	return request, false, err
}

// Approve decides one pending request in favor and executes its payload.
// The requester can never approve their own request, no matter which roles
// they hold.
func (s *ApprovalService) Approve(ctx context.Context, principal *models.Principal, id uuid.UUID) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.RequestedBy == principal.ID {
		return nil, fmt.Errorf("%w: requests cannot be approved by their requester", apperrors.ErrForbidden)
	}

	now := s.now().UTC()
	if now.After(request.ExpiresAt) {
		if flipped, err := s.repo.Expire(ctx, id, now); err != nil {
			return nil, err
		} else if flipped {
			s.auditExpiry(ctx, request)
		}
		return nil, fmt.Errorf("%w: approval request expired at %s", apperrors.ErrExpired, request.ExpiresAt.Format(time.RFC3339))
	}

	decided, err := s.repo.Decide(ctx, id, models.ApprovalStatusApproved, principal.ID, now)
	if err != nil {
		return nil, err
	}
	if !decided {
		return nil, fmt.Errorf("%w: request is no longer pending", apperrors.ErrConflict)
	}

	request.Status = models.ApprovalStatusApproved
	request.ApprovedBy = &principal.ID
	request.DecidedAt = &now
	s.metrics.ApprovalDecisions.WithLabelValues("approved").Inc()

	execErr := s.execute(ctx, request)

	err = s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    principal.ID,
		Action:     models.AuditActionApprovalApproved,
		TargetType: request.TargetType,
		TargetID:   request.TargetID,
		Details: map[string]any{
			"request_id":   request.ID.String(),
			"action":       request.Action,
			"requested_by": request.RequestedBy,
			"executed":     execErr == nil,
		},
	})
	if err != nil {
		return request, err
	}
	if execErr != nil {
		return request, fmt.Errorf("request approved but execution failed: %w", execErr)
	}
	return request, nil
}

// Reject decides one pending request against. The requester may reject
// their own request, which doubles as withdrawal.
func (s *ApprovalService) Reject(ctx context.Context, principal *models.Principal, id uuid.UUID) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	decided, err := s.repo.Decide(ctx, id, models.ApprovalStatusRejected, principal.ID, now)
	if err != nil {
		return nil, err
	}
	if !decided {
		return nil, fmt.Errorf("%w: request is no longer pending", apperrors.ErrConflict)
	}

	request.Status = models.ApprovalStatusRejected
	request.ApprovedBy = &principal.ID
	request.DecidedAt = &now
	s.metrics.ApprovalDecisions.WithLabelValues("rejected").Inc()

	err = s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    principal.ID,
		Action:     models.AuditActionApprovalRejected,
		TargetType: request.TargetType,
		TargetID:   request.TargetID,
		Details: map[string]any{
			"request_id":   request.ID.String(),
			"action":       request.Action,
			"requested_by": request.RequestedBy,
		},
	})
	return request, err
}

// Get returns one approval request.
func (s *ApprovalService) Get(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	return s.repo.GetByID(ctx, id)
}

// List sweeps lapsed pending requests to expired, audits each one, then
// returns the requests in the given status. Expiry is lazy: there is no
// background job racing the decide path.
func (s *ApprovalService) List(ctx context.Context, status string, limit int) ([]*models.ApprovalRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	swept, err := s.repo.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, request := range swept {
		s.auditExpiry(ctx, request)
	}

	return s.repo.ListByStatus(ctx, status, limit)
}

func (s *ApprovalService) execute(ctx context.Context, request *models.ApprovalRequest) error {
	executor, ok := s.executors[request.Action]
	if !ok {
		return fmt.Errorf("no executor registered for action %s", request.Action)
	}
	return executor(ctx, request)
}

func (s *ApprovalService) auditExpiry(ctx context.Context, request *models.ApprovalRequest) {
	s.metrics.ApprovalDecisions.WithLabelValues("expired").Inc()
	err := s.ledger.Append(ctx, &models.AuditRecord{
		ActorID:    SystemActorID,
		Action:     models.AuditActionApprovalExpired,
		TargetType: request.TargetType,
		TargetID:   request.TargetID,
		Details: map[string]any{
			"request_id":   request.ID.String(),
			"action":       request.Action,
			"requested_by": request.RequestedBy,
		},
	})
	if err != nil {
		s.logger.Error("Failed to audit approval expiry",
			zap.String("request_id", request.ID.String()),
			zap.Error(err))
	}
}
