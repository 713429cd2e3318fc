package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// ApprovalRepository provides data access for two-person approval requests.
// All status transitions are conditional updates guarded on status='pending'
// so concurrent deciders race safely: exactly one wins, the rest observe
// zero affected rows.
type ApprovalRepository interface {
	Create(ctx context.Context, request *models.ApprovalRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.ApprovalRequest, error)

	// Decide flips one pending request to approved or rejected. Returns
	// false when the request was not pending anymore (race lost or already
	// terminal).
	Decide(ctx context.Context, id uuid.UUID, status, approver string, decidedAt time.Time) (bool, error)

	// Expire flips one pending request to expired. Same conditional guard.
	Expire(ctx context.Context, id uuid.UUID, decidedAt time.Time) (bool, error)

	// SweepExpired transitions every pending request past its deadline to
	// expired and returns the swept rows for auditing.
	SweepExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)
}

type approvalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) ApprovalRepository {
	return &approvalRepository{db: db}
}

var _ ApprovalRepository = (*approvalRepository)(nil)

const approvalColumns = `
	id, action, target_type, target_id, payload, reason, requested_by,
	status, requested_at, expires_at, approved_by, decided_at`

func (r *approvalRepository) Create(ctx context.Context, request *models.ApprovalRequest) error {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}

	var payloadJSON []byte
	var err error
	if len(request.Payload) > 0 {
		payloadJSON, err = json.Marshal(request.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal approval payload: %w", err)
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO approval_requests (
			id, action, target_type, target_id, payload, reason, requested_by,
			status, requested_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		request.ID, request.Action, request.TargetType, request.TargetID,
		payloadJSON, request.Reason, request.RequestedBy,
		request.Status, request.RequestedAt, request.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

func (r *approvalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+approvalColumns+`
		FROM approval_requests
		WHERE id = $1`, id)

	request, err := scanApprovalRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (r *approvalRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM approval_requests
		WHERE status = $1
		ORDER BY requested_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.ApprovalRequest
	for rows.Next() {
		request, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}
	return requests, nil
}

func (r *approvalRepository) Decide(ctx context.Context, id uuid.UUID, status, approver string, decidedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, approved_by = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'`,
		id, status, approver, decidedAt)
	if err != nil {
		return false, fmt.Errorf("failed to decide approval request: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *approvalRepository) Expire(ctx context.Context, id uuid.UUID, decidedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_requests
		SET status = 'expired', decided_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, decidedAt)
	if err != nil {
		return false, fmt.Errorf("failed to expire approval request: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *approvalRepository) SweepExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE approval_requests
		SET status = 'expired', decided_at = $1
		WHERE status = 'pending' AND expires_at < $1
		RETURNING `+approvalColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired approvals: %w", err)
	}
	defer rows.Close()

	var swept []*models.ApprovalRequest
	for rows.Next() {
		request, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, err
		}
		swept = append(swept, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating swept approvals: %w", err)
	}
	return swept, nil
}

func scanApprovalRequest(row pgx.Row) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	var payloadJSON []byte

	err := row.Scan(
		&request.ID, &request.Action, &request.TargetType, &request.TargetID,
		&payloadJSON, &request.Reason, &request.RequestedBy,
		&request.Status, &request.RequestedAt, &request.ExpiresAt,
		&request.ApprovedBy, &request.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}

	if len(payloadJSON) > 0 && string(payloadJSON) != "null" {
		if err := json.Unmarshal(payloadJSON, &request.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval payload: %w", err)
		}
	}
	return &request, nil
}
