package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// ResourceRepository provides row-scoped conditional updates over the
// managed resource tables (applications, reports, data requests). Table
// names come from the fixed registry resolved at construction; nothing is
// interpolated from request input.
type ResourceRepository interface {
	Get(ctx context.Context, resourceType string, id uuid.UUID) (*models.ManagedResource, error)

	// Claim reserves the row for principal until expiresAt. Succeeds only
	// when the row is unclaimed or the previous claim has lapsed.
	Claim(ctx context.Context, resourceType string, id uuid.UUID, principalID string, expiresAt, now time.Time) (bool, error)

	// Release unconditionally clears the claim fields. Used for voluntary
	// release and administrative override alike.
	Release(ctx context.Context, resourceType string, id uuid.UUID) error

	// UpdateStatusIf applies the status patch only when updated_at still
	// equals expected. Returns false on a lost optimistic race.
	UpdateStatusIf(ctx context.Context, resourceType string, id uuid.UUID, status string, expected time.Time) (bool, error)

	// UpdateStatus applies the patch without an updated_at guard. Only for
	// low-stakes single-row toggles; destructive paths must use UpdateStatusIf.
	UpdateStatus(ctx context.Context, resourceType string, id uuid.UUID, status string) error

	// CountInStatus returns how many rows currently carry the status.
	CountInStatus(ctx context.Context, resourceType, status string) (int, error)

	// EnqueueDataRequest records a privacy job (erasure, anonymization) for
	// the fulfillment pipeline to pick up.
	EnqueueDataRequest(ctx context.Context, subjectID, kind string) (uuid.UUID, error)
}

type resourceRepository struct {
	db       *database.DB
	registry map[string]models.ResourceTable
}

// NewResourceRepository creates a new ResourceRepository over the fixed
// resource registry.
func NewResourceRepository(db *database.DB) ResourceRepository {
	return &resourceRepository{
		db:       db,
		registry: models.ResourceRegistry(),
	}
}

var _ ResourceRepository = (*resourceRepository)(nil)

func (r *resourceRepository) table(resourceType string) (models.ResourceTable, error) {
	table, ok := r.registry[resourceType]
	if !ok {
		return models.ResourceTable{}, fmt.Errorf("%w: unknown resource type %q", apperrors.ErrValidation, resourceType)
	}
	return table, nil
}

func (r *resourceRepository) Get(ctx context.Context, resourceType string, id uuid.UUID) (*models.ManagedResource, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return nil, err
	}

	resource := models.ManagedResource{Type: resourceType}
	err = r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, status, updated_at, assigned_to, assignment_expires_at
		FROM %s WHERE id = $1`, table.Table), id).Scan(
		&resource.ID, &resource.Status, &resource.UpdatedAt,
		&resource.AssignedTo, &resource.AssignmentExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", resourceType, err)
	}
	return &resource, nil
}

func (r *resourceRepository) Claim(ctx context.Context, resourceType string, id uuid.UUID, principalID string, expiresAt, now time.Time) (bool, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return false, err
	}

	// Single conditional update: no read-then-write window.
	tag, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET assigned_to = $2, assignment_expires_at = $3
		WHERE id = $1
		  AND (assigned_to IS NULL OR assignment_expires_at < $4)`, table.Table),
		id, principalID, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", resourceType, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *resourceRepository) Release(ctx context.Context, resourceType string, id uuid.UUID) error {
	table, err := r.table(resourceType)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET assigned_to = NULL, assignment_expires_at = NULL
		WHERE id = $1`, table.Table), id)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", resourceType, err)
	}
	return nil
}

func (r *resourceRepository) UpdateStatusIf(ctx context.Context, resourceType string, id uuid.UUID, status string, expected time.Time) (bool, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return false, err
	}

	tag, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = now()
		WHERE id = $1 AND updated_at = $3`, table.Table),
		id, status, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", resourceType, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *resourceRepository) UpdateStatus(ctx context.Context, resourceType string, id uuid.UUID, status string) error {
	table, err := r.table(resourceType)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = now()
		WHERE id = $1`, table.Table), id, status)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", resourceType, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *resourceRepository) EnqueueDataRequest(ctx context.Context, subjectID, kind string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.db.Exec(ctx, `
		INSERT INTO data_requests (id, subject_id, request_kind, status)
		VALUES ($1, $2, $3, 'received')`, id, subjectID, kind)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue data request: %w", err)
	}
	return id, nil
}

func (r *resourceRepository) CountInStatus(ctx context.Context, resourceType, status string) (int, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status = $1`, table.Table), status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s rows: %w", resourceType, err)
	}
	return count, nil
}
