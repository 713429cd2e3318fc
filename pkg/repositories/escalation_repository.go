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

// EscalationRepository provides data access for escalations.
type EscalationRepository interface {
	Create(ctx context.Context, escalation *models.Escalation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escalation, error)

	// ExistsSince reports whether an escalation for the metric was created
	// at or after the given time, regardless of status. This is the dedupe
	// predicate.
	ExistsSince(ctx context.Context, metric string, since time.Time) (bool, error)

	// Resolve is a conditional open→resolved transition. Returns false when
	// the escalation is not open.
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string, resolvedAt time.Time) (bool, error)

	// ListOpen returns open escalations, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*models.Escalation, error)

	// OldestOpenAge returns the age of the oldest open escalation, or zero
	// when the backlog is empty.
	OldestOpenAge(ctx context.Context, now time.Time) (time.Duration, error)
}

type escalationRepository struct {
	db *database.DB
}

// NewEscalationRepository creates a new EscalationRepository.
func NewEscalationRepository(db *database.DB) EscalationRepository {
	return &escalationRepository{db: db}
}

var _ EscalationRepository = (*escalationRepository)(nil)

const escalationColumns = `
	id, metric, observed, level, status, notes, created_at, resolved_at, resolved_by`

func (r *escalationRepository) Create(ctx context.Context, escalation *models.Escalation) error {
	if escalation.ID == uuid.Nil {
		escalation.ID = uuid.New()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO escalations (id, metric, observed, level, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		escalation.ID, escalation.Metric, escalation.Observed,
		escalation.Level, escalation.Status, escalation.Notes, escalation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escalation: %w", err)
	}
	return nil
}

func (r *escalationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Escalation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE id = $1`, id)

	escalation, err := scanEscalation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return escalation, nil
}

func (r *escalationRepository) ExistsSince(ctx context.Context, metric string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escalations
			WHERE metric = $1 AND created_at >= $2
		)`, metric, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check escalation dedupe window: %w", err)
	}
	return exists, nil
}

func (r *escalationRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string, resolvedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE escalations
		SET status = 'resolved', resolved_by = $2, notes = $3, resolved_at = $4
		WHERE id = $1 AND status = 'open'`,
		id, resolvedBy, notes, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("failed to resolve escalation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *escalationRepository) ListOpen(ctx context.Context, limit int) ([]*models.Escalation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*models.Escalation
	for rows.Next() {
		escalation, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, escalation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return escalations, nil
}

func (r *escalationRepository) OldestOpenAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var createdAt time.Time
	err := r.db.QueryRow(ctx, `
		SELECT created_at FROM escalations
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT 1`).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query oldest open escalation: %w", err)
	}
	return now.Sub(createdAt), nil
}

func scanEscalation(row pgx.Row) (*models.Escalation, error) {
	var escalation models.Escalation
	err := row.Scan(
		&escalation.ID, &escalation.Metric, &escalation.Observed,
		&escalation.Level, &escalation.Status, &escalation.Notes,
		&escalation.CreatedAt, &escalation.ResolvedAt, &escalation.ResolvedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}
	return &escalation, nil
}
