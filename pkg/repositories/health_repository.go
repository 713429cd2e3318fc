package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// HealthRepository stores control health results, one row per control code.
type HealthRepository interface {
	// Upsert writes the latest result for a control, replacing any prior row.
	Upsert(ctx context.Context, record *models.ControlHealthRecord) error

	// List returns all control health rows ordered by control code.
	List(ctx context.Context) ([]*models.ControlHealthRecord, error)
}

type healthRepository struct {
	db *database.DB
}

// NewHealthRepository creates a new HealthRepository.
func NewHealthRepository(db *database.DB) HealthRepository {
	return &healthRepository{db: db}
}

var _ HealthRepository = (*healthRepository)(nil)

func (r *healthRepository) Upsert(ctx context.Context, record *models.ControlHealthRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO control_health (control_code, status, score, notes, last_checked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (control_code) DO UPDATE
		SET status = EXCLUDED.status,
		    score = EXCLUDED.score,
		    notes = EXCLUDED.notes,
		    last_checked_at = EXCLUDED.last_checked_at`,
		record.ControlCode, record.Status, record.Score,
		record.Notes, record.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert control health: %w", err)
	}
	return nil
}

func (r *healthRepository) List(ctx context.Context) ([]*models.ControlHealthRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT control_code, status, score, notes, last_checked_at
		FROM control_health
		ORDER BY control_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list control health: %w", err)
	}
	defer rows.Close()

	var records []*models.ControlHealthRecord
	for rows.Next() {
		record, err := scanControlHealth(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating control health rows: %w", err)
	}
	return records, nil
}

func scanControlHealth(row pgx.Row) (*models.ControlHealthRecord, error) {
	var record models.ControlHealthRecord
	err := row.Scan(
		&record.ControlCode, &record.Status, &record.Score,
		&record.Notes, &record.LastCheckedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan control health row: %w", err)
	}
	return &record, nil
}
