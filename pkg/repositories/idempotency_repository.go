package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// IdempotencyRepository stores responses keyed by (key, principal, action).
// Entries are insert-once; a conflict means another request already stored
// its response and the caller should replay that one.
type IdempotencyRepository interface {
	Get(ctx context.Context, key, principalID, action string) (*models.IdempotencyEntry, error)

	// Insert stores the entry. Returns false when an entry with the same
	// (key, principal, action) already exists; nothing is overwritten.
	Insert(ctx context.Context, entry *models.IdempotencyEntry) (bool, error)
}

type idempotencyRepository struct {
	db *database.DB
}

// NewIdempotencyRepository creates a new IdempotencyRepository.
func NewIdempotencyRepository(db *database.DB) IdempotencyRepository {
	return &idempotencyRepository{db: db}
}

var _ IdempotencyRepository = (*idempotencyRepository)(nil)

func (r *idempotencyRepository) Get(ctx context.Context, key, principalID, action string) (*models.IdempotencyEntry, error) {
	var entry models.IdempotencyEntry
	err := r.db.QueryRow(ctx, `
		SELECT key, principal_id, action, status_code, body, created_at
		FROM idempotency_keys
		WHERE key = $1 AND principal_id = $2 AND action = $3`,
		key, principalID, action).Scan(
		&entry.Key, &entry.PrincipalID, &entry.Action,
		&entry.StatusCode, &entry.Body, &entry.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency entry: %w", err)
	}
	return &entry, nil
}

func (r *idempotencyRepository) Insert(ctx context.Context, entry *models.IdempotencyEntry) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, principal_id, action, status_code, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, principal_id, action) DO NOTHING`,
		entry.Key, entry.PrincipalID, entry.Action,
		entry.StatusCode, entry.Body, entry.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
