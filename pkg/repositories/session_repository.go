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

// SessionRepository provides data access for admin session tracking.
type SessionRepository interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.AdminSession, error)
	Create(ctx context.Context, session *models.AdminSession) error
	Touch(ctx context.Context, id uuid.UUID, seenAt time.Time) error

	// Revoke is a one-way conditional flip of is_active. Returns false when
	// the session was already revoked or does not exist.
	Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) (bool, error)

	// ListActiveByPrincipal returns the principal's active sessions seen
	// since the given time (zero time means all active sessions).
	ListActiveByPrincipal(ctx context.Context, principalID string, seenSince time.Time) ([]*models.AdminSession, error)

	// ListActive returns all active sessions, newest first.
	ListActive(ctx context.Context, limit int) ([]*models.AdminSession, error)
}

type sessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *database.DB) SessionRepository {
	return &sessionRepository{db: db}
}

var _ SessionRepository = (*sessionRepository)(nil)

const sessionColumns = `
	id, principal_id, token_hash, ip, user_agent, country, city,
	created_at, last_seen_at, revoked_at, is_active`

func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.AdminSession, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM admin_sessions
		WHERE token_hash = $1`, tokenHash)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *sessionRepository) Create(ctx context.Context, session *models.AdminSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO admin_sessions (
			id, principal_id, token_hash, ip, user_agent, country, city,
			created_at, last_seen_at, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true)
		ON CONFLICT (token_hash) DO NOTHING`,
		session.ID, session.PrincipalID, session.TokenHash,
		session.IP, session.UserAgent, session.Country, session.City,
		session.CreatedAt, session.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create admin session: %w", err)
	}
	return nil
}

func (r *sessionRepository) Touch(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE admin_sessions SET last_seen_at = $2 WHERE id = $1`, id, seenAt)
	if err != nil {
		return fmt.Errorf("failed to touch admin session: %w", err)
	}
	return nil
}

func (r *sessionRepository) Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE admin_sessions
		SET is_active = false, revoked_at = $2
		WHERE id = $1 AND is_active = true`, id, revokedAt)
	if err != nil {
		return false, fmt.Errorf("failed to revoke admin session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *sessionRepository) ListActiveByPrincipal(ctx context.Context, principalID string, seenSince time.Time) ([]*models.AdminSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM admin_sessions
		WHERE principal_id = $1 AND is_active = true AND last_seen_at >= $2
		ORDER BY last_seen_at DESC`, principalID, seenSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list principal sessions: %w", err)
	}
	return collectSessions(rows)
}

func (r *sessionRepository) ListActive(ctx context.Context, limit int) ([]*models.AdminSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM admin_sessions
		WHERE is_active = true
		ORDER BY last_seen_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]*models.AdminSession, error) {
	defer rows.Close()

	var sessions []*models.AdminSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating admin sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*models.AdminSession, error) {
	var session models.AdminSession
	err := row.Scan(
		&session.ID, &session.PrincipalID, &session.TokenHash,
		&session.IP, &session.UserAgent, &session.Country, &session.City,
		&session.CreatedAt, &session.LastSeenAt, &session.RevokedAt, &session.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan admin session: %w", err)
	}
	return &session, nil
}
