package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// ledgerLockKey serializes ledger appends across connections. Two concurrent
// appends must not read the same tail hash, or the chain forks.
const ledgerLockKey = int64(0x6d73_6c6b_6c64_6772) // "mslkldgr"

// AuditRepository provides data access for the hash-chained audit ledger
// and its daily snapshots.
type AuditRepository interface {
	// Append inserts a new immutable record, computing previous_hash and
	// row_hash from the current chain tail inside a serialized transaction.
	Append(ctx context.Context, record *models.AuditRecord) error

	// ListAscending returns all records in creation (chain) order.
	ListAscending(ctx context.Context) ([]*models.AuditRecord, error)

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error)

	// TailHash returns the row_hash of the last record, or "" for an empty ledger.
	TailHash(ctx context.Context) (string, error)

	// RewriteHashes overwrites the hash columns of existing rows. Used only
	// by the audited chain-repair path.
	RewriteHashes(ctx context.Context, records []*models.AuditRecord) error

	// LastActionTime returns the created_at of the newest record with the
	// given action, or the zero time when none exists.
	LastActionTime(ctx context.Context, action string) (time.Time, error)

	// InsertSnapshot stores a signed daily snapshot. One row per calendar day.
	InsertSnapshot(ctx context.Context, snapshot *models.AuditSnapshot) error

	// LatestSnapshot returns the most recent snapshot.
	LatestSnapshot(ctx context.Context) (*models.AuditSnapshot, error)
}

type auditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{db: db}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Append(ctx context.Context, record *models.AuditRecord) error {
	detailsJSON, err := marshalDetails(record.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Single logical writer: every append takes the same advisory lock for
	// the duration of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("failed to acquire ledger lock: %w", err)
	}

	var previousHash string
	err = tx.QueryRow(ctx, `SELECT row_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&previousHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read chain tail: %w", err)
	}

	record.ID = ulid.Make().String()
	// Truncate to the precision TIMESTAMPTZ actually stores, so the hashed
	// timestamp equals the one read back at verification time.
	record.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	record.PreviousHash = previousHash
	record.RowHash = crypto.RowHash(
		record.ID, record.ActorID, record.Action,
		record.TargetType, record.TargetID,
		string(detailsJSON), record.CreatedAt, previousHash,
	)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (
			id, actor_id, action, target_type, target_id, details, reason,
			created_at, previous_hash, row_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.ActorID, record.Action,
		record.TargetType, record.TargetID, detailsJSON, record.Reason,
		record.CreatedAt, record.PreviousHash, record.RowHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit audit record: %w", err)
	}
	return nil
}

func (r *auditRepository) ListAscending(ctx context.Context) ([]*models.AuditRecord, error) {
	return r.list(ctx, `
		SELECT id, actor_id, action, target_type, target_id, details, reason,
		       created_at, previous_hash, row_hash
		FROM audit_log
		ORDER BY id ASC`)
}

func (r *auditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	return r.list(ctx, `
		SELECT id, actor_id, action, target_type, target_id, details, reason,
		       created_at, previous_hash, row_hash
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1`, limit)
}

func (r *auditRepository) list(ctx context.Context, query string, args ...any) ([]*models.AuditRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		record, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

func (r *auditRepository) TailHash(ctx context.Context) (string, error) {
	var tail string
	err := r.db.QueryRow(ctx, `SELECT row_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&tail)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chain tail: %w", err)
	}
	return tail, nil
}

func (r *auditRepository) RewriteHashes(ctx context.Context, records []*models.AuditRecord) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin repair transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("failed to acquire ledger lock: %w", err)
	}

	for _, record := range records {
		_, err := tx.Exec(ctx, `
			UPDATE audit_log SET previous_hash = $2, row_hash = $3 WHERE id = $1`,
			record.ID, record.PreviousHash, record.RowHash,
		)
		if err != nil {
			return fmt.Errorf("failed to rewrite hashes for %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chain repair: %w", err)
	}
	return nil
}

func (r *auditRepository) LastActionTime(ctx context.Context, action string) (time.Time, error) {
	var at time.Time
	err := r.db.QueryRow(ctx, `
		SELECT created_at FROM audit_log
		WHERE action = $1
		ORDER BY id DESC
		LIMIT 1`, action).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last %s time: %w", action, err)
	}
	return at, nil
}

func (r *auditRepository) InsertSnapshot(ctx context.Context, snapshot *models.AuditSnapshot) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO audit_snapshots (snapshot_date, last_row_hash, signature, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_date) DO NOTHING`,
		snapshot.SnapshotDate, snapshot.LastRowHash, snapshot.Signature, snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *auditRepository) LatestSnapshot(ctx context.Context) (*models.AuditSnapshot, error) {
	var snapshot models.AuditSnapshot
	err := r.db.QueryRow(ctx, `
		SELECT snapshot_date, last_row_hash, signature, created_at
		FROM audit_snapshots
		ORDER BY snapshot_date DESC
		LIMIT 1`).Scan(
		&snapshot.SnapshotDate, &snapshot.LastRowHash,
		&snapshot.Signature, &snapshot.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	return &snapshot, nil
}

func scanAuditRecord(row pgx.Row) (*models.AuditRecord, error) {
	var record models.AuditRecord
	var detailsJSON []byte

	err := row.Scan(
		&record.ID, &record.ActorID, &record.Action,
		&record.TargetType, &record.TargetID, &detailsJSON, &record.Reason,
		&record.CreatedAt, &record.PreviousHash, &record.RowHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	if len(detailsJSON) > 0 && string(detailsJSON) != "null" {
		if err := json.Unmarshal(detailsJSON, &record.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	return &record, nil
}

// marshalDetails produces the canonical bytes hashed into row_hash.
// encoding/json sorts map keys, so the same details map always marshals to
// the same bytes within this runtime.
func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}
