package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// SystemActorID marks ledger records written by the engine itself rather
// than an authenticated admin.
const SystemActorID = "system"

// reasonRequiredActions are the ledger actions that must carry a
// justification of at least models.MinReasonLength characters.
var reasonRequiredActions = map[string]struct{}{
	models.AuditActionRoleRevoke:        {},
	models.AuditActionSessionRevoked:    {},
	models.AuditActionApprovalRequested: {},
	models.ActionUserDelete:             {},
	models.ActionUserAnonymize:          {},
	models.ActionBulkReject:             {},
	models.ActionBulkCloseReport:        {},
}

// LedgerService owns the hash-chained audit ledger: appends, chain
// verification and repair, and signed daily snapshots.
type LedgerService struct {
	repo    repositories.AuditRepository
	signer  *crypto.LedgerSigner
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(repo repositories.AuditRepository, signer *crypto.LedgerSigner, m *metrics.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		repo:    repo,
		signer:  signer,
		metrics: m,
		logger:  logger.Named("ledger-service"),
		now:     time.Now,
	}
}

// Append validates and appends one record to the ledger. The repository
// fills in the id, timestamp, and chain hashes.
func (s *LedgerService) Append(ctx context.Context, record *models.AuditRecord) error {
	if record.ActorID == "" || record.Action == "" {
		return fmt.Errorf("%w: actor and action are required", apperrors.ErrValidation)
	}
	if _, required := reasonRequiredActions[record.Action]; required {
		if len(strings.TrimSpace(record.Reason)) < models.MinReasonLength {
			return fmt.Errorf("%w: action %s requires a reason of at least %d characters",
				apperrors.ErrValidation, record.Action, models.MinReasonLength)
		}
	}

	if err := s.repo.Append(ctx, record); err != nil {
		return err
	}
	s.metrics.LedgerAppends.Inc()
	return nil
}

// Recent returns up to limit records, newest first.
func (s *LedgerService) Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.repo.ListRecent(ctx, limit)
}

// Verify walks the full ledger in creation order, recomputing every row hash
// and checking linkage to the previous row. Returns the id of the first
// record that fails either check. Verification never mutates the ledger.
func (s *LedgerService) Verify(ctx context.Context) (*models.ChainVerification, error) {
	records, err := s.repo.ListAscending(ctx)
	if err != nil {
		return nil, err
	}

	result := &models.ChainVerification{Valid: true}
	previousHash := ""
	for _, record := range records {
		result.RecordsChecked++

		expected, err := recordHash(record, previousHash)
		if err != nil {
			return nil, err
		}
		if record.PreviousHash != previousHash || record.RowHash != expected {
			result.Valid = false
			result.FirstCorruptedID = record.ID
			break
		}
		previousHash = record.RowHash
	}

	if !result.Valid {
		s.metrics.LedgerVerifyFails.Inc()
		s.logger.Error("Ledger chain verification failed",
			zap.String("first_corrupted_id", result.FirstCorruptedID),
			zap.Int("records_checked", result.RecordsChecked))
	}
	return result, nil
}

// Repair recomputes the entire chain from stored record contents and
// rewrites the hash columns, then appends a chain_repaired record naming
// the actor. Repair restores linkage; it cannot recover the original
// contents of a tampered row, which is why the repair itself is audited.
func (s *LedgerService) Repair(ctx context.Context, actorID string) (int, error) {
	records, err := s.repo.ListAscending(ctx)
	if err != nil {
		return 0, err
	}

	previousHash := ""
	rewritten := 0
	for _, record := range records {
		expected, err := recordHash(record, previousHash)
		if err != nil {
			return 0, err
		}
		if record.PreviousHash != previousHash || record.RowHash != expected {
			record.PreviousHash = previousHash
			record.RowHash = expected
			rewritten++
		}
		previousHash = record.RowHash
	}

	if rewritten > 0 {
		if err := s.repo.RewriteHashes(ctx, records); err != nil {
			return 0, err
		}
	}

	err = s.Append(ctx, &models.AuditRecord{
		ActorID:    actorID,
		Action:     models.AuditActionChainRepaired,
		TargetType: "audit_log",
		Details:    map[string]any{"records_rewritten": rewritten},
	})
	if err != nil {
		return rewritten, err
	}

	s.logger.Warn("Ledger chain repaired",
		zap.String("actor_id", actorID),
		zap.Int("records_rewritten", rewritten))
	return rewritten, nil
}

// Snapshot signs the current chain tail and stores it as today's snapshot.
// One snapshot per calendar day; a second call the same day returns
// ErrConflict.
func (s *LedgerService) Snapshot(ctx context.Context, actorID string) (*models.AuditSnapshot, error) {
	tail, err := s.repo.TailHash(ctx)
	if err != nil {
		return nil, err
	}
	if tail == "" {
		return nil, fmt.Errorf("%w: cannot snapshot an empty ledger", apperrors.ErrValidation)
	}

	now := s.now().UTC()
	snapshot := &models.AuditSnapshot{
		SnapshotDate: now.Truncate(24 * time.Hour),
		LastRowHash:  tail,
		Signature:    s.signer.Sign(tail),
		CreatedAt:    now,
	}
	if err := s.repo.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	err = s.Append(ctx, &models.AuditRecord{
		ActorID:    actorID,
		Action:     models.AuditActionSnapshotCreated,
		TargetType: "audit_snapshot",
		TargetID:   snapshot.SnapshotDate.Format("2006-01-02"),
		Details:    map[string]any{"last_row_hash": tail},
	})
	if err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// VerifySnapshot checks the latest stored snapshot two ways: the HMAC
// signature must verify, and the signed tail hash must still be present in
// the live chain. A signed hash that appears nowhere means the ledger was
// truncated or rewritten past the snapshot point, which linkage checks alone
// cannot see.
func (s *LedgerService) VerifySnapshot(ctx context.Context) (*models.AuditSnapshot, bool, error) {
	snapshot, err := s.repo.LatestSnapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	if !s.signer.Verify(snapshot.LastRowHash, snapshot.Signature) {
		return snapshot, false, nil
	}

	records, err := s.repo.ListAscending(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, record := range records {
		if record.RowHash == snapshot.LastRowHash {
			return snapshot, true, nil
		}
	}
	s.logger.Error("Snapshot tail hash missing from live chain",
		zap.Time("snapshot_date", snapshot.SnapshotDate),
		zap.String("last_row_hash", snapshot.LastRowHash))
	return snapshot, false, nil
}

// LastActionTime exposes the newest timestamp for one action name. Used by
// the governance cadence control.
func (s *LedgerService) LastActionTime(ctx context.Context, action string) (time.Time, error) {
	return s.repo.LastActionTime(ctx, action)
}

// recordHash recomputes the chain hash for a stored record against the
// given previous hash, using the same canonical details serialization the
// repository hashes at append time.
func recordHash(record *models.AuditRecord, previousHash string) (string, error) {
	var detailsJSON []byte
	if len(record.Details) > 0 {
		var err error
		detailsJSON, err = json.Marshal(record.Details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}
	return crypto.RowHash(
		record.ID, record.ActorID, record.Action,
		record.TargetType, record.TargetID,
		string(detailsJSON), record.CreatedAt, previousHash,
	), nil
}
