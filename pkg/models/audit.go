package models

import "time"

// Audit action names recorded in the ledger.
const (
	AuditActionRoleBootstrap     = "role_bootstrap"
	AuditActionRoleGrant         = "role_grant"
	AuditActionRoleRevoke        = "role_revoke"
	AuditActionApprovalRequested = "approval_requested"
	AuditActionApprovalApproved  = "approval_approved"
	AuditActionApprovalRejected  = "approval_rejected"
	AuditActionApprovalExpired   = "approval_expired"
	AuditActionSessionRevoked    = "session_revoked"
	AuditActionSessionAnomaly    = "session_anomaly"
	AuditActionChainRepaired     = "chain_repaired"
	AuditActionSnapshotCreated   = "snapshot_created"
	AuditActionGovernanceReview  = "governance_review"
)

// MinReasonLength is the minimum length of the reason string required for
// destructive actions.
const MinReasonLength = 10

// AuditRecord is one immutable row in the hash-chained audit ledger.
// RowHash covers the record's own fields plus PreviousHash, so a retroactive
// edit of any stored row breaks linkage for every row after it. Records are
// created exactly once and never mutated or deleted.
type AuditRecord struct {
	ID           string         `json:"id"` // ULID: lexicographic order is creation order
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	TargetType   string         `json:"target_type"`
	TargetID     string         `json:"target_id"`
	Details      map[string]any `json:"details,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	PreviousHash string         `json:"previous_hash"` // "" for the first record
	RowHash      string         `json:"row_hash"`
}

// AuditSnapshot anchors the ledger tail at signing time. The HMAC signature
// over LastRowHash detects retroactive tampering of already-snapshotted
// history even if the live chain is later repaired.
type AuditSnapshot struct {
	SnapshotDate time.Time `json:"snapshot_date"` // one per calendar day
	LastRowHash  string    `json:"last_row_hash"`
	Signature    string    `json:"signature"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChainVerification is the result of walking the ledger in creation order.
// FirstCorruptedID is empty when the chain is intact.
type ChainVerification struct {
	Valid            bool   `json:"valid"`
	FirstCorruptedID string `json:"first_corrupted_id,omitempty"`
	RecordsChecked   int    `json:"records_checked"`
}
