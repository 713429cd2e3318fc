package models

import (
	"time"

	"github.com/google/uuid"
)

// Approval request statuses. A request is terminal once it leaves pending.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusExpired  = "expired"
)

// Governance-sensitive action types that may be gated behind a second admin.
const (
	ActionUserDelete      = "user_delete"
	ActionUserAnonymize   = "user_anonymize"
	ActionBulkReject      = "bulk_reject_applications"
	ActionBulkCloseReport = "bulk_close_reports"
)

// ApprovalRequest gates a destructive action behind a second-admin decision.
// Created in pending state with a fixed expiry horizon; the encoded payload
// is executed exactly once, atomically with the pending→approved transition.
type ApprovalRequest struct {
	ID          uuid.UUID      `json:"id"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Reason      string         `json:"reason"`
	RequestedBy string         `json:"requested_by"`
	Status      string         `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ApprovedBy  *string        `json:"approved_by,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// ApprovalRule decides whether an action requires a second admin. Zero-value
// rule means never. The predicate is policy data, loaded from configuration.
type ApprovalRule struct {
	Always        bool `yaml:"always" json:"always"`
	BulkThreshold int  `yaml:"bulk_threshold" json:"bulk_threshold"` // 0 disables the threshold trigger
}

// RequiresApproval applies the rule to an action touching itemCount items.
func (r ApprovalRule) RequiresApproval(itemCount int) bool {
	if r.Always {
		return true
	}
	return r.BulkThreshold > 0 && itemCount >= r.BulkThreshold
}
