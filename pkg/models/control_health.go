package models

import "time"

// Control health statuses.
const (
	ControlStatusHealthy = "healthy"
	ControlStatusWarning = "warning"
	ControlStatusFailed  = "failed"
)

// Control codes checked by the health monitor.
const (
	ControlLedgerIntegrity    = "ledger_integrity"
	ControlRBACHygiene        = "rbac_hygiene"
	ControlEscalationBacklog  = "escalation_backlog"
	ControlWorkloadOverdue    = "workload_overdue"
	ControlGovernanceCadence  = "governance_cadence"
)

// ControlHealthRecord is the upserted result of one named check: one row per
// control code, overwritten on every run, never deleted.
type ControlHealthRecord struct {
	ControlCode   string    `json:"control_code"`
	Status        string    `json:"status"`
	Score         int       `json:"score"` // 0-100
	Notes         string    `json:"notes,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// StatusForScore maps a numeric score onto the three-state status enum.
func StatusForScore(score int) string {
	switch {
	case score >= 90:
		return ControlStatusHealthy
	case score >= 60:
		return ControlStatusWarning
	default:
		return ControlStatusFailed
	}
}
