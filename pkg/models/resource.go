package models

import (
	"time"

	"github.com/google/uuid"
)

// Managed resource types administered through the console.
const (
	ResourceCreatorApplication = "creator_application"
	ResourceContentReport      = "content_report"
	ResourceDataRequest        = "data_request"
)

// ManagedResource is the shared administrative shape of applications,
// reports, and data requests: a status enum, an updated_at timestamp used
// for optimistic concurrency, and optional claim fields for exclusive
// time-boxed work assignment.
type ManagedResource struct {
	ID                  uuid.UUID  `json:"id"`
	Type                string     `json:"type"`
	Status              string     `json:"status"`
	UpdatedAt           time.Time  `json:"updated_at"`
	AssignedTo          *string    `json:"assigned_to,omitempty"`
	AssignmentExpiresAt *time.Time `json:"assignment_expires_at,omitempty"`
}

// ResourceTable maps a resource type to its storage shape. The registry is
// resolved once at startup; per-request column detection is not performed.
type ResourceTable struct {
	Table          string
	StatusValues   []string
	OverdueStatus  string // status counted as pending/overdue work for escalation metrics
	Claimable      bool
}

// ResourceRegistry returns the fixed resource registry.
func ResourceRegistry() map[string]ResourceTable {
	return map[string]ResourceTable{
		ResourceCreatorApplication: {
			Table:         "creator_applications",
			StatusValues:  []string{"submitted", "in_review", "approved", "rejected"},
			OverdueStatus: "submitted",
			Claimable:     true,
		},
		ResourceContentReport: {
			Table:         "content_reports",
			StatusValues:  []string{"open", "investigating", "actioned", "dismissed"},
			OverdueStatus: "open",
			Claimable:     true,
		},
		ResourceDataRequest: {
			Table:         "data_requests",
			StatusValues:  []string{"received", "processing", "fulfilled", "denied"},
			OverdueStatus: "received",
			Claimable:     true,
		},
	}
}

// ValidStatus reports whether status is a known value for this table.
func (t ResourceTable) ValidStatus(status string) bool {
	for _, s := range t.StatusValues {
		if s == status {
			return true
		}
	}
	return false
}
