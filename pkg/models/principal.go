package models

import "time"

// Role names are immutable constants. Adding a role means writing out its
// full permission set in pkg/rbac; there is no inheritance graph.
const (
	RoleViewer     = "viewer"
	RoleModerator  = "moderator"
	RoleSupervisor = "supervisor"
	RoleCompliance = "compliance"
	RoleSuperAdmin = "super_admin"
)

// ValidRoles contains all assignable role values.
var ValidRoles = []string{RoleViewer, RoleModerator, RoleSupervisor, RoleCompliance, RoleSuperAdmin}

// IsValidRole checks if the given role is valid.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Principal is an authenticated admin identity evaluated for permissions.
// Identity issuance is external; the engine only reads session claims and
// joins them with stored role assignments.
type Principal struct {
	ID        string   `json:"id"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id,omitempty"`
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleAssignment is one row in the role_assignments table.
type RoleAssignment struct {
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}
