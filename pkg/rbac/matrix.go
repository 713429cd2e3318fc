// Package rbac defines the static role → permission matrix. The matrix is a
// pure mapping with no state and no I/O; permissions are never assigned
// directly to a principal. Each role's set is written out in full so the
// whole matrix can be reviewed in one place.
package rbac

import "github.com/muselink-hq/muselink-engine/pkg/models"

// Permission is an atomic capability gating one class of operation.
type Permission string

const (
	PermViewDashboard       Permission = "view_dashboard"
	PermViewApplications    Permission = "view_applications"
	PermMutateApplications  Permission = "mutate_applications"
	PermViewReports         Permission = "view_reports"
	PermMutateReports       Permission = "mutate_reports"
	PermViewDataRequests    Permission = "view_data_requests"
	PermMutateDataRequests  Permission = "mutate_data_requests"
	PermViewAuditLog        Permission = "view_audit_log"
	PermExportAuditLog      Permission = "export_audit_log"
	PermApproveRequests     Permission = "approve_requests"
	PermManageRoles         Permission = "manage_roles"
	PermManageEscalations   Permission = "manage_escalations"
	PermRevokeSessions      Permission = "revoke_sessions"
	PermRunGovernanceChecks Permission = "run_governance_checks"
	PermDeleteUsers         Permission = "delete_users"
)

// matrix is the full permission set per role. No inheritance: supervisor
// repeats the moderator grants it shares rather than referencing them.
var matrix = map[string]map[Permission]struct{}{
	models.RoleViewer: permSet(
		PermViewDashboard,
		PermViewApplications,
		PermViewReports,
	),
	models.RoleModerator: permSet(
		PermViewDashboard,
		PermViewApplications,
		PermMutateApplications,
		PermViewReports,
		PermMutateReports,
	),
	models.RoleSupervisor: permSet(
		PermViewDashboard,
		PermViewApplications,
		PermMutateApplications,
		PermViewReports,
		PermMutateReports,
		PermViewDataRequests,
		PermMutateDataRequests,
		PermApproveRequests,
		PermManageEscalations,
		PermRevokeSessions,
	),
	models.RoleCompliance: permSet(
		PermViewDashboard,
		PermViewApplications,
		PermViewReports,
		PermViewDataRequests,
		PermViewAuditLog,
		PermExportAuditLog,
		PermRunGovernanceChecks,
	),
	models.RoleSuperAdmin: permSet(
		PermViewDashboard,
		PermViewApplications,
		PermMutateApplications,
		PermViewReports,
		PermMutateReports,
		PermViewDataRequests,
		PermMutateDataRequests,
		PermViewAuditLog,
		PermExportAuditLog,
		PermApproveRequests,
		PermManageRoles,
		PermManageEscalations,
		PermRevokeSessions,
		PermRunGovernanceChecks,
		PermDeleteUsers,
	),
}

// MutuallyExclusiveRoles lists role pairs that no principal may hold
// together. Compliance audits moderation activity, so the two are separated.
var MutuallyExclusiveRoles = [][2]string{
	{models.RoleModerator, models.RoleCompliance},
	{models.RoleSupervisor, models.RoleCompliance},
}

func permSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// HasPermission returns true iff any of the owned roles grants the permission.
func HasPermission(roles []string, permission Permission) bool {
	for _, role := range roles {
		if set, ok := matrix[role]; ok {
			if _, granted := set[permission]; granted {
				return true
			}
		}
	}
	return false
}

// PermissionsForRoles returns the union of permissions granted by the roles.
func PermissionsForRoles(roles []string) []Permission {
	union := make(map[Permission]struct{})
	for _, role := range roles {
		for p := range matrix[role] {
			union[p] = struct{}{}
		}
	}
	perms := make([]Permission, 0, len(union))
	for p := range union {
		perms = append(perms, p)
	}
	return perms
}

// ConflictingRoles returns the first mutually exclusive pair held together,
// or false when the role set is clean.
func ConflictingRoles(roles []string) ([2]string, bool) {
	held := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		held[r] = struct{}{}
	}
	for _, pair := range MutuallyExclusiveRoles {
		if _, a := held[pair[0]]; a {
			if _, b := held[pair[1]]; b {
				return pair, true
			}
		}
	}
	return [2]string{}, false
}
