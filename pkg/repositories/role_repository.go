package repositories

import (
	"context"
	"fmt"

	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// RoleRepository provides data access for role assignments.
type RoleRepository interface {
	// RolesForPrincipal returns the roles assigned to one principal.
	RolesForPrincipal(ctx context.Context, principalID string) ([]string, error)

	// Assign grants a role. Idempotent: assigning an already-held role is a no-op.
	Assign(ctx context.Context, principalID, role string) error

	// Revoke removes one role assignment. Returns false when the assignment
	// did not exist.
	Revoke(ctx context.Context, principalID, role string) (bool, error)

	// CountWithRole returns how many principals hold the given role. The
	// bootstrap path only fires when no super_admin holder exists.
	CountWithRole(ctx context.Context, role string) (int, error)

	// ListAssignments returns every role assignment, for RBAC hygiene checks.
	ListAssignments(ctx context.Context) ([]*models.RoleAssignment, error)
}

type roleRepository struct {
	db *database.DB
}

// NewRoleRepository creates a new RoleRepository.
func NewRoleRepository(db *database.DB) RoleRepository {
	return &roleRepository{db: db}
}

var _ RoleRepository = (*roleRepository)(nil)

func (r *roleRepository) RolesForPrincipal(ctx context.Context, principalID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT role FROM role_assignments
		WHERE principal_id = $1
		ORDER BY role`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roles: %w", err)
	}
	return roles, nil
}

func (r *roleRepository) Assign(ctx context.Context, principalID, role string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO role_assignments (principal_id, role)
		VALUES ($1, $2)
		ON CONFLICT (principal_id, role) DO NOTHING`, principalID, role)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

func (r *roleRepository) Revoke(ctx context.Context, principalID, role string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM role_assignments
		WHERE principal_id = $1 AND role = $2`, principalID, role)
	if err != nil {
		return false, fmt.Errorf("failed to revoke role: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *roleRepository) CountWithRole(ctx context.Context, role string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM role_assignments WHERE role = $1`, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count role holders: %w", err)
	}
	return count, nil
}

func (r *roleRepository) ListAssignments(ctx context.Context) ([]*models.RoleAssignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT principal_id, role, created_at
		FROM role_assignments
		ORDER BY principal_id, role`)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*models.RoleAssignment
	for rows.Next() {
		var a models.RoleAssignment
		if err := rows.Scan(&a.PrincipalID, &a.Role, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		assignments = append(assignments, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role assignments: %w", err)
	}
	return assignments, nil
}
