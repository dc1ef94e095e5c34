package rbac

import "context"

// RoleRepository is the storage port for canonical roles. Implementations
// must scope every operation to the supplied tenant: a role created in one
// tenant is invisible to every other tenant even when bare role IDs collide.
type RoleRepository interface {
	// Create stores a new role. Returns ErrRoleExists when the
	// (tenant, role) pair is already present.
	Create(ctx context.Context, role Role) (Role, error)
	// Get returns the role or ErrRoleNotFound.
	Get(ctx context.Context, tenantID, roleID string) (Role, error)
	// Update merges the supplied fields over the stored role, preserving
	// ID, tenant and creation time, and refreshes UpdatedAt. Returns
	// ErrRoleNotFound when the role is absent.
	Update(ctx context.Context, tenantID, roleID string, update RoleUpdate) (Role, error)
	// Delete removes the role. Deleting an absent role is a no-op.
	Delete(ctx context.Context, tenantID, roleID string) error
	// List returns all roles of the tenant in insertion order.
	List(ctx context.Context, tenantID string) ([]Role, error)
	// Tenants returns every tenant that has at least one role.
	Tenants(ctx context.Context) ([]string, error)
}

// AssignmentRepository is the storage port for user-role edges.
type AssignmentRepository interface {
	// Assign upserts the edge keyed by (tenant, user, role). Re-assigning
	// an existing triple refreshes AssignedAt rather than duplicating.
	Assign(ctx context.Context, a Assignment) error
	// Remove deletes the edge. Removing an absent edge is a no-op.
	Remove(ctx context.Context, tenantID, userID, roleID string) error
	// UserRoles returns the role IDs assigned to the user in the tenant,
	// in assignment order.
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	// RoleUsers returns the user IDs holding the role in the tenant.
	RoleUsers(ctx context.Context, tenantID, roleID string) ([]string, error)
	// ListTenant returns every edge of the tenant in assignment order,
	// used to rebuild the evaluation index.
	ListTenant(ctx context.Context, tenantID string) ([]Assignment, error)
}
