package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/changerplanet/webwaka-core-permissions/internal/platform/db"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for both storage ports.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the role row and its capability grants in one transaction,
// so a role can never be observed under-provisioned. A failure while
// propagating grants rolls everything back and surfaces as
// ErrPartialProvisioning.
func (r *Repository) Create(ctx context.Context, role Role) (Role, error) {
	metaJSON, err := json.Marshal(role.Metadata)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: marshal metadata: %w", err)
	}
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO roles (tenant_id, role_id, name, description, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			role.TenantID, role.ID, role.Name, role.Description, metaJSON, role.CreatedAt, role.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrRoleExists
			}
			return err
		}
		if err := insertCapabilities(ctx, tx, role.TenantID, role.ID, role.Capabilities); err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrPartialProvisioning, role.ID, err)
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func insertCapabilities(ctx context.Context, tx pgx.Tx, tenantID, roleID string, capabilities []string) error {
	for i, capability := range capabilities {
		_, err := tx.Exec(ctx,
			`INSERT INTO role_capabilities (tenant_id, role_id, capability, position)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (tenant_id, role_id, capability) DO NOTHING`,
			tenantID, roleID, capability, i)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tenantID, roleID string) (Role, error) {
	return scanRole(ctx, r.pool, tenantID, roleID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanRole(ctx context.Context, q rowQuerier, tenantID, roleID string) (Role, error) {
	var (
		role     Role
		metaJSON []byte
	)
	err := q.QueryRow(ctx,
		`SELECT tenant_id, role_id, name, description, metadata, created_at, updated_at
		 FROM roles WHERE tenant_id = $1 AND role_id = $2`,
		tenantID, roleID).
		Scan(&role.TenantID, &role.ID, &role.Name, &role.Description, &metaJSON, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &role.Metadata); err != nil {
			return Role{}, fmt.Errorf("rbac: unmarshal metadata: %w", err)
		}
	}
	role.Capabilities, err = roleCapabilities(ctx, q, tenantID, roleID)
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func roleCapabilities(ctx context.Context, q rowQuerier, tenantID, roleID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT capability FROM role_capabilities
		 WHERE tenant_id = $1 AND role_id = $2 ORDER BY position`,
		tenantID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// Update merges the supplied fields under a row lock so concurrent updates
// of the same role serialize. Replacing the capability set deletes and
// reinserts the grant rows inside the same transaction.
func (r *Repository) Update(ctx context.Context, tenantID, roleID string, update RoleUpdate) (Role, error) {
	var merged Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			metaJSON []byte
			role     Role
		)
		err := tx.QueryRow(ctx,
			`SELECT tenant_id, role_id, name, description, metadata, created_at, updated_at
			 FROM roles WHERE tenant_id = $1 AND role_id = $2 FOR UPDATE`,
			tenantID, roleID).
			Scan(&role.TenantID, &role.ID, &role.Name, &role.Description, &metaJSON, &role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRoleNotFound
			}
			return err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &role.Metadata); err != nil {
				return fmt.Errorf("rbac: unmarshal metadata: %w", err)
			}
		}

		if update.Name != nil {
			role.Name = *update.Name
		}
		if update.Description != nil {
			role.Description = *update.Description
		}
		if update.Metadata != nil {
			role.Metadata = update.Metadata
		}
		role.UpdatedAt = time.Now().UTC()

		outJSON, err := json.Marshal(role.Metadata)
		if err != nil {
			return fmt.Errorf("rbac: marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE roles SET name = $3, description = $4, metadata = $5, updated_at = $6
			 WHERE tenant_id = $1 AND role_id = $2`,
			tenantID, roleID, role.Name, role.Description, outJSON, role.UpdatedAt)
		if err != nil {
			return err
		}

		if update.Capabilities != nil {
			_, err = tx.Exec(ctx,
				`DELETE FROM role_capabilities WHERE tenant_id = $1 AND role_id = $2`,
				tenantID, roleID)
			if err != nil {
				return err
			}
			if err := insertCapabilities(ctx, tx, tenantID, roleID, update.Capabilities); err != nil {
				return err
			}
			role.Capabilities = append([]string(nil), update.Capabilities...)
		} else {
			role.Capabilities, err = roleCapabilities(ctx, tx, tenantID, roleID)
			if err != nil {
				return err
			}
		}

		merged = role
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return merged, nil
}

func (r *Repository) Delete(ctx context.Context, tenantID, roleID string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_capabilities WHERE tenant_id = $1 AND role_id = $2`,
			tenantID, roleID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM roles WHERE tenant_id = $1 AND role_id = $2`,
			tenantID, roleID)
		return err
	})
}

func (r *Repository) List(ctx context.Context, tenantID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT role_id FROM roles WHERE tenant_id = $1 ORDER BY created_at, role_id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		role, err := scanRole(ctx, r.pool, tenantID, id)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (r *Repository) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM roles ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (r *Repository) Assign(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_role_assignments (tenant_id, user_id, role_id, assigned_at, assigned_by)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, user_id, role_id)
		 DO UPDATE SET assigned_at = EXCLUDED.assigned_at, assigned_by = EXCLUDED.assigned_by`,
		a.TenantID, a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy)
	return err
}

func (r *Repository) Remove(ctx context.Context, tenantID, userID, roleID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM user_role_assignments
		 WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`,
		tenantID, userID, roleID)
	return err
}

func (r *Repository) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT role_id FROM user_role_assignments
		 WHERE tenant_id = $1 AND user_id = $2 ORDER BY assigned_at, role_id`,
		tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roles = append(roles, id)
	}
	return roles, rows.Err()
}

func (r *Repository) RoleUsers(ctx context.Context, tenantID, roleID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM user_role_assignments
		 WHERE tenant_id = $1 AND role_id = $2 ORDER BY assigned_at, user_id`,
		tenantID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (r *Repository) ListTenant(ctx context.Context, tenantID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, user_id, role_id, assigned_at, assigned_by
		 FROM user_role_assignments WHERE tenant_id = $1 ORDER BY assigned_at, role_id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.TenantID, &a.UserID, &a.RoleID, &a.AssignedAt, &a.AssignedBy); err != nil {
			return nil, err
		}
		edges = append(edges, a)
	}
	return edges, rows.Err()
}
