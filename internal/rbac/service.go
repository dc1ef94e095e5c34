package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CreateRoleInput describes a role-creation request. The role ID is assigned
// by the service.
type CreateRoleInput struct {
	TenantID     string
	Name         string
	Description  string
	Capabilities []string
	Metadata     map[string]string
}

// AssignRoleInput describes a role-assignment request.
type AssignRoleInput struct {
	TenantID   string
	UserID     string
	RoleID     string
	AssignedBy string
}

// invalidationPublisher announces tenant-level canonical state changes.
// Satisfied by InvalidationBus.
type invalidationPublisher interface {
	Publish(ctx context.Context, tenantID string) error
}

// Service orchestrates the canonical stores and the evaluation index. Every
// mutation writes through to the store first, then applies the equivalent
// index mutation; every query reads from the index. Mutations are serialized
// per tenant, so operations on distinct tenants never block each other.
type Service struct {
	roles       RoleRepository
	assignments AssignmentRepository
	engine      *Engine
	bus         invalidationPublisher
	logger      *slog.Logger

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// NewService constructs a Service. The bus is optional; pass nil in
// single-replica deployments.
func NewService(roles RoleRepository, assignments AssignmentRepository, engine *Engine, bus *InvalidationBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		roles:       roles,
		assignments: assignments,
		engine:      engine,
		logger:      logger,
		tenantLocks: make(map[string]*sync.Mutex),
	}
	if bus != nil {
		s.bus = bus
	}
	return s
}

// Engine exposes the evaluation index, primarily for drift tests and the
// resync worker.
func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.tenantLocks[tenantID] = lock
	}
	return lock
}

// withTenantLock serializes fn against every other mutation of the tenant.
// Invalidations are published after the lock is released so a slow bus never
// stalls the tenant's mutation pipeline.
func (s *Service) withTenantLock(tenantID string, fn func() error) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// CreateRole validates the input, persists a role under a fresh opaque ID
// and propagates its capability grants to the index as one atomic step.
func (s *Service) CreateRole(ctx context.Context, input CreateRoleInput) (Role, error) {
	if err := validateIdentifiers("tenant id", input.TenantID); err != nil {
		return Role{}, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" || len(name) > maxNameLen {
		return Role{}, fmt.Errorf("%w: role name must be a non-empty string of at most %d characters", ErrValidation, maxNameLen)
	}
	if len(input.Description) > maxDescriptionLen {
		return Role{}, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLen)
	}
	if err := validateCapabilities(input.Capabilities); err != nil {
		return Role{}, err
	}

	now := time.Now().UTC()
	role := Role{
		ID:           uuid.NewString(),
		TenantID:     input.TenantID,
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		Capabilities: append([]string(nil), input.Capabilities...),
		Metadata:     cloneMetadata(input.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var created Role
	err := s.withTenantLock(input.TenantID, func() error {
		var err error
		created, err = s.roles.Create(ctx, role)
		if err != nil {
			return err
		}
		s.engine.SetRolePolicies(created.TenantID, created.ID, created.Capabilities)
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, created.TenantID)

	s.logger.Info("role created",
		slog.String("tenant", created.TenantID),
		slog.String("role", created.ID),
		slog.Int("capabilities", len(created.Capabilities)))
	return created, nil
}

// UpdateRole merges the supplied fields over the stored role. When the
// capability set is replaced, readers observe either the previous or the new
// grant set in full.
func (s *Service) UpdateRole(ctx context.Context, tenantID, roleID string, update RoleUpdate) (Role, error) {
	if err := validateIdentifiers("identifier", tenantID, roleID); err != nil {
		return Role{}, err
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" || len(name) > maxNameLen {
			return Role{}, fmt.Errorf("%w: role name must be a non-empty string of at most %d characters", ErrValidation, maxNameLen)
		}
		update.Name = &name
	}
	if update.Description != nil && len(*update.Description) > maxDescriptionLen {
		return Role{}, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLen)
	}
	if update.Capabilities != nil {
		if err := validateCapabilities(update.Capabilities); err != nil {
			return Role{}, err
		}
	}

	var merged Role
	err := s.withTenantLock(tenantID, func() error {
		var err error
		merged, err = s.roles.Update(ctx, tenantID, roleID, update)
		if err != nil {
			return err
		}
		if update.Capabilities != nil {
			s.engine.SetRolePolicies(tenantID, roleID, merged.Capabilities)
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, tenantID)
	return merged, nil
}

// DeleteRole removes the role and all of its grants. Assignment edges that
// still reference it stay in the canonical store and become dangling; every
// resolution path excludes them from that point on. The index is touched
// only after the store delete succeeds, so a failed delete leaves the role's
// grants resolvable.
func (s *Service) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	if err := validateIdentifiers("identifier", tenantID, roleID); err != nil {
		return err
	}

	err := s.withTenantLock(tenantID, func() error {
		if err := s.roles.Delete(ctx, tenantID, roleID); err != nil {
			return err
		}
		s.engine.DropRole(tenantID, roleID)
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// AssignRole verifies the role exists in the tenant, upserts the edge and
// records the membership in the index. Re-assigning the same triple is
// idempotent.
func (s *Service) AssignRole(ctx context.Context, input AssignRoleInput) error {
	if err := validateIdentifiers("identifier", input.TenantID, input.UserID, input.RoleID); err != nil {
		return err
	}

	err := s.withTenantLock(input.TenantID, func() error {
		if _, err := s.roles.Get(ctx, input.TenantID, input.RoleID); err != nil {
			return err
		}
		err := s.assignments.Assign(ctx, Assignment{
			TenantID:   input.TenantID,
			UserID:     input.UserID,
			RoleID:     input.RoleID,
			AssignedAt: time.Now().UTC(),
			AssignedBy: input.AssignedBy,
		})
		if err != nil {
			return err
		}
		s.engine.AddUserRole(input.TenantID, input.UserID, input.RoleID)
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, input.TenantID)
	return nil
}

// RemoveRole removes a membership edge. Removing an absent edge succeeds.
func (s *Service) RemoveRole(ctx context.Context, tenantID, userID, roleID string) error {
	if err := validateIdentifiers("identifier", tenantID, userID, roleID); err != nil {
		return err
	}

	err := s.withTenantLock(tenantID, func() error {
		if err := s.assignments.Remove(ctx, tenantID, userID, roleID); err != nil {
			return err
		}
		s.engine.RemoveUserRole(tenantID, userID, roleID)
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// GetRole returns the canonical role record.
func (s *Service) GetRole(ctx context.Context, tenantID, roleID string) (Role, error) {
	if err := validateIdentifiers("identifier", tenantID, roleID); err != nil {
		return Role{}, err
	}
	return s.roles.Get(ctx, tenantID, roleID)
}

// ListRoles returns all roles of the tenant.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	if err := validateIdentifiers("tenant id", tenantID); err != nil {
		return nil, err
	}
	return s.roles.List(ctx, tenantID)
}

// CheckPermission evaluates a single capability and, when allowed, resolves
// the granting roles to human-readable provenance for the audit trail.
func (s *Service) CheckPermission(ctx context.Context, tenantID, userID, capability string) (Decision, error) {
	if err := validateIdentifiers("identifier", tenantID, userID); err != nil {
		return Decision{}, err
	}
	if !ValidCapability(capability) {
		return Decision{}, fmt.Errorf("%w: capability %q does not match module:action", ErrValidation, capability)
	}

	decision := s.check(ctx, tenantID, userID, capability)
	s.logger.Info("permission check",
		slog.String("tenant", tenantID),
		slog.String("user", userID),
		slog.String("capability", capability),
		slog.Bool("allowed", decision.Allowed),
		slog.Any("grantedBy", decision.GrantedBy))
	return decision, nil
}

func (s *Service) check(ctx context.Context, tenantID, userID, capability string) Decision {
	if !s.engine.Enforce(tenantID, userID, capability) {
		return Decision{Allowed: false, GrantedBy: []string{}, Reason: "capability not granted"}
	}
	grantedBy := s.resolveProvenance(ctx, tenantID, s.engine.GrantingRoles(tenantID, userID, capability))
	return Decision{Allowed: true, GrantedBy: grantedBy, Reason: "capability granted"}
}

func (s *Service) resolveProvenance(ctx context.Context, tenantID string, roleIDs []string) []string {
	grantedBy := make([]string, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		role, err := s.roles.Get(ctx, tenantID, roleID)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			s.logger.Warn("provenance resolution failed",
				slog.String("tenant", tenantID),
				slog.String("role", roleID),
				slog.Any("error", err))
			continue
		}
		grantedBy = append(grantedBy, provenance(role))
	}
	return grantedBy
}

// CheckPermissions requires every capability to be individually allowed.
// Provenance is aggregated and deduplicated across all of them; the reason
// enumerates any missing capabilities verbatim.
func (s *Service) CheckPermissions(ctx context.Context, tenantID, userID string, capabilities []string) (Decision, error) {
	if err := validateIdentifiers("identifier", tenantID, userID); err != nil {
		return Decision{}, err
	}
	if err := validateCapabilities(capabilities); err != nil {
		return Decision{}, err
	}

	var missing []string
	grantedBy := []string{}
	seen := make(map[string]struct{})
	for _, capability := range capabilities {
		d := s.check(ctx, tenantID, userID, capability)
		if !d.Allowed {
			missing = append(missing, capability)
			continue
		}
		for _, p := range d.GrantedBy {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			grantedBy = append(grantedBy, p)
		}
	}
	if len(missing) > 0 {
		return Decision{
			Allowed:   false,
			GrantedBy: []string{},
			Reason:    fmt.Sprintf("missing capabilities: %s", strings.Join(missing, ", ")),
		}, nil
	}
	return Decision{Allowed: true, GrantedBy: grantedBy, Reason: "all capabilities granted"}, nil
}

// CheckAnyPermission returns the decision of the first capability that is
// allowed, in the order supplied, without evaluating the rest.
func (s *Service) CheckAnyPermission(ctx context.Context, tenantID, userID string, capabilities []string) (Decision, error) {
	if err := validateIdentifiers("identifier", tenantID, userID); err != nil {
		return Decision{}, err
	}
	if err := validateCapabilities(capabilities); err != nil {
		return Decision{}, err
	}

	for _, capability := range capabilities {
		if d := s.check(ctx, tenantID, userID, capability); d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: false, GrantedBy: []string{}, Reason: "capability not granted"}, nil
}

// UserRoles returns the user's live roles from the index.
func (s *Service) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	if err := validateIdentifiers("identifier", tenantID, userID); err != nil {
		return nil, err
	}
	return s.engine.UserRoles(tenantID, userID), nil
}

// UserCapabilities returns the user's effective capabilities, deduplicated
// in first-seen order.
func (s *Service) UserCapabilities(ctx context.Context, tenantID, userID string) ([]string, error) {
	if err := validateIdentifiers("identifier", tenantID, userID); err != nil {
		return nil, err
	}
	return s.engine.UserCapabilities(tenantID, userID), nil
}

// BuildPolicyContext snapshots the user's roles and capabilities from a
// single consistent view of the index.
func (s *Service) BuildPolicyContext(ctx context.Context, tenantID, userID string) (PolicyContext, error) {
	if err := validateIdentifiers("identifier", tenantID, userID); err != nil {
		return PolicyContext{}, err
	}
	return s.engine.Context(tenantID, userID), nil
}

// Resync rebuilds the tenant's index from canonical store state, serialized
// against every other mutation of the same tenant. Used to recover from
// drift or to warm a cold index.
func (s *Service) Resync(ctx context.Context, tenantID string) error {
	if err := validateIdentifiers("tenant id", tenantID); err != nil {
		return err
	}

	return s.withTenantLock(tenantID, func() error {
		return s.resyncLocked(ctx, tenantID)
	})
}

func (s *Service) resyncLocked(ctx context.Context, tenantID string) error {
	roles, err := s.roles.List(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("rbac: resync %s: list roles: %w", tenantID, err)
	}
	assignments, err := s.assignments.ListTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("rbac: resync %s: list assignments: %w", tenantID, err)
	}
	s.engine.Resync(tenantID, roles, assignments)
	s.logger.Info("index resynced",
		slog.String("tenant", tenantID),
		slog.Int("roles", len(roles)),
		slog.Int("assignments", len(assignments)))
	return nil
}

// TenantIDs lists every tenant known to the role store.
func (s *Service) TenantIDs(ctx context.Context) ([]string, error) {
	tenants, err := s.roles.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("rbac: list tenants: %w", err)
	}
	return tenants, nil
}

// ResyncAll rebuilds the index of every tenant known to the role store.
func (s *Service) ResyncAll(ctx context.Context) error {
	tenants, err := s.TenantIDs(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if err := s.Resync(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID); err != nil {
		s.logger.Warn("invalidation publish failed",
			slog.String("tenant", tenantID),
			slog.Any("error", err))
	}
}
