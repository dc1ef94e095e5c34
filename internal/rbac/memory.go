package rbac

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements both storage ports in process memory. It is the
// default backend for development and tests and the reference for the
// contracts the Postgres adapters must match.
type MemoryStore struct {
	mu sync.RWMutex

	roles     map[string]map[string]Role // tenantID -> roleID -> role
	roleOrder map[string][]string        // tenantID -> roleIDs in insertion order
	edges     map[string][]Assignment    // tenantID -> edges in assignment order
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:     make(map[string]map[string]Role),
		roleOrder: make(map[string][]string),
		edges:     make(map[string][]Assignment),
	}
}

func (s *MemoryStore) Create(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.roles[role.TenantID]
	if !ok {
		tenant = make(map[string]Role)
		s.roles[role.TenantID] = tenant
	}
	if _, exists := tenant[role.ID]; exists {
		return Role{}, ErrRoleExists
	}
	tenant[role.ID] = cloneRole(role)
	s.roleOrder[role.TenantID] = append(s.roleOrder[role.TenantID], role.ID)
	return role, nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, roleID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[tenantID][roleID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return cloneRole(role), nil
}

func (s *MemoryStore) Update(ctx context.Context, tenantID, roleID string, update RoleUpdate) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[tenantID][roleID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	if update.Name != nil {
		role.Name = *update.Name
	}
	if update.Description != nil {
		role.Description = *update.Description
	}
	if update.Capabilities != nil {
		role.Capabilities = append([]string(nil), update.Capabilities...)
	}
	if update.Metadata != nil {
		role.Metadata = cloneMetadata(update.Metadata)
	}
	role.UpdatedAt = time.Now().UTC()
	s.roles[tenantID][roleID] = role
	return cloneRole(role), nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[tenantID][roleID]; !ok {
		return nil
	}
	delete(s.roles[tenantID], roleID)
	order := s.roleOrder[tenantID]
	for i, id := range order {
		if id == roleID {
			s.roleOrder[tenantID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.roleOrder[tenantID]
	roles := make([]Role, 0, len(order))
	for _, id := range order {
		roles = append(roles, cloneRole(s.roles[tenantID][id]))
	}
	return roles, nil
}

func (s *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]string, 0, len(s.roles))
	for t, rs := range s.roles {
		if len(rs) > 0 {
			tenants = append(tenants, t)
		}
	}
	return tenants, nil
}

func (s *MemoryStore) Assign(ctx context.Context, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, edge := range s.edges[a.TenantID] {
		if edge.UserID == a.UserID && edge.RoleID == a.RoleID {
			// Idempotent upsert: refresh the timestamp, keep position.
			edge.AssignedAt = a.AssignedAt
			edge.AssignedBy = a.AssignedBy
			s.edges[a.TenantID][i] = edge
			return nil
		}
	}
	s.edges[a.TenantID] = append(s.edges[a.TenantID], a)
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, tenantID, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edges := s.edges[tenantID]
	for i, edge := range edges {
		if edge.UserID == userID && edge.RoleID == roleID {
			s.edges[tenantID] = append(edges[:i], edges[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roles []string
	for _, edge := range s.edges[tenantID] {
		if edge.UserID == userID {
			roles = append(roles, edge.RoleID)
		}
	}
	return roles, nil
}

func (s *MemoryStore) RoleUsers(ctx context.Context, tenantID, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []string
	for _, edge := range s.edges[tenantID] {
		if edge.RoleID == roleID {
			users = append(users, edge.UserID)
		}
	}
	return users, nil
}

func (s *MemoryStore) ListTenant(ctx context.Context, tenantID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Assignment(nil), s.edges[tenantID]...), nil
}

func cloneRole(r Role) Role {
	r.Capabilities = append([]string(nil), r.Capabilities...)
	r.Metadata = cloneMetadata(r.Metadata)
	return r
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
