package rbac

import "sync"

// capabilitySet is a set of capability tokens that remembers insertion order
// so unions resolve deterministically.
type capabilitySet struct {
	order []string
	index map[string]struct{}
}

func newCapabilitySet() *capabilitySet {
	return &capabilitySet{index: make(map[string]struct{})}
}

func (s *capabilitySet) add(cap string) {
	if _, ok := s.index[cap]; ok {
		return
	}
	s.index[cap] = struct{}{}
	s.order = append(s.order, cap)
}

func (s *capabilitySet) remove(cap string) {
	if _, ok := s.index[cap]; !ok {
		return
	}
	delete(s.index, cap)
	for i, c := range s.order {
		if c == cap {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *capabilitySet) has(cap string) bool {
	_, ok := s.index[cap]
	return ok
}

// tenantIndex holds the derived evaluation state of one tenant. All access
// goes through its lock; tenants never share state, so operations on
// distinct tenants never contend.
type tenantIndex struct {
	mu sync.RWMutex

	// roles is the set of roles currently known to exist in the tenant.
	// Membership edges pointing at unknown roles are dangling and are
	// excluded from resolution.
	roles map[string]struct{}
	// grants maps roleID to its granted capabilities.
	grants map[string]*capabilitySet
	// members maps userID to its roles in assignment order.
	members map[string][]string
}

func newTenantIndex() *tenantIndex {
	return &tenantIndex{
		roles:   make(map[string]struct{}),
		grants:  make(map[string]*capabilitySet),
		members: make(map[string][]string),
	}
}

// Engine answers all authorization queries from a derived in-memory index of
// grants and memberships. The index is never authoritative: it mirrors the
// canonical role and assignment stores and can be rebuilt per tenant with
// Resync.
type Engine struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{tenants: make(map[string]*tenantIndex)}
}

// tenant returns the tenant's index shard, creating it on first use. Only
// additive mutations and Resync call it; queries and removals go through
// peek so probing an unknown tenant never grows the map.
func (e *Engine) tenant(tenantID string) *tenantIndex {
	e.mu.RLock()
	idx, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if ok {
		return idx
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok = e.tenants[tenantID]; ok {
		return idx
	}
	idx = newTenantIndex()
	e.tenants[tenantID] = idx
	return idx
}

// peek returns the tenant's shard without creating one.
func (e *Engine) peek(tenantID string) *tenantIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tenants[tenantID]
}

// AddRolePolicy records that the role grants the capability. Idempotent.
func (e *Engine) AddRolePolicy(tenantID, roleID, capability string) {
	idx := e.tenant(tenantID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.roles[roleID] = struct{}{}
	set, ok := idx.grants[roleID]
	if !ok {
		set = newCapabilitySet()
		idx.grants[roleID] = set
	}
	set.add(capability)
}

// RemoveRolePolicy removes a single grant edge. Idempotent.
func (e *Engine) RemoveRolePolicy(tenantID, roleID, capability string) {
	idx := e.peek(tenantID)
	if idx == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if set, ok := idx.grants[roleID]; ok {
		set.remove(capability)
	}
}

// ClearRolePolicies removes every grant edge of the role but keeps the role
// known, used before replacing a capability set.
func (e *Engine) ClearRolePolicies(tenantID, roleID string) {
	idx := e.peek(tenantID)
	if idx == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.grants, roleID)
}

// SetRolePolicies atomically replaces the role's grant set. Readers observe
// either the previous or the new set in full, never the cleared intermediate
// state.
func (e *Engine) SetRolePolicies(tenantID, roleID string, capabilities []string) {
	idx := e.tenant(tenantID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.roles[roleID] = struct{}{}
	set := newCapabilitySet()
	for _, c := range capabilities {
		set.add(c)
	}
	idx.grants[roleID] = set
}

// DropRole removes the role from the known set together with all of its
// grants. Membership edges pointing at it stay in place and become dangling;
// every query path filters them out.
func (e *Engine) DropRole(tenantID, roleID string) {
	idx := e.peek(tenantID)
	if idx == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.roles, roleID)
	delete(idx.grants, roleID)
}

// AddUserRole records a membership edge. Idempotent; re-adding keeps the
// original position in the user's role order.
func (e *Engine) AddUserRole(tenantID, userID, roleID string) {
	idx := e.tenant(tenantID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, r := range idx.members[userID] {
		if r == roleID {
			return
		}
	}
	idx.members[userID] = append(idx.members[userID], roleID)
}

// RemoveUserRole removes a membership edge. Idempotent.
func (e *Engine) RemoveUserRole(tenantID, userID, roleID string) {
	idx := e.peek(tenantID)
	if idx == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	roles := idx.members[userID]
	for i, r := range roles {
		if r == roleID {
			idx.members[userID] = append(roles[:i], roles[i+1:]...)
			return
		}
	}
}

// Resync atomically replaces the tenant's entire index with the supplied
// canonical state. Concurrent readers of the tenant observe either the old
// or the new index, never a partial rebuild.
func (e *Engine) Resync(tenantID string, roles []Role, assignments []Assignment) {
	idx := e.tenant(tenantID)

	known := make(map[string]struct{}, len(roles))
	grants := make(map[string]*capabilitySet, len(roles))
	for _, r := range roles {
		known[r.ID] = struct{}{}
		set := newCapabilitySet()
		for _, c := range r.Capabilities {
			set.add(c)
		}
		grants[r.ID] = set
	}

	members := make(map[string][]string)
	for _, a := range assignments {
		dup := false
		for _, r := range members[a.UserID] {
			if r == a.RoleID {
				dup = true
				break
			}
		}
		if !dup {
			members[a.UserID] = append(members[a.UserID], a.RoleID)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.roles = known
	idx.grants = grants
	idx.members = members
}

// Enforce reports whether the user holds, within the tenant, at least one
// role that grants the capability. Membership and grant must both be
// recorded in the same tenant; colliding identifiers in other tenants never
// satisfy the check.
func (e *Engine) Enforce(tenantID, userID, capability string) bool {
	idx := e.peek(tenantID)
	if idx == nil {
		return false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, roleID := range idx.members[userID] {
		if _, ok := idx.roles[roleID]; !ok {
			continue
		}
		if set, ok := idx.grants[roleID]; ok && set.has(capability) {
			return true
		}
	}
	return false
}

// GrantingRoles returns every role that simultaneously holds the user and
// grants the capability, in membership insertion order.
func (e *Engine) GrantingRoles(tenantID, userID, capability string) []string {
	idx := e.peek(tenantID)
	if idx == nil {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var granted []string
	for _, roleID := range idx.members[userID] {
		if _, ok := idx.roles[roleID]; !ok {
			continue
		}
		if set, ok := idx.grants[roleID]; ok && set.has(capability) {
			granted = append(granted, roleID)
		}
	}
	return granted
}

// UserRoles returns the user's live roles in the tenant, excluding dangling
// membership edges.
func (e *Engine) UserRoles(tenantID, userID string) []string {
	idx := e.peek(tenantID)
	if idx == nil {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveRoles(userID)
}

// UserCapabilities returns the union of capabilities granted by the user's
// roles, deduplicated and in first-seen order.
func (e *Engine) UserCapabilities(tenantID, userID string) []string {
	idx := e.peek(tenantID)
	if idx == nil {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.effectiveCapabilities(userID)
}

// Context returns the user's roles and effective capabilities from a single
// consistent view of the index.
func (e *Engine) Context(tenantID, userID string) PolicyContext {
	idx := e.peek(tenantID)
	if idx == nil {
		return PolicyContext{TenantID: tenantID, UserID: userID}
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return PolicyContext{
		TenantID:     tenantID,
		UserID:       userID,
		Roles:        idx.liveRoles(userID),
		Capabilities: idx.effectiveCapabilities(userID),
	}
}

// liveRoles must be called with at least a read lock held.
func (idx *tenantIndex) liveRoles(userID string) []string {
	var roles []string
	for _, roleID := range idx.members[userID] {
		if _, ok := idx.roles[roleID]; ok {
			roles = append(roles, roleID)
		}
	}
	return roles
}

// effectiveCapabilities must be called with at least a read lock held.
func (idx *tenantIndex) effectiveCapabilities(userID string) []string {
	var caps []string
	seen := make(map[string]struct{})
	for _, roleID := range idx.members[userID] {
		if _, ok := idx.roles[roleID]; !ok {
			continue
		}
		set, ok := idx.grants[roleID]
		if !ok {
			continue
		}
		for _, c := range set.order {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			caps = append(caps, c)
		}
	}
	return caps
}
