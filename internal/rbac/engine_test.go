package rbac

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceTenantIsolation(t *testing.T) {
	e := NewEngine()
	e.AddRolePolicy("t1", "cashier", "pos:create-sale")
	e.AddUserRole("t1", "u1", "cashier")

	// Identical identifiers in another tenant must stay independent.
	e.AddRolePolicy("t2", "cashier", "pos:refund-sale")
	e.AddUserRole("t2", "u1", "cashier")

	assert.True(t, e.Enforce("t1", "u1", "pos:create-sale"))
	assert.False(t, e.Enforce("t2", "u1", "pos:create-sale"))
	assert.True(t, e.Enforce("t2", "u1", "pos:refund-sale"))
	assert.False(t, e.Enforce("t1", "u1", "pos:refund-sale"))
}

func TestEnforceRequiresMembershipAndGrant(t *testing.T) {
	e := NewEngine()
	e.AddRolePolicy("t1", "cashier", "pos:create-sale")
	assert.False(t, e.Enforce("t1", "u1", "pos:create-sale"), "grant without membership")

	e.AddUserRole("t1", "u2", "manager")
	assert.False(t, e.Enforce("t1", "u2", "pos:create-sale"), "membership without grant")

	e.AddUserRole("t1", "u1", "cashier")
	assert.True(t, e.Enforce("t1", "u1", "pos:create-sale"))
}

func TestEnforceFlipsWhenEdgeRemoved(t *testing.T) {
	e := NewEngine()
	e.AddRolePolicy("t1", "cashier", "pos:create-sale")
	e.AddUserRole("t1", "u1", "cashier")
	require.True(t, e.Enforce("t1", "u1", "pos:create-sale"))

	e.RemoveRolePolicy("t1", "cashier", "pos:create-sale")
	assert.False(t, e.Enforce("t1", "u1", "pos:create-sale"))

	e.AddRolePolicy("t1", "cashier", "pos:create-sale")
	require.True(t, e.Enforce("t1", "u1", "pos:create-sale"))
	e.RemoveUserRole("t1", "u1", "cashier")
	assert.False(t, e.Enforce("t1", "u1", "pos:create-sale"))
}

func TestUserCapabilitiesUnion(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "r1", []string{"pos:create-sale"})
	e.SetRolePolicies("t1", "r2", []string{"pos:create-sale", "pos:refund-sale"})
	e.AddUserRole("t1", "u1", "r1")
	e.AddUserRole("t1", "u1", "r2")

	caps := e.UserCapabilities("t1", "u1")
	assert.Equal(t, []string{"pos:create-sale", "pos:refund-sale"}, caps)
}

func TestGrantingRolesFollowsMembershipOrder(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "r1", []string{"pos:create-sale"})
	e.SetRolePolicies("t1", "r2", []string{"pos:create-sale"})
	e.SetRolePolicies("t1", "r3", []string{"pos:refund-sale"})
	e.AddUserRole("t1", "u1", "r2")
	e.AddUserRole("t1", "u1", "r3")
	e.AddUserRole("t1", "u1", "r1")

	assert.Equal(t, []string{"r2", "r1"}, e.GrantingRoles("t1", "u1", "pos:create-sale"))

	// Re-adding keeps the original position.
	e.AddUserRole("t1", "u1", "r2")
	assert.Equal(t, []string{"r2", "r1"}, e.GrantingRoles("t1", "u1", "pos:create-sale"))
}

func TestDropRoleExcludesDanglingMemberships(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "r1", []string{"pos:create-sale"})
	e.AddUserRole("t1", "u1", "r1")
	require.Equal(t, []string{"r1"}, e.UserRoles("t1", "u1"))

	e.DropRole("t1", "r1")
	assert.Empty(t, e.UserRoles("t1", "u1"))
	assert.Empty(t, e.UserCapabilities("t1", "u1"))
	assert.False(t, e.Enforce("t1", "u1", "pos:create-sale"))
}

func TestClearRolePoliciesKeepsRoleKnown(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "r1", []string{"pos:create-sale"})
	e.AddUserRole("t1", "u1", "r1")

	e.ClearRolePolicies("t1", "r1")
	assert.False(t, e.Enforce("t1", "u1", "pos:create-sale"))
	// The membership is not dangling; the role still exists with no grants.
	assert.Equal(t, []string{"r1"}, e.UserRoles("t1", "u1"))
}

func TestResyncReplacesIndexState(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "stale", []string{"pos:void-sale"})
	e.AddUserRole("t1", "u1", "stale")

	roles := []Role{
		{ID: "r1", TenantID: "t1", Capabilities: []string{"pos:create-sale"}},
	}
	assignments := []Assignment{
		{TenantID: "t1", UserID: "u1", RoleID: "r1", AssignedAt: time.Now()},
		{TenantID: "t1", UserID: "u1", RoleID: "ghost", AssignedAt: time.Now()},
	}
	e.Resync("t1", roles, assignments)

	assert.False(t, e.Enforce("t1", "u1", "pos:void-sale"))
	assert.True(t, e.Enforce("t1", "u1", "pos:create-sale"))
	// The edge to a role missing from canonical state stays dangling.
	assert.Equal(t, []string{"r1"}, e.UserRoles("t1", "u1"))
}

func TestContextIsConsistentSnapshot(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "r1", []string{"pos:create-sale", "pos:refund-sale"})
	e.AddUserRole("t1", "u1", "r1")

	pc := e.Context("t1", "u1")
	assert.Equal(t, "t1", pc.TenantID)
	assert.Equal(t, "u1", pc.UserID)
	assert.Equal(t, []string{"r1"}, pc.Roles)
	assert.Equal(t, []string{"pos:create-sale", "pos:refund-sale"}, pc.Capabilities)
}

// TestSetRolePoliciesAtomicVisibility hammers capability replacement while a
// reader checks that exactly one of the two alternating grant sets is always
// visible. A reader observing neither would have caught the cleared
// intermediate state.
func TestSetRolePoliciesAtomicVisibility(t *testing.T) {
	e := NewEngine()
	e.SetRolePolicies("t1", "r1", []string{"pos:create-sale"})
	e.AddUserRole("t1", "u1", "r1")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sets := [][]string{{"pos:create-sale"}, {"pos:void-sale"}}
		for i := 0; i < 2000; i++ {
			e.SetRolePolicies("t1", "r1", sets[i%2])
		}
		close(done)
	}()

	var violations int
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			// Each read is a single snapshot, so one of the two sets
			// must always be visible in full.
			caps := e.UserCapabilities("t1", "u1")
			if len(caps) == 0 {
				violations++
			}
		}
	}()

	wg.Wait()
	assert.Zero(t, violations, "observed cleared intermediate grant state")
}

func TestQueriesDoNotCreateTenantState(t *testing.T) {
	e := NewEngine()

	assert.False(t, e.Enforce("ghost", "u1", "pos:create-sale"))
	assert.Empty(t, e.GrantingRoles("ghost", "u1", "pos:create-sale"))
	assert.Empty(t, e.UserRoles("ghost", "u1"))
	assert.Empty(t, e.UserCapabilities("ghost", "u1"))
	pc := e.Context("ghost", "u1")
	assert.Equal(t, "ghost", pc.TenantID)
	assert.Empty(t, pc.Roles)

	// Removals of never-seen state are no-ops too.
	e.RemoveRolePolicy("ghost", "r1", "pos:create-sale")
	e.ClearRolePolicies("ghost", "r1")
	e.DropRole("ghost", "r1")
	e.RemoveUserRole("ghost", "u1", "r1")

	assert.Empty(t, e.tenants, "probing unknown tenants must not allocate index shards")
}

func TestEngineIdempotentPrimitives(t *testing.T) {
	e := NewEngine()
	e.AddRolePolicy("t1", "r1", "pos:create-sale")
	e.AddRolePolicy("t1", "r1", "pos:create-sale")
	e.AddUserRole("t1", "u1", "r1")
	e.AddUserRole("t1", "u1", "r1")

	assert.Equal(t, []string{"pos:create-sale"}, e.UserCapabilities("t1", "u1"))
	assert.Equal(t, []string{"r1"}, e.UserRoles("t1", "u1"))

	e.RemoveUserRole("t1", "u1", "r1")
	e.RemoveUserRole("t1", "u1", "r1")
	e.RemoveRolePolicy("t1", "r1", "pos:create-sale")
	e.RemoveRolePolicy("t1", "r1", "pos:create-sale")
	assert.Empty(t, e.UserRoles("t1", "u1"))
}
