package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Sentinel errors for the authorization core.
var (
	// ErrValidation indicates a malformed identifier or capability. No state
	// is mutated when it is returned.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrRoleExists indicates a duplicate (tenant, role) create.
	ErrRoleExists = errors.New("rbac: role already exists")
	// ErrRoleNotFound indicates an update, delete or assign against a role
	// that does not exist in the tenant.
	ErrRoleNotFound = errors.New("rbac: role not found")
	// ErrPartialProvisioning indicates a role record was written but its
	// capability grants could not be fully propagated. The role must not be
	// reported as complete.
	ErrPartialProvisioning = errors.New("rbac: partial role provisioning")
)

// capabilityPattern matches capability tokens of the form module:action.
var capabilityPattern = regexp.MustCompile(`^[a-z0-9-]+:[a-z0-9-]+$`)

const (
	maxIdentifierLen  = 255
	maxNameLen        = 255
	maxDescriptionLen = 1000
)

// Role is a named, tenant-scoped bundle of capabilities.
type Role struct {
	ID           string
	TenantID     string
	Name         string
	Description  string
	Capabilities []string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RoleUpdate carries the mutable fields of a role. Nil pointers and nil
// slices mean "keep the current value"; a non-nil empty capability slice
// clears all grants.
type RoleUpdate struct {
	Name         *string
	Description  *string
	Capabilities []string
	Metadata     map[string]string
}

// Assignment links a user to a role within a tenant. The triple
// (TenantID, UserID, RoleID) is the uniqueness key.
type Assignment struct {
	TenantID   string
	UserID     string
	RoleID     string
	AssignedAt time.Time
	AssignedBy string
}

// Decision is the outcome of a capability check, including the roles that
// granted access for audit purposes.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	GrantedBy []string `json:"grantedBy"`
	Reason    string   `json:"reason"`
}

// PolicyContext is a consistent snapshot of a user's roles and effective
// capabilities within one tenant.
type PolicyContext struct {
	TenantID     string   `json:"tenantId"`
	UserID       string   `json:"userId"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

// ValidCapability reports whether s is a well-formed module:action token.
func ValidCapability(s string) bool {
	return capabilityPattern.MatchString(s)
}

func validIdentifier(s string) bool {
	return s != "" && len(s) <= maxIdentifierLen
}

func validateIdentifiers(kind string, ids ...string) error {
	for _, id := range ids {
		if !validIdentifier(id) {
			return fmt.Errorf("%w: %s must be a non-empty string of at most %d characters", ErrValidation, kind, maxIdentifierLen)
		}
	}
	return nil
}

func validateCapabilities(caps []string) error {
	for _, c := range caps {
		if !ValidCapability(c) {
			return fmt.Errorf("%w: capability %q does not match module:action", ErrValidation, c)
		}
	}
	return nil
}

func provenance(r Role) string {
	return fmt.Sprintf("role:%s (%s)", r.Name, r.ID)
}
