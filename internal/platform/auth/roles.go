package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role is a closed identifier for the approver and staff roles the platform
// recognizes. Authority checks go through Supersedes/CanActAs rather than
// string comparison at call sites, so the superseding rules live in one place.
type Role string

const (
	RoleRequestingPhysician Role = "requesting_physician"
	RoleAttendingPhysician  Role = "attending_physician"
	RoleImmediateSupervisor Role = "immediate_supervisor"
	RoleDepartmentHead      Role = "department_head"
	RoleMedicalDirector     Role = "medical_director"
	RolePrivacyOfficer      Role = "privacy_officer"
	RoleComplianceOfficer   Role = "compliance_officer"
	RoleSuperAdmin          Role = "super_admin"
)

// KnownRoles lists every role the platform accepts, in no particular order.
var KnownRoles = []Role{
	RoleRequestingPhysician,
	RoleAttendingPhysician,
	RoleImmediateSupervisor,
	RoleDepartmentHead,
	RoleMedicalDirector,
	RolePrivacyOfficer,
	RoleComplianceOfficer,
	RoleSuperAdmin,
}

// supersedes maps a role to the set of roles it may decide on behalf of.
// RoleSuperAdmin is handled separately: it supersedes everything.
var supersedes = map[Role][]Role{
	RoleMedicalDirector:   {RoleDepartmentHead, RoleImmediateSupervisor, RoleAttendingPhysician},
	RoleComplianceOfficer: {RolePrivacyOfficer},
	RoleDepartmentHead:    {RoleImmediateSupervisor},
}

// ParseRole validates a raw role string against the closed role set.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	for _, known := range KnownRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Supersedes reports whether actor may act with the authority of required.
// A role always supersedes itself.
func Supersedes(actor, required Role) bool {
	if actor == required || actor == RoleSuperAdmin {
		return true
	}
	for _, covered := range supersedes[actor] {
		if covered == required {
			return true
		}
	}
	return false
}

// CanActAs reports whether any of the caller's roles carries the authority of
// required. Unknown role strings are ignored rather than rejected so that
// tokens minted by an identity provider with extra roles still work.
func CanActAs(roles []string, required Role) bool {
	for _, raw := range roles {
		if Supersedes(Role(raw), required) {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles, honoring the superseding-authority table.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				if CanActAs(userRoles, required) {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}
