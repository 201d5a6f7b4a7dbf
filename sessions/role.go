package sessions

import (
	"fmt"
	"slices"
	"strings"
)

// Role is a coarse principal role.
type Role string

const (
	RoleUser      Role = "USER"
	RolePowerUser Role = "POWER_USER"
	RoleAdmin     Role = "ADMIN"
)

// ValidRoles lists all roles from least to most privileged.
var ValidRoles = []Role{RoleUser, RolePowerUser, RoleAdmin}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return slices.Contains(ValidRoles, r)
}

// Rank orders roles by privilege. Unknown roles rank below USER.
func (r Role) Rank() int {
	return slices.Index(ValidRoles, r)
}

// Permission is a coarse capability granted to roles and sessions.
type Permission string

const (
	PermRead    Permission = "READ"
	PermWrite   Permission = "WRITE"
	PermExecute Permission = "EXECUTE"
	PermAdmin   Permission = "ADMIN"
)

// ValidPermissions lists all permissions.
var ValidPermissions = []Permission{PermRead, PermWrite, PermExecute, PermAdmin}

// ParsePermission parses a permission name case-insensitively.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(ValidPermissions, p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	return p, nil
}

var rolePermissions = map[Role][]Permission{
	RoleUser:      {PermRead, PermExecute},
	RolePowerUser: {PermRead, PermWrite, PermExecute},
	RoleAdmin:     {PermRead, PermWrite, PermExecute, PermAdmin},
}

// RolePermissions returns a copy of the static permission set of r. Unknown
// roles have no permissions.
func RolePermissions(r Role) []Permission {
	return slices.Clone(rolePermissions[r])
}
