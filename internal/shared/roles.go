package shared

import "strings"

// Role is the workflow role resolved for a user by the identity directory.
type Role string

const (
	RoleSubmitter Role = "submitter"
	RoleBuyer     Role = "buyer"
	RoleManager   Role = "manager"
	RoleAdmin     Role = "admin"
)

// ParseRole normalises a stored role name.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSubmitter:
		return RoleSubmitter, true
	case RoleBuyer:
		return RoleBuyer, true
	case RoleManager:
		return RoleManager, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Privileged reports whether the role may approve, reject and complete buy plans.
func (r Role) Privileged() bool {
	return r == RoleManager || r == RoleAdmin
}

// In reports whether r is one of roles.
func (r Role) In(roles ...Role) bool {
	for _, candidate := range roles {
		if r == candidate {
			return true
		}
	}
	return false
}
