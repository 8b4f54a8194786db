package auth

import (
	"fmt"
	"strings"
)

// Role is the canonical department role of a user.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleHead     Role = "head"

	// legacyHeadAlias is still present in older rows and client payloads.
	legacyHeadAlias = "admin"
)

// ParseRole normalises an inbound role value; "admin" is accepted as head.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleHead), legacyHeadAlias:
		return RoleHead, nil
	case string(RoleEmployee):
		return RoleEmployee, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// NormalizeRole maps a stored role to the canonical enum. Unknown values degrade to employee.
func NormalizeRole(raw string) Role {
	role, err := ParseRole(raw)
	if err != nil {
		return RoleEmployee
	}
	return role
}

// ParseRoles parses a list of roles, skipping blanks and duplicates.
func ParseRoles(raw []string) ([]Role, error) {
	seen := make(map[Role]struct{}, len(raw))
	out := make([]Role, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		role, err := ParseRole(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out, nil
}
