package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ShareLookup resolves the departments a user can see through active shares.
type ShareLookup interface {
	SharedDepartmentIDs(ctx context.Context, userID string, now time.Time) ([]string, error)
}

// ShareProposal is a requested department share before server-side defaults.
type ShareProposal struct {
	DepartmentID string
	GrantorID    string
	GranteeID    string
	ExpiresAt    time.Time
}

// PrepareShare applies the server-side defaults for a new share and checks the
// actor may issue it: superusers must name the department and default to being
// the grantor; heads always share their own department as grantor.
func PrepareShare(actor Actor, p ShareProposal, now time.Time) (ShareProposal, error) {
	p.DepartmentID = strings.TrimSpace(p.DepartmentID)
	p.GrantorID = strings.TrimSpace(p.GrantorID)
	p.GranteeID = strings.TrimSpace(p.GranteeID)

	if p.GranteeID == "" {
		return p, fmt.Errorf("%w: grantee_id is required", ErrInvalidInput)
	}
	if p.ExpiresAt.IsZero() {
		return p, fmt.Errorf("%w: expires_at is required", ErrInvalidInput)
	}
	if !p.ExpiresAt.After(now) {
		return p, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	switch actor.Class() {
	case ClassSuperuser:
		if p.DepartmentID == "" {
			return p, fmt.Errorf("%w: department_id is required", ErrInvalidInput)
		}
		if p.GrantorID == "" {
			p.GrantorID = actor.ID
		}
	case ClassHead:
		if actor.DepartmentID == "" {
			return p, fmt.Errorf("%w: department head must have a department", ErrInvalidInput)
		}
		if p.DepartmentID != "" && p.DepartmentID != actor.DepartmentID {
			return p, fmt.Errorf("%w: you can share only your own department", ErrInvalidInput)
		}
		p.DepartmentID = actor.DepartmentID
		p.GrantorID = actor.ID
	default:
		return p, denied("only department head or superuser can manage shares")
	}
	return p, nil
}

// ValidateShareParties checks the grantor and grantee of a share for department
// deptID.
func ValidateShareParties(deptID string, grantor, grantee UserFacts) error {
	if !grantor.IsSuperuser && grantor.Role != RoleHead {
		return fmt.Errorf("%w: grantor must be a department head", ErrInvalidInput)
	}
	if !grantee.IsSuperuser && grantee.Role != RoleHead {
		return fmt.Errorf("%w: grantee must be a department head", ErrInvalidInput)
	}
	if grantor.ID == grantee.ID {
		return fmt.Errorf("%w: grantor and grantee must be different users", ErrInvalidInput)
	}
	if !grantor.IsSuperuser && grantor.DepartmentID != deptID {
		return fmt.Errorf("%w: grantor must belong to selected department", ErrInvalidInput)
	}
	return nil
}

// CanManageShare reports whether actor may modify an existing share of deptID.
func CanManageShare(actor Actor, deptID string) error {
	switch actor.Class() {
	case ClassSuperuser:
		return nil
	case ClassHead:
		if actor.DepartmentID == "" {
			return fmt.Errorf("%w: department head must have a department", ErrInvalidInput)
		}
		if actor.DepartmentID != deptID {
			return denied("you can modify only your own department shares")
		}
		return nil
	default:
		return denied("only department head or superuser can manage shares")
	}
}
