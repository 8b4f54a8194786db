package vault

import (
	"context"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

const maxPortalLogin = 64

// UserInput carries user fields for create and partial update. Nil fields
// are left unchanged; an empty password makes the password unusable.
type UserInput struct {
	PortalLogin  *string `json:"portal_login"`
	Email        *string `json:"email"`
	FullName     *string `json:"full_name"`
	Role         *string `json:"role"`
	DepartmentID *string `json:"department_id"`
	IsActive     *bool   `json:"is_active"`
	Password     *string `json:"password"`
}

func canManageUsers(actor auth.Actor) error {
	switch actor.Class() {
	case auth.ClassSuperuser, auth.ClassHead:
		return nil
	}
	return denied("only superuser or department head can manage users")
}

// Me returns the actor's own profile.
func (s *Vault) Me(ctx context.Context, actor auth.Actor) (User, error) {
	if actor.ID == "" {
		return User{}, auth.ErrUnauthorized
	}
	return s.store.GetUser(ctx, auth.SystemScope(), actor.ID)
}

func (s *Vault) ListUsers(ctx context.Context, actor auth.Actor) ([]User, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := canManageUsers(actor); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx, scope)
}

func (s *Vault) GetUser(ctx context.Context, actor auth.Actor, id string) (User, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return User{}, err
	}
	if err := canManageUsers(actor); err != nil {
		return User{}, err
	}
	return s.store.GetUser(ctx, scope, strings.TrimSpace(id))
}

// CreateUser creates a department user. Heads may only create employees of
// their own department.
func (s *Vault) CreateUser(ctx context.Context, actor auth.Actor, in UserInput) (User, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return User{}, err
	}
	if err := canManageUsers(actor); err != nil {
		return User{}, err
	}

	u := User{
		PortalLogin: trimPtr(in.PortalLogin),
		Email:       strings.ToLower(trimPtr(in.Email)),
		FullName:    trimPtr(in.FullName),
		Role:        auth.RoleEmployee,
		IsActive:    true,
	}
	if err := validateLogin(u.PortalLogin); err != nil {
		return User{}, err
	}
	if err := validateEmail(u.Email); err != nil {
		return User{}, err
	}
	if in.Role != nil {
		role, err := auth.ParseRole(*in.Role)
		if err != nil {
			return User{}, err
		}
		u.Role = role
	}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}
	if dept := trimPtr(in.DepartmentID); dept != "" {
		if _, err := s.activeDepartment(ctx, dept); err != nil {
			return User{}, err
		}
		u.DepartmentID = dept
	}

	if actor.IsSuperuser {
		if u.DepartmentID == "" {
			return User{}, invalid("department_id is required for department users")
		}
	} else {
		if actor.DepartmentID == "" {
			return User{}, invalid("department head must have a department")
		}
		if u.Role != auth.RoleEmployee {
			return User{}, invalid("department head can create only employees")
		}
		if u.DepartmentID != "" && u.DepartmentID != actor.DepartmentID {
			return User{}, invalid("you can assign users only to your department")
		}
		u.DepartmentID = actor.DepartmentID
	}

	hash, err := auth.HashPassword(derefString(in.Password))
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = hash

	rec := record(ctx, actor, audit.ActionCreate, "User", "", map[string]any{"portal_login": u.PortalLogin})
	created, err := s.store.CreateUser(ctx, u, rec)
	if err != nil {
		return User{}, err
	}
	rec.ObjectID = created.ID
	audit.LogEvent(ctx, rec)
	return created, nil
}

// UpdateUser applies a partial update. Heads may only update employees of
// their own department and cannot promote or move them.
func (s *Vault) UpdateUser(ctx context.Context, actor auth.Actor, id string, in UserInput) (User, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return User{}, err
	}
	if err := canManageUsers(actor); err != nil {
		return User{}, err
	}
	current, err := s.store.GetUser(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return User{}, err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindUser, Owner: ptrFacts(current.Facts())}); err != nil {
		return User{}, err
	}

	next := current
	if in.PortalLogin != nil {
		next.PortalLogin = trimPtr(in.PortalLogin)
		if err := validateLogin(next.PortalLogin); err != nil {
			return User{}, err
		}
	}
	if in.Email != nil {
		next.Email = strings.ToLower(trimPtr(in.Email))
		if err := validateEmail(next.Email); err != nil {
			return User{}, err
		}
	}
	if in.FullName != nil {
		next.FullName = trimPtr(in.FullName)
	}
	if in.Role != nil {
		role, err := auth.ParseRole(*in.Role)
		if err != nil {
			return User{}, err
		}
		next.Role = role
	}
	if in.IsActive != nil {
		next.IsActive = *in.IsActive
	}
	if in.DepartmentID != nil {
		dept := trimPtr(in.DepartmentID)
		if dept != "" {
			if _, err := s.activeDepartment(ctx, dept); err != nil {
				return User{}, err
			}
		}
		next.DepartmentID = dept
	}

	if actor.IsSuperuser {
		if !next.IsSuperuser && next.DepartmentID == "" {
			return User{}, invalid("department_id is required for department users")
		}
	} else {
		if next.Role != auth.RoleEmployee {
			return User{}, invalid("department head can create only employees")
		}
		if next.DepartmentID != actor.DepartmentID {
			return User{}, invalid("you can assign users only to your department")
		}
	}

	if in.Password != nil {
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return User{}, err
		}
		next.PasswordHash = hash
	}

	rec := record(ctx, actor, audit.ActionUpdate, "User", current.ID, nil)
	updated, err := s.store.UpdateUser(ctx, next, rec)
	if err != nil {
		return User{}, err
	}
	audit.LogEvent(ctx, rec)
	return updated, nil
}

// DisableUser soft-deletes a user.
func (s *Vault) DisableUser(ctx context.Context, actor auth.Actor, id string) error {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return err
	}
	if err := canManageUsers(actor); err != nil {
		return err
	}
	current, err := s.store.GetUser(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindUser, Owner: ptrFacts(current.Facts())}); err != nil {
		return err
	}
	current.IsActive = false
	rec := record(ctx, actor, audit.ActionDisable, "User", current.ID, nil)
	if _, err := s.store.UpdateUser(ctx, current, rec); err != nil {
		return err
	}
	audit.LogEvent(ctx, rec)
	return nil
}

func validateLogin(login string) error {
	if login == "" {
		return invalid("portal_login is required")
	}
	if len(login) > maxPortalLogin {
		return invalid("portal_login must be at most %d characters", maxPortalLogin)
	}
	return nil
}

func validateEmail(email string) error {
	if email != "" && !strings.Contains(email, "@") {
		return invalid("email is invalid")
	}
	return nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func ptrFacts(f auth.UserFacts) *auth.UserFacts { return &f }
