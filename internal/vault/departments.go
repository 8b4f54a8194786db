package vault

import (
	"context"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

// DepartmentInput carries department fields for create and partial update.
type DepartmentInput struct {
	Name      *string `json:"name"`
	SortOrder *int    `json:"sort_order"`
	IsActive  *bool   `json:"is_active"`
}

func (s *Vault) ListDepartments(ctx context.Context, actor auth.Actor) ([]Department, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.store.ListDepartments(ctx, scope)
}

func (s *Vault) GetDepartment(ctx context.Context, actor auth.Actor, id string) (Department, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return Department{}, err
	}
	return s.store.GetDepartment(ctx, scope, strings.TrimSpace(id))
}

func (s *Vault) CreateDepartment(ctx context.Context, actor auth.Actor, in DepartmentInput) (Department, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return Department{}, err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindDepartment}); err != nil {
		return Department{}, err
	}
	d := Department{Name: trimPtr(in.Name), IsActive: true}
	if d.Name == "" {
		return Department{}, invalid("name is required")
	}
	if in.SortOrder != nil {
		d.SortOrder = *in.SortOrder
	}
	if in.IsActive != nil {
		d.IsActive = *in.IsActive
	}
	rec := record(ctx, actor, audit.ActionCreate, "Department", "", nil)
	created, err := s.store.CreateDepartment(ctx, d, rec)
	if err != nil {
		return Department{}, err
	}
	rec.ObjectID = created.ID
	audit.LogEvent(ctx, rec)
	return created, nil
}

func (s *Vault) UpdateDepartment(ctx context.Context, actor auth.Actor, id string, in DepartmentInput) (Department, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return Department{}, err
	}
	current, err := s.store.GetDepartment(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return Department{}, err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindDepartment, DepartmentID: current.ID}); err != nil {
		return Department{}, err
	}
	if in.Name != nil {
		current.Name = trimPtr(in.Name)
		if current.Name == "" {
			return Department{}, invalid("name is required")
		}
	}
	if in.SortOrder != nil {
		current.SortOrder = *in.SortOrder
	}
	if in.IsActive != nil {
		current.IsActive = *in.IsActive
	}
	rec := record(ctx, actor, audit.ActionUpdate, "Department", current.ID, nil)
	updated, err := s.store.UpdateDepartment(ctx, current, rec)
	if err != nil {
		return Department{}, err
	}
	audit.LogEvent(ctx, rec)
	return updated, nil
}

// DisableDepartment soft-deletes a department.
func (s *Vault) DisableDepartment(ctx context.Context, actor auth.Actor, id string) error {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return err
	}
	current, err := s.store.GetDepartment(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindDepartment, DepartmentID: current.ID}); err != nil {
		return err
	}
	current.IsActive = false
	rec := record(ctx, actor, audit.ActionDisable, "Department", current.ID, nil)
	if _, err := s.store.UpdateDepartment(ctx, current, rec); err != nil {
		return err
	}
	audit.LogEvent(ctx, rec)
	return nil
}
