package vault

import (
	"context"
	"net/url"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

// ServiceInput carries service fields for create and partial update.
type ServiceInput struct {
	Name         *string `json:"name"`
	URL          *string `json:"url"`
	DepartmentID *string `json:"department_id"`
	IsActive     *bool   `json:"is_active"`
}

func (s *Vault) ListServices(ctx context.Context, actor auth.Actor) ([]Service, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.store.ListServices(ctx, scope)
}

func (s *Vault) GetService(ctx context.Context, actor auth.Actor, id string) (Service, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return Service{}, err
	}
	return s.store.GetService(ctx, scope, strings.TrimSpace(id))
}

func canWriteServices(actor auth.Actor) error {
	if actor.IsSuperuser {
		return nil
	}
	if actor.Role != auth.RoleHead {
		return denied("only superuser or department head can change services")
	}
	if actor.DepartmentID == "" {
		return denied("department head must have a department")
	}
	return nil
}

// CreateService registers a service. Heads create services in their own
// department only.
func (s *Vault) CreateService(ctx context.Context, actor auth.Actor, in ServiceInput) (Service, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return Service{}, err
	}
	if err := canWriteServices(actor); err != nil {
		return Service{}, err
	}
	svc := Service{Name: trimPtr(in.Name), URL: trimPtr(in.URL), DepartmentID: trimPtr(in.DepartmentID), IsActive: true}
	if in.IsActive != nil {
		svc.IsActive = *in.IsActive
	}
	if err := validateService(svc); err != nil {
		return Service{}, err
	}
	if !actor.IsSuperuser {
		if svc.DepartmentID != "" && svc.DepartmentID != actor.DepartmentID {
			return Service{}, invalid("you can create services only in your department")
		}
		svc.DepartmentID = actor.DepartmentID
	}
	if svc.DepartmentID != "" {
		if _, err := s.activeDepartment(ctx, svc.DepartmentID); err != nil {
			return Service{}, err
		}
	}
	rec := record(ctx, actor, audit.ActionCreate, "Service", "", nil)
	created, err := s.store.CreateService(ctx, svc, rec)
	if err != nil {
		return Service{}, err
	}
	rec.ObjectID = created.ID
	audit.LogEvent(ctx, rec)
	return created, nil
}

func (s *Vault) UpdateService(ctx context.Context, actor auth.Actor, id string, in ServiceInput) (Service, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return Service{}, err
	}
	current, err := s.store.GetService(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return Service{}, err
	}
	if err := canWriteServices(actor); err != nil {
		return Service{}, err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindService, DepartmentID: current.DepartmentID}); err != nil {
		return Service{}, err
	}
	if in.Name != nil {
		current.Name = trimPtr(in.Name)
	}
	if in.URL != nil {
		current.URL = trimPtr(in.URL)
	}
	if in.IsActive != nil {
		current.IsActive = *in.IsActive
	}
	if in.DepartmentID != nil {
		dept := trimPtr(in.DepartmentID)
		if !actor.IsSuperuser && dept != actor.DepartmentID {
			return Service{}, invalid("you can keep service only in your department")
		}
		if dept != "" {
			if _, err := s.activeDepartment(ctx, dept); err != nil {
				return Service{}, err
			}
		}
		current.DepartmentID = dept
	}
	if err := validateService(current); err != nil {
		return Service{}, err
	}
	rec := record(ctx, actor, audit.ActionUpdate, "Service", current.ID, nil)
	updated, err := s.store.UpdateService(ctx, current, rec)
	if err != nil {
		return Service{}, err
	}
	audit.LogEvent(ctx, rec)
	return updated, nil
}

// DisableService soft-deletes a service.
func (s *Vault) DisableService(ctx context.Context, actor auth.Actor, id string) error {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return err
	}
	current, err := s.store.GetService(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := canWriteServices(actor); err != nil {
		return err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindService, DepartmentID: current.DepartmentID}); err != nil {
		return err
	}
	current.IsActive = false
	rec := record(ctx, actor, audit.ActionDisable, "Service", current.ID, nil)
	if _, err := s.store.UpdateService(ctx, current, rec); err != nil {
		return err
	}
	audit.LogEvent(ctx, rec)
	return nil
}

func validateService(svc Service) error {
	if svc.Name == "" {
		return invalid("name is required")
	}
	if len(svc.Name) > 200 {
		return invalid("name must be at most 200 characters")
	}
	if svc.URL == "" {
		return invalid("url is required")
	}
	u, err := url.Parse(svc.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("url must be an absolute http(s) URL")
	}
	return nil
}
