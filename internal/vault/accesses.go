package vault

import (
	"context"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

// AccessInput carries service access fields for create and partial update.
type AccessInput struct {
	UserID    *string `json:"user_id"`
	ServiceID *string `json:"service_id"`
	IsActive  *bool   `json:"is_active"`
}

// canWriteOwned is the coarse gate for writes on user-owned rows.
func canWriteOwned(actor auth.Actor, what string) error {
	if actor.IsSuperuser {
		return nil
	}
	if actor.Role != auth.RoleHead {
		return denied("only superuser or department head can modify %s", what)
	}
	if actor.DepartmentID == "" {
		return denied("department head must have a department")
	}
	return nil
}

func (s *Vault) ListAccesses(ctx context.Context, actor auth.Actor) ([]ServiceAccess, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.store.ListAccesses(ctx, scope)
}

// GetAccess returns one access and records the view.
func (s *Vault) GetAccess(ctx context.Context, actor auth.Actor, id string) (ServiceAccess, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return ServiceAccess{}, err
	}
	a, err := s.store.GetAccess(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return ServiceAccess{}, err
	}
	s.viewed(ctx, actor, "ServiceAccess", a.ID, nil)
	return a, nil
}

func (s *Vault) CreateAccess(ctx context.Context, actor auth.Actor, in AccessInput) (ServiceAccess, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return ServiceAccess{}, err
	}
	if err := canWriteOwned(actor, "access rules"); err != nil {
		return ServiceAccess{}, err
	}
	if trimPtr(in.UserID) == "" || trimPtr(in.ServiceID) == "" {
		return ServiceAccess{}, invalid("user_id and service_id are required")
	}
	owner, err := s.activeUser(ctx, trimPtr(in.UserID), "user_id")
	if err != nil {
		return ServiceAccess{}, err
	}
	svc, err := s.activeService(ctx, trimPtr(in.ServiceID), "service_id")
	if err != nil {
		return ServiceAccess{}, err
	}
	if err := assignable(actor, owner, "access"); err != nil {
		return ServiceAccess{}, err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindServiceAccess, Owner: ptrFacts(owner.Facts())}); err != nil {
		return ServiceAccess{}, err
	}
	a := ServiceAccess{UserID: owner.ID, ServiceID: svc.ID, IsActive: true}
	if in.IsActive != nil {
		a.IsActive = *in.IsActive
	}
	rec := record(ctx, actor, audit.ActionCreate, "ServiceAccess", "", nil)
	created, err := s.store.CreateAccess(ctx, a, rec)
	if err != nil {
		return ServiceAccess{}, err
	}
	rec.ObjectID = created.ID
	audit.LogEvent(ctx, rec)
	return created, nil
}

func (s *Vault) UpdateAccess(ctx context.Context, actor auth.Actor, id string, in AccessInput) (ServiceAccess, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return ServiceAccess{}, err
	}
	current, err := s.store.GetAccess(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return ServiceAccess{}, err
	}
	if err := canWriteOwned(actor, "access rules"); err != nil {
		return ServiceAccess{}, err
	}
	if err := s.authorizeOwner(ctx, actor, auth.KindServiceAccess, current.UserID); err != nil {
		return ServiceAccess{}, err
	}
	if in.UserID != nil && trimPtr(in.UserID) != current.UserID {
		owner, err := s.activeUser(ctx, trimPtr(in.UserID), "user_id")
		if err != nil {
			return ServiceAccess{}, err
		}
		if err := assignable(actor, owner, "access"); err != nil {
			return ServiceAccess{}, err
		}
		if err := auth.Authorize(actor, auth.Target{Kind: auth.KindServiceAccess, Owner: ptrFacts(owner.Facts())}); err != nil {
			return ServiceAccess{}, err
		}
		current.UserID = owner.ID
	}
	if in.ServiceID != nil && trimPtr(in.ServiceID) != current.ServiceID {
		svc, err := s.activeService(ctx, trimPtr(in.ServiceID), "service_id")
		if err != nil {
			return ServiceAccess{}, err
		}
		current.ServiceID = svc.ID
	}
	if in.IsActive != nil {
		current.IsActive = *in.IsActive
	}
	rec := record(ctx, actor, audit.ActionUpdate, "ServiceAccess", current.ID, nil)
	updated, err := s.store.UpdateAccess(ctx, current, rec)
	if err != nil {
		return ServiceAccess{}, err
	}
	audit.LogEvent(ctx, rec)
	return updated, nil
}

// DisableAccess soft-deletes an access grant.
func (s *Vault) DisableAccess(ctx context.Context, actor auth.Actor, id string) error {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return err
	}
	current, err := s.store.GetAccess(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := canWriteOwned(actor, "access rules"); err != nil {
		return err
	}
	if err := s.authorizeOwner(ctx, actor, auth.KindServiceAccess, current.UserID); err != nil {
		return err
	}
	current.IsActive = false
	rec := record(ctx, actor, audit.ActionDisable, "ServiceAccess", current.ID, nil)
	if _, err := s.store.UpdateAccess(ctx, current, rec); err != nil {
		return err
	}
	audit.LogEvent(ctx, rec)
	return nil
}

// authorizeOwner loads the owning user of a row and runs the mutation check.
func (s *Vault) authorizeOwner(ctx context.Context, actor auth.Actor, kind auth.Kind, ownerID string) error {
	if actor.IsSuperuser {
		return nil
	}
	owner, err := s.store.GetUser(ctx, auth.SystemScope(), ownerID)
	if err != nil {
		return err
	}
	return auth.Authorize(actor, auth.Target{Kind: kind, Owner: ptrFacts(owner.Facts())})
}
