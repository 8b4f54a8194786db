package vault

import (
	"context"
	"strings"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

// ShareInput carries share fields for create and partial update.
type ShareInput struct {
	DepartmentID *string    `json:"department_id"`
	GrantorID    *string    `json:"grantor_id"`
	GranteeID    *string    `json:"grantee_id"`
	ExpiresAt    *time.Time `json:"expires_at"`
	IsActive     *bool      `json:"is_active"`
}

func canViewShares(actor auth.Actor) error {
	switch actor.Class() {
	case auth.ClassSuperuser, auth.ClassHead:
		return nil
	}
	return denied("only superuser or department head can view share rules")
}

func (s *Vault) ListShares(ctx context.Context, actor auth.Actor) ([]DepartmentShare, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := canViewShares(actor); err != nil {
		return nil, err
	}
	return s.store.ListShares(ctx, scope)
}

func (s *Vault) GetShare(ctx context.Context, actor auth.Actor, id string) (DepartmentShare, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return DepartmentShare{}, err
	}
	if err := canViewShares(actor); err != nil {
		return DepartmentShare{}, err
	}
	return s.store.GetShare(ctx, scope, strings.TrimSpace(id))
}

// CreateShare upserts the share keyed by (department, grantor, grantee).
func (s *Vault) CreateShare(ctx context.Context, actor auth.Actor, in ShareInput) (DepartmentShare, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return DepartmentShare{}, err
	}
	proposal := auth.ShareProposal{
		DepartmentID: trimPtr(in.DepartmentID),
		GrantorID:    trimPtr(in.GrantorID),
		GranteeID:    trimPtr(in.GranteeID),
	}
	if in.ExpiresAt != nil {
		proposal.ExpiresAt = in.ExpiresAt.UTC()
	}
	proposal, err := auth.PrepareShare(actor, proposal, s.now().UTC())
	if err != nil {
		return DepartmentShare{}, err
	}
	if _, err := s.activeDepartment(ctx, proposal.DepartmentID); err != nil {
		return DepartmentShare{}, err
	}
	grantor, err := s.activeUser(ctx, proposal.GrantorID, "grantor_id")
	if err != nil {
		return DepartmentShare{}, err
	}
	grantee, err := s.activeUser(ctx, proposal.GranteeID, "grantee_id")
	if err != nil {
		return DepartmentShare{}, err
	}
	if err := auth.ValidateShareParties(proposal.DepartmentID, grantor.Facts(), grantee.Facts()); err != nil {
		return DepartmentShare{}, err
	}

	share := DepartmentShare{
		DepartmentID: proposal.DepartmentID,
		GrantorID:    grantor.ID,
		GranteeID:    grantee.ID,
		ExpiresAt:    proposal.ExpiresAt,
		IsActive:     true,
	}
	if in.IsActive != nil {
		share.IsActive = *in.IsActive
	}
	rec := record(ctx, actor, audit.ActionCreate, "DepartmentShare", "", nil)
	saved, created, err := s.store.UpsertShare(ctx, share, rec)
	if err != nil {
		return DepartmentShare{}, err
	}
	rec.ObjectID = saved.ID
	if !created {
		rec.Action = audit.ActionUpdate
		rec.Metadata = map[string]any{"upsert": true}
	}
	audit.LogEvent(ctx, rec)
	return saved, nil
}

func (s *Vault) UpdateShare(ctx context.Context, actor auth.Actor, id string, in ShareInput) (DepartmentShare, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return DepartmentShare{}, err
	}
	if err := canViewShares(actor); err != nil {
		return DepartmentShare{}, err
	}
	current, err := s.store.GetShare(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return DepartmentShare{}, err
	}
	if err := auth.CanManageShare(actor, current.DepartmentID); err != nil {
		return DepartmentShare{}, err
	}
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(s.now()) {
			return DepartmentShare{}, invalid("expires_at must be in the future")
		}
		current.ExpiresAt = in.ExpiresAt.UTC()
	}
	if in.IsActive != nil {
		current.IsActive = *in.IsActive
	}
	if actor.IsSuperuser {
		if dept := trimPtr(in.DepartmentID); dept != "" && dept != current.DepartmentID {
			if _, err := s.activeDepartment(ctx, dept); err != nil {
				return DepartmentShare{}, err
			}
			current.DepartmentID = dept
		}
		if grantor := trimPtr(in.GrantorID); grantor != "" {
			current.GrantorID = grantor
		}
	}
	if grantee := trimPtr(in.GranteeID); grantee != "" {
		current.GranteeID = grantee
	}
	grantor, err := s.activeUser(ctx, current.GrantorID, "grantor_id")
	if err != nil {
		return DepartmentShare{}, err
	}
	grantee, err := s.activeUser(ctx, current.GranteeID, "grantee_id")
	if err != nil {
		return DepartmentShare{}, err
	}
	if err := auth.ValidateShareParties(current.DepartmentID, grantor.Facts(), grantee.Facts()); err != nil {
		return DepartmentShare{}, err
	}
	rec := record(ctx, actor, audit.ActionUpdate, "DepartmentShare", current.ID, nil)
	updated, err := s.store.UpdateShare(ctx, current, rec)
	if err != nil {
		return DepartmentShare{}, err
	}
	audit.LogEvent(ctx, rec)
	return updated, nil
}

// DisableShare deactivates a share without deleting it.
func (s *Vault) DisableShare(ctx context.Context, actor auth.Actor, id string) error {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return err
	}
	if err := canViewShares(actor); err != nil {
		return err
	}
	current, err := s.store.GetShare(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := auth.CanManageShare(actor, current.DepartmentID); err != nil {
		return err
	}
	current.IsActive = false
	rec := record(ctx, actor, audit.ActionDisable, "DepartmentShare", current.ID, nil)
	if _, err := s.store.UpdateShare(ctx, current, rec); err != nil {
		return err
	}
	audit.LogEvent(ctx, rec)
	return nil
}
