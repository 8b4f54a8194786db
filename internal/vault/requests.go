package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/obs"
)

// AccessRequestInput is the body of a new access request.
type AccessRequestInput struct {
	ServiceID     string `json:"service_id"`
	Justification string `json:"justification"`
}

// ReviewInput is the body of an approve or reject call.
type ReviewInput struct {
	Comment string `json:"review_comment"`
}

func (s *Vault) ListAccessRequests(ctx context.Context, actor auth.Actor, status RequestStatus) ([]AccessRequest, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	if status != "" && !status.valid() {
		return nil, invalid("unknown status %q", status)
	}
	return s.store.ListAccessRequests(ctx, scope, status)
}

func (s *Vault) GetAccessRequest(ctx context.Context, actor auth.Actor, id string) (AccessRequest, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return AccessRequest{}, err
	}
	return s.store.GetAccessRequest(ctx, scope, strings.TrimSpace(id))
}

// CreateAccessRequest files a pending request for an active service and
// notifies the reviewers of the requester's department.
func (s *Vault) CreateAccessRequest(ctx context.Context, actor auth.Actor, in AccessRequestInput) (AccessRequest, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return AccessRequest{}, err
	}
	if strings.TrimSpace(in.ServiceID) == "" {
		return AccessRequest{}, invalid("service_id is required")
	}
	svc, err := s.activeService(ctx, in.ServiceID, "service_id")
	if err != nil {
		return AccessRequest{}, err
	}
	r := AccessRequest{
		RequesterID:   actor.ID,
		ServiceID:     svc.ID,
		Status:        StatusPending,
		Justification: strings.TrimSpace(in.Justification),
		RequestedAt:   s.now().UTC(),
	}
	rec := record(ctx, actor, audit.ActionCreate, "AccessRequest", "", map[string]any{"service_id": svc.ID})
	created, err := s.store.CreateAccessRequest(ctx, r, rec)
	if errors.Is(err, auth.ErrConflict) {
		return AccessRequest{}, fmt.Errorf("%w: you already have a pending request for this service", auth.ErrConflict)
	}
	if err != nil {
		return AccessRequest{}, err
	}
	rec.ObjectID = created.ID
	audit.LogEvent(ctx, rec)
	obs.AccessRequestTransition(string(StatusPending))

	recipients, err := s.store.ReviewerEmails(ctx, actor.DepartmentID)
	if err != nil {
		obs.Logger().Warn().Err(err).Str("request_id", created.ID).Msg("resolve reviewers failed")
	} else {
		s.notifier.Send(ctx,
			fmt.Sprintf("Access request: %s", svc.Name),
			fmt.Sprintf("%s requested access to %s (%s).\n\nJustification: %s\n", actor.PortalLogin, svc.Name, svc.URL, created.Justification),
			recipients,
		)
	}
	return created, nil
}

// ApproveAccessRequest approves a pending request and grants ServiceAccess
// in the same transaction.
func (s *Vault) ApproveAccessRequest(ctx context.Context, actor auth.Actor, id string, in ReviewInput) (AccessRequest, error) {
	return s.review(ctx, actor, id, StatusApproved, in.Comment)
}

// RejectAccessRequest rejects a pending request.
func (s *Vault) RejectAccessRequest(ctx context.Context, actor auth.Actor, id string, in ReviewInput) (AccessRequest, error) {
	return s.review(ctx, actor, id, StatusRejected, in.Comment)
}

func (s *Vault) review(ctx context.Context, actor auth.Actor, id string, status RequestStatus, comment string) (AccessRequest, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return AccessRequest{}, err
	}
	current, err := s.store.GetAccessRequest(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return AccessRequest{}, err
	}
	requester, err := s.store.GetUser(ctx, auth.SystemScope(), current.RequesterID)
	if err != nil {
		return AccessRequest{}, err
	}
	if err := canReview(actor, requester); err != nil {
		return AccessRequest{}, err
	}
	if current.Status != StatusPending {
		return AccessRequest{}, fmt.Errorf("%w: request is already %s", auth.ErrConflict, current.Status)
	}

	now := s.now().UTC()
	next := current
	next.Status = status
	next.ReviewerID = actor.ID
	next.ReviewComment = strings.TrimSpace(comment)
	next.ReviewedAt = &now

	rec := record(ctx, actor, audit.ActionUpdate, "AccessRequest", current.ID, map[string]any{"status": string(status)})
	updated, err := s.store.TransitionAccessRequest(ctx, next, StatusPending, status == StatusApproved, rec)
	if err != nil {
		return AccessRequest{}, err
	}
	audit.LogEvent(ctx, rec)
	obs.AccessRequestTransition(string(status))

	serviceName := current.ServiceID
	if updated.Service != nil {
		serviceName = updated.Service.Name
	}
	s.notifier.Send(ctx,
		fmt.Sprintf("Access request %s: %s", status, serviceName),
		fmt.Sprintf("Your access request for %s was %s by %s.\n\nComment: %s\n", serviceName, status, actor.PortalLogin, next.ReviewComment),
		[]string{requester.Email},
	)
	return updated, nil
}

// CancelAccessRequest withdraws a pending request. Only the requester or a
// superuser may cancel.
func (s *Vault) CancelAccessRequest(ctx context.Context, actor auth.Actor, id string) (AccessRequest, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return AccessRequest{}, err
	}
	current, err := s.store.GetAccessRequest(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return AccessRequest{}, err
	}
	if !actor.IsSuperuser && current.RequesterID != actor.ID {
		return AccessRequest{}, denied("only the requester or superuser can cancel the request")
	}
	if current.Status != StatusPending {
		return AccessRequest{}, fmt.Errorf("%w: request is already %s", auth.ErrConflict, current.Status)
	}
	now := s.now().UTC()
	next := current
	next.Status = StatusCanceled
	next.ReviewedAt = &now
	rec := record(ctx, actor, audit.ActionUpdate, "AccessRequest", current.ID, map[string]any{"status": string(StatusCanceled)})
	updated, err := s.store.TransitionAccessRequest(ctx, next, StatusPending, false, rec)
	if err != nil {
		return AccessRequest{}, err
	}
	audit.LogEvent(ctx, rec)
	obs.AccessRequestTransition(string(StatusCanceled))
	return updated, nil
}

// canReview allows superusers and heads of the requester's own department.
// Shares never confer review rights.
func canReview(actor auth.Actor, requester User) error {
	if actor.IsSuperuser {
		return nil
	}
	if actor.Role != auth.RoleHead || actor.DepartmentID == "" {
		return denied("only superuser or department head can review requests")
	}
	if requester.DepartmentID != actor.DepartmentID {
		return denied("you can review only requests of your department")
	}
	return nil
}

func (s RequestStatus) valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCanceled:
		return true
	}
	return false
}
