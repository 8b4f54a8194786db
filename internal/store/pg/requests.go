package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

const requestSelect = `
	select r.id, r.requester_id, r.service_id, r.status, r.justification,
	       coalesce(r.reviewer_id, ''), r.review_comment, r.requested_at, r.reviewed_at,
	       ru.portal_login, ru.full_name, ru.role, coalesce(ru.department_id, ''),
	       rv.portal_login, rv.full_name, rv.role, rv.department_id,
	       s.name, s.url, coalesce(s.department_id, ''), s.is_active
	from access_requests r
	join users ru on ru.id = r.requester_id
	left join users rv on rv.id = r.reviewer_id
	join services s on s.id = r.service_id`

func requestScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return "(r.requester_id = " + p.add(scope.ActorID) + " or " + inDepartments("ru.department_id", scope, p) + ")"
	case auth.ClassEmployee:
		return "r.requester_id = " + p.add(scope.ActorID)
	}
	return "false"
}

func scanRequest(row rowScanner) (vault.AccessRequest, error) {
	var (
		r         vault.AccessRequest
		status    string
		reviewed  sql.NullTime
		requester vault.UserSummary
		reqRole   string
		rvLogin   sql.NullString
		rvName    sql.NullString
		rvRole    sql.NullString
		rvDept    sql.NullString
		svc       vault.ServiceSummary
	)
	if err := row.Scan(&r.ID, &r.RequesterID, &r.ServiceID, &status, &r.Justification,
		&r.ReviewerID, &r.ReviewComment, &r.RequestedAt, &reviewed,
		&requester.PortalLogin, &requester.FullName, &reqRole, &requester.DepartmentID,
		&rvLogin, &rvName, &rvRole, &rvDept,
		&svc.Name, &svc.URL, &svc.DepartmentID, &svc.IsActive); err != nil {
		return vault.AccessRequest{}, err
	}
	r.Status = vault.RequestStatus(status)
	r.ReviewedAt = timePtr(reviewed)
	requester.ID, requester.Role = r.RequesterID, auth.NormalizeRole(reqRole)
	r.Requester = &requester
	if r.ReviewerID != "" && rvLogin.Valid {
		r.Reviewer = &vault.UserSummary{
			ID:           r.ReviewerID,
			PortalLogin:  rvLogin.String,
			FullName:     rvName.String,
			Role:         auth.NormalizeRole(rvRole.String),
			DepartmentID: rvDept.String,
		}
	}
	svc.ID = r.ServiceID
	r.Service = &svc
	return r, nil
}

func (s *Store) CreateAccessRequest(ctx context.Context, r vault.AccessRequest, rec audit.Record) (vault.AccessRequest, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Locking the requester serialises that requester's creates, so the
	// pending check below sees every committed request.
	// access_requests_one_pending still rejects writers that skip the lock.
	var locked string
	if err := tx.QueryRowContext(ctx, `select id from users where id = $1 for update`, r.RequesterID).Scan(&locked); err != nil {
		return vault.AccessRequest{}, readErr(err)
	}
	var pending bool
	if err := tx.QueryRowContext(ctx, `
		select exists (
			select 1 from access_requests
			where requester_id = $1 and service_id = $2 and status = 'pending'
		)
	`, r.RequesterID, r.ServiceID).Scan(&pending); err != nil {
		return vault.AccessRequest{}, err
	}
	if pending {
		return vault.AccessRequest{}, fmt.Errorf("%w: you already have a pending request for this service", auth.ErrConflict)
	}

	id := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into access_requests (id, requester_id, service_id, status, justification)
		values ($1, $2, $3, $4, $5)
	`, id, r.RequesterID, r.ServiceID, string(r.Status), r.Justification); err != nil {
		return vault.AccessRequest{}, writeErr(err)
	}
	rec.ObjectID = id
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.AccessRequest{}, err
	}
	created, err := scanRequest(tx.QueryRowContext(ctx, requestSelect+` where r.id = $1`, id))
	if err != nil {
		return vault.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.AccessRequest{}, err
	}
	return created, nil
}

func (s *Store) TransitionAccessRequest(ctx context.Context, r vault.AccessRequest, from vault.RequestStatus, grant bool, rec audit.Record) (vault.AccessRequest, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `select status from access_requests where id = $1 for update`, r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.AccessRequest{}, auth.ErrNotFound
	}
	if err != nil {
		return vault.AccessRequest{}, err
	}
	if vault.RequestStatus(current) != from {
		return vault.AccessRequest{}, auth.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		update access_requests
		set status = $2, reviewer_id = $3, review_comment = $4, reviewed_at = $5
		where id = $1
	`, r.ID, string(r.Status), nullIfEmpty(r.ReviewerID), r.ReviewComment, nullTime(r.ReviewedAt)); err != nil {
		return vault.AccessRequest{}, writeErr(err)
	}
	if grant {
		if err := syncAccess(ctx, tx, r.RequesterID, r.ServiceID, true); err != nil {
			return vault.AccessRequest{}, err
		}
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.AccessRequest{}, err
	}
	updated, err := scanRequest(tx.QueryRowContext(ctx, requestSelect+` where r.id = $1`, r.ID))
	if err != nil {
		return vault.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.AccessRequest{}, err
	}
	return updated, nil
}

func (s *Store) GetAccessRequest(ctx context.Context, scope auth.Scope, id string) (vault.AccessRequest, error) {
	if s.db == nil {
		return vault.AccessRequest{}, errNoDatabase
	}
	p := params{id}
	query := requestSelect + ` where r.id = $1 and ` + requestScope(scope, &p)
	r, err := scanRequest(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.AccessRequest{}, readErr(err)
	}
	return r, nil
}

func (s *Store) ListAccessRequests(ctx context.Context, scope auth.Scope, status vault.RequestStatus) ([]vault.AccessRequest, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := requestSelect + ` where ` + requestScope(scope, &p)
	if status != "" {
		query += ` and r.status = ` + p.add(string(status))
	}
	query += ` order by r.requested_at desc, r.id desc`
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows, scanRequest)
}
