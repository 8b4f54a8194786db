package pg

import (
	"context"
	"database/sql"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

const shareSelect = `
	select sh.id, sh.department_id, sh.grantor_id, sh.grantee_id, sh.expires_at, sh.is_active,
	       sh.created_at, sh.updated_at,
	       d.name, d.sort_order, d.is_active, d.created_at,
	       gr.portal_login, gr.full_name, gr.role, coalesce(gr.department_id, ''),
	       ge.portal_login, ge.full_name, ge.role, coalesce(ge.department_id, '')
	from department_shares sh
	join departments d on d.id = sh.department_id
	join users gr on gr.id = sh.grantor_id
	join users ge on ge.id = sh.grantee_id`

func shareScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		grantee := "sh.grantee_id = " + p.add(scope.ActorID)
		if scope.DepartmentID == "" {
			return grantee
		}
		return "(sh.department_id = " + p.add(scope.DepartmentID) + " or " + grantee + ")"
	}
	return "false"
}

func scanShare(row rowScanner) (vault.DepartmentShare, error) {
	var (
		sh               vault.DepartmentShare
		dept             vault.Department
		grantor, grantee vault.UserSummary
		grRole, geRole   string
	)
	if err := row.Scan(&sh.ID, &sh.DepartmentID, &sh.GrantorID, &sh.GranteeID, &sh.ExpiresAt, &sh.IsActive,
		&sh.CreatedAt, &sh.UpdatedAt,
		&dept.Name, &dept.SortOrder, &dept.IsActive, &dept.CreatedAt,
		&grantor.PortalLogin, &grantor.FullName, &grRole, &grantor.DepartmentID,
		&grantee.PortalLogin, &grantee.FullName, &geRole, &grantee.DepartmentID); err != nil {
		return vault.DepartmentShare{}, err
	}
	dept.ID = sh.DepartmentID
	grantor.ID, grantor.Role = sh.GrantorID, auth.NormalizeRole(grRole)
	grantee.ID, grantee.Role = sh.GranteeID, auth.NormalizeRole(geRole)
	sh.Department, sh.Grantor, sh.Grantee = &dept, &grantor, &grantee
	return sh, nil
}

func (s *Store) SharedDepartmentIDs(ctx context.Context, userID string, now time.Time) ([]string, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct department_id
		from department_shares
		where grantee_id = $1 and is_active and expires_at > $2
		order by department_id
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertShare relies on xmax = 0 to tell an inserted row from an updated one.
func (s *Store) UpsertShare(ctx context.Context, sh vault.DepartmentShare, rec audit.Record) (vault.DepartmentShare, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.DepartmentShare{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id       string
		inserted bool
	)
	if err := tx.QueryRowContext(ctx, `
		insert into department_shares (id, department_id, grantor_id, grantee_id, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (department_id, grantor_id, grantee_id) do update
		set expires_at = excluded.expires_at, is_active = excluded.is_active, updated_at = now()
		returning id, (xmax = 0)
	`, ids.New(), sh.DepartmentID, sh.GrantorID, sh.GranteeID, sh.ExpiresAt, sh.IsActive).Scan(&id, &inserted); err != nil {
		return vault.DepartmentShare{}, false, writeErr(err)
	}
	rec.ObjectID = id
	if !inserted {
		rec.Action = audit.ActionUpdate
		rec.Metadata = map[string]any{"upsert": true}
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.DepartmentShare{}, false, err
	}
	saved, err := scanShare(tx.QueryRowContext(ctx, shareSelect+` where sh.id = $1`, id))
	if err != nil {
		return vault.DepartmentShare{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return vault.DepartmentShare{}, false, err
	}
	return saved, inserted, nil
}

func (s *Store) UpdateShare(ctx context.Context, sh vault.DepartmentShare, rec audit.Record) (vault.DepartmentShare, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.DepartmentShare{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update department_shares
		set department_id = $2, grantor_id = $3, grantee_id = $4, expires_at = $5, is_active = $6, updated_at = now()
		where id = $1
	`, sh.ID, sh.DepartmentID, sh.GrantorID, sh.GranteeID, sh.ExpiresAt, sh.IsActive)
	if err != nil {
		return vault.DepartmentShare{}, writeErr(err)
	}
	if err := requireRow(res); err != nil {
		return vault.DepartmentShare{}, err
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.DepartmentShare{}, err
	}
	updated, err := scanShare(tx.QueryRowContext(ctx, shareSelect+` where sh.id = $1`, sh.ID))
	if err != nil {
		return vault.DepartmentShare{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.DepartmentShare{}, err
	}
	return updated, nil
}

func (s *Store) GetShare(ctx context.Context, scope auth.Scope, id string) (vault.DepartmentShare, error) {
	if s.db == nil {
		return vault.DepartmentShare{}, errNoDatabase
	}
	p := params{id}
	query := shareSelect + ` where sh.id = $1 and ` + shareScope(scope, &p)
	sh, err := scanShare(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.DepartmentShare{}, readErr(err)
	}
	return sh, nil
}

func (s *Store) ListShares(ctx context.Context, scope auth.Scope) ([]vault.DepartmentShare, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := shareSelect + ` where ` + shareScope(scope, &p) + ` order by sh.created_at desc, sh.id desc`
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows, scanShare)
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
