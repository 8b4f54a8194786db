package pg

import (
	"context"
	"database/sql"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

const userSelect = `
	select u.id, u.portal_login, u.email, u.full_name, u.role, coalesce(u.department_id, ''),
	       u.is_active, u.is_superuser, u.password_hash, u.date_joined,
	       d.name, d.sort_order, d.is_active, d.created_at
	from users u
	left join departments d on d.id = u.department_id`

func userScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return "(u.role = 'head' or " + inDepartments("u.department_id", scope, p) + ")"
	}
	return "false"
}

func scanUser(row rowScanner) (vault.User, error) {
	var (
		u    vault.User
		role string
		dept nullDepartment
	)
	if err := row.Scan(&u.ID, &u.PortalLogin, &u.Email, &u.FullName, &role, &u.DepartmentID,
		&u.IsActive, &u.IsSuperuser, &u.PasswordHash, &u.DateJoined,
		&dept.name, &dept.sortOrder, &dept.isActive, &dept.createdAt); err != nil {
		return vault.User{}, err
	}
	u.Role = auth.NormalizeRole(role)
	u.Department = dept.value(u.DepartmentID)
	return u, nil
}

// nullDepartment scans the left-joined department columns.
type nullDepartment struct {
	name      sql.NullString
	sortOrder sql.NullInt64
	isActive  sql.NullBool
	createdAt sql.NullTime
}

func (d nullDepartment) value(id string) *vault.Department {
	if id == "" || !d.name.Valid {
		return nil
	}
	return &vault.Department{
		ID:        id,
		Name:      d.name.String,
		SortOrder: int(d.sortOrder.Int64),
		IsActive:  d.isActive.Bool,
		CreatedAt: d.createdAt.Time,
	}
}

func (s *Store) CreateUser(ctx context.Context, u vault.User, rec audit.Record) (vault.User, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into users (id, portal_login, email, full_name, role, department_id, is_active, is_superuser, password_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, u.PortalLogin, u.Email, u.FullName, string(u.Role), nullIfEmpty(u.DepartmentID),
		u.IsActive, u.IsSuperuser, u.PasswordHash); err != nil {
		return vault.User{}, writeErr(err)
	}
	rec.ObjectID = id
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.User{}, err
	}
	created, err := scanUser(tx.QueryRowContext(ctx, userSelect+` where u.id = $1`, id))
	if err != nil {
		return vault.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.User{}, err
	}
	return created, nil
}

func (s *Store) UpdateUser(ctx context.Context, u vault.User, rec audit.Record) (vault.User, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users
		set portal_login = $2, email = $3, full_name = $4, role = $5, department_id = $6,
		    is_active = $7, is_superuser = $8, password_hash = $9
		where id = $1
	`, u.ID, u.PortalLogin, u.Email, u.FullName, string(u.Role), nullIfEmpty(u.DepartmentID),
		u.IsActive, u.IsSuperuser, u.PasswordHash)
	if err != nil {
		return vault.User{}, writeErr(err)
	}
	if err := requireRow(res); err != nil {
		return vault.User{}, err
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.User{}, err
	}
	updated, err := scanUser(tx.QueryRowContext(ctx, userSelect+` where u.id = $1`, u.ID))
	if err != nil {
		return vault.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.User{}, err
	}
	return updated, nil
}

func (s *Store) GetUser(ctx context.Context, scope auth.Scope, id string) (vault.User, error) {
	if s.db == nil {
		return vault.User{}, errNoDatabase
	}
	p := params{id}
	query := userSelect + ` where u.id = $1 and ` + userScope(scope, &p)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.User{}, readErr(err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, scope auth.Scope) ([]vault.User, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := userSelect + ` where ` + userScope(scope, &p) + ` order by u.portal_login`
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []vault.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UserByLogin(ctx context.Context, portalLogin string) (vault.User, error) {
	if s.db == nil {
		return vault.User{}, errNoDatabase
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, userSelect+` where u.portal_login = $1`, portalLogin))
	if err != nil {
		return vault.User{}, readErr(err)
	}
	return u, nil
}

func (s *Store) ReviewerEmails(ctx context.Context, deptID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct email
		from users
		where is_active and email <> ''
		  and (is_superuser or (role = 'head' and department_id = $1))
		order by email
	`, deptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}
