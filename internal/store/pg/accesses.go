package pg

import (
	"context"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

const accessSelect = `
	select a.id, a.user_id, a.service_id, a.is_active, a.created_at, a.updated_at,
	       u.portal_login, u.full_name, u.role, coalesce(u.department_id, ''),
	       s.name, s.url, coalesce(s.department_id, ''), s.is_active
	from service_accesses a
	join users u on u.id = a.user_id
	join services s on s.id = a.service_id`

func accessScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return inDepartments("u.department_id", scope, p)
	case auth.ClassEmployee:
		return "(a.user_id = " + p.add(scope.ActorID) + " and a.is_active and s.is_active)"
	}
	return "false"
}

func scanAccess(row rowScanner) (vault.ServiceAccess, error) {
	var (
		a    vault.ServiceAccess
		user vault.UserSummary
		svc  vault.ServiceSummary
		role string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ServiceID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
		&user.PortalLogin, &user.FullName, &role, &user.DepartmentID,
		&svc.Name, &svc.URL, &svc.DepartmentID, &svc.IsActive); err != nil {
		return vault.ServiceAccess{}, err
	}
	user.ID, user.Role = a.UserID, auth.NormalizeRole(role)
	svc.ID = a.ServiceID
	a.User, a.Service = &user, &svc
	return a, nil
}

func (s *Store) CreateAccess(ctx context.Context, a vault.ServiceAccess, rec audit.Record) (vault.ServiceAccess, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.ServiceAccess{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into service_accesses (id, user_id, service_id, is_active)
		values ($1, $2, $3, $4)
	`, id, a.UserID, a.ServiceID, a.IsActive); err != nil {
		return vault.ServiceAccess{}, writeErr(err)
	}
	rec.ObjectID = id
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.ServiceAccess{}, err
	}
	created, err := scanAccess(tx.QueryRowContext(ctx, accessSelect+` where a.id = $1`, id))
	if err != nil {
		return vault.ServiceAccess{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.ServiceAccess{}, err
	}
	return created, nil
}

func (s *Store) UpdateAccess(ctx context.Context, a vault.ServiceAccess, rec audit.Record) (vault.ServiceAccess, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.ServiceAccess{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update service_accesses
		set user_id = $2, service_id = $3, is_active = $4, updated_at = now()
		where id = $1
	`, a.ID, a.UserID, a.ServiceID, a.IsActive)
	if err != nil {
		return vault.ServiceAccess{}, writeErr(err)
	}
	if err := requireRow(res); err != nil {
		return vault.ServiceAccess{}, err
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.ServiceAccess{}, err
	}
	updated, err := scanAccess(tx.QueryRowContext(ctx, accessSelect+` where a.id = $1`, a.ID))
	if err != nil {
		return vault.ServiceAccess{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.ServiceAccess{}, err
	}
	return updated, nil
}

func (s *Store) GetAccess(ctx context.Context, scope auth.Scope, id string) (vault.ServiceAccess, error) {
	if s.db == nil {
		return vault.ServiceAccess{}, errNoDatabase
	}
	p := params{id}
	query := accessSelect + ` where a.id = $1 and ` + accessScope(scope, &p)
	a, err := scanAccess(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.ServiceAccess{}, readErr(err)
	}
	return a, nil
}

func (s *Store) ListAccesses(ctx context.Context, scope auth.Scope) ([]vault.ServiceAccess, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := accessSelect + ` where ` + accessScope(scope, &p) + ` order by a.id`
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []vault.ServiceAccess{}
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// syncAccess upserts the (user, service) grant inside tx.
func syncAccess(ctx context.Context, q execer, userID, serviceID string, active bool) error {
	_, err := q.ExecContext(ctx, `
		insert into service_accesses (id, user_id, service_id, is_active)
		values ($1, $2, $3, $4)
		on conflict (user_id, service_id) do update
		set is_active = excluded.is_active, updated_at = now()
	`, ids.New(), userID, serviceID, active)
	return writeErr(err)
}
