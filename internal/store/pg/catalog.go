package pg

import (
	"context"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

const departmentSelect = `select d.id, d.name, d.sort_order, d.is_active, d.created_at from departments d`

func departmentScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return inDepartments("d.id", scope, p)
	case auth.ClassEmployee:
		if scope.DepartmentID == "" {
			return "false"
		}
		return "d.id = " + p.add(scope.DepartmentID)
	}
	return "false"
}

func scanDepartment(row rowScanner) (vault.Department, error) {
	var d vault.Department
	err := row.Scan(&d.ID, &d.Name, &d.SortOrder, &d.IsActive, &d.CreatedAt)
	return d, err
}

func (s *Store) CreateDepartment(ctx context.Context, d vault.Department, rec audit.Record) (vault.Department, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.Department{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d.ID = ids.New()
	row := tx.QueryRowContext(ctx, `
		insert into departments (id, name, sort_order, is_active)
		values ($1, $2, $3, $4)
		returning id, name, sort_order, is_active, created_at
	`, d.ID, d.Name, d.SortOrder, d.IsActive)
	created, err := scanDepartment(row)
	if err != nil {
		return vault.Department{}, writeErr(err)
	}
	rec.ObjectID = created.ID
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.Department{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Department{}, err
	}
	return created, nil
}

func (s *Store) UpdateDepartment(ctx context.Context, d vault.Department, rec audit.Record) (vault.Department, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.Department{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		update departments set name = $2, sort_order = $3, is_active = $4
		where id = $1
		returning id, name, sort_order, is_active, created_at
	`, d.ID, d.Name, d.SortOrder, d.IsActive)
	updated, err := scanDepartment(row)
	if err != nil {
		return vault.Department{}, readErr(writeErr(err))
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.Department{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Department{}, err
	}
	return updated, nil
}

func (s *Store) GetDepartment(ctx context.Context, scope auth.Scope, id string) (vault.Department, error) {
	if s.db == nil {
		return vault.Department{}, errNoDatabase
	}
	p := params{id}
	query := departmentSelect + ` where d.id = $1 and ` + departmentScope(scope, &p)
	d, err := scanDepartment(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.Department{}, readErr(err)
	}
	return d, nil
}

func (s *Store) ListDepartments(ctx context.Context, scope auth.Scope) ([]vault.Department, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := departmentSelect + ` where ` + departmentScope(scope, &p) + ` order by d.sort_order, d.name`
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []vault.Department{}
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const serviceSelect = `
	select s.id, s.name, s.url, coalesce(s.department_id, ''), s.is_active, s.created_at,
	       d.name, d.sort_order, d.is_active, d.created_at
	from services s
	left join departments d on d.id = s.department_id`

// activeAccessTo is the correlated check for an active grant of user on the
// service in column.
func activeAccessTo(user, column string) string {
	return "exists (select 1 from service_accesses sa where sa.service_id = " + column +
		" and sa.user_id = " + user + " and sa.is_active)"
}

func serviceScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return "(s.is_active or " + inDepartments("s.department_id", scope, p) + ")"
	case auth.ClassEmployee:
		return "(s.is_active and " + activeAccessTo(p.add(scope.ActorID), "s.id") + ")"
	}
	return "false"
}

func scanService(row rowScanner) (vault.Service, error) {
	var (
		svc  vault.Service
		dept nullDepartment
	)
	if err := row.Scan(&svc.ID, &svc.Name, &svc.URL, &svc.DepartmentID, &svc.IsActive, &svc.CreatedAt,
		&dept.name, &dept.sortOrder, &dept.isActive, &dept.createdAt); err != nil {
		return vault.Service{}, err
	}
	svc.Department = dept.value(svc.DepartmentID)
	return svc, nil
}

func (s *Store) CreateService(ctx context.Context, svc vault.Service, rec audit.Record) (vault.Service, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.Service{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into services (id, name, url, department_id, is_active)
		values ($1, $2, $3, $4, $5)
	`, id, svc.Name, svc.URL, nullIfEmpty(svc.DepartmentID), svc.IsActive); err != nil {
		return vault.Service{}, writeErr(err)
	}
	rec.ObjectID = id
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.Service{}, err
	}
	created, err := scanService(tx.QueryRowContext(ctx, serviceSelect+` where s.id = $1`, id))
	if err != nil {
		return vault.Service{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Service{}, err
	}
	return created, nil
}

func (s *Store) UpdateService(ctx context.Context, svc vault.Service, rec audit.Record) (vault.Service, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.Service{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update services set name = $2, url = $3, department_id = $4, is_active = $5
		where id = $1
	`, svc.ID, svc.Name, svc.URL, nullIfEmpty(svc.DepartmentID), svc.IsActive)
	if err != nil {
		return vault.Service{}, writeErr(err)
	}
	if err := requireRow(res); err != nil {
		return vault.Service{}, err
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.Service{}, err
	}
	updated, err := scanService(tx.QueryRowContext(ctx, serviceSelect+` where s.id = $1`, svc.ID))
	if err != nil {
		return vault.Service{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Service{}, err
	}
	return updated, nil
}

func (s *Store) GetService(ctx context.Context, scope auth.Scope, id string) (vault.Service, error) {
	if s.db == nil {
		return vault.Service{}, errNoDatabase
	}
	p := params{id}
	query := serviceSelect + ` where s.id = $1 and ` + serviceScope(scope, &p)
	svc, err := scanService(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.Service{}, readErr(err)
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context, scope auth.Scope) ([]vault.Service, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := serviceSelect + ` where ` + serviceScope(scope, &p) + ` order by s.name, s.id`
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []vault.Service{}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}
