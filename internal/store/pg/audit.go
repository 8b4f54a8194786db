package pg

import (
	"context"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

const auditSelect = `
	select l.id, coalesce(l.actor_id, ''), l.action, l.object_type, l.object_id,
	       coalesce(l.ip_address, ''), coalesce(l.user_agent, ''), l.metadata, l.created_at
	from audit_logs l
	left join users au on au.id = l.actor_id`

func auditScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return inDepartments("au.department_id", scope, p)
	}
	return "false"
}

func scanAudit(row rowScanner) (audit.Entry, error) {
	var (
		e       audit.Entry
		action  string
		rawMeta []byte
	)
	if err := row.Scan(&e.ID, &e.ActorID, &action, &e.ObjectType, &e.ObjectID,
		&e.IPAddress, &e.UserAgent, &rawMeta, &e.CreatedAt); err != nil {
		return audit.Entry{}, err
	}
	meta, err := unmarshalMeta(rawMeta)
	if err != nil {
		return audit.Entry{}, err
	}
	e.Action, e.Metadata = audit.Action(action), meta
	return e, nil
}

// AppendAudit writes a standalone entry outside any mutation, e.g. a view.
func (s *Store) AppendAudit(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	if s.db == nil {
		return audit.Entry{}, errNoDatabase
	}
	id, err := insertAudit(ctx, s.db, rec)
	if err != nil {
		return audit.Entry{}, err
	}
	e, err := scanAudit(s.db.QueryRowContext(ctx, auditSelect+` where l.id = $1`, id))
	if err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

func (s *Store) ListAudit(ctx context.Context, scope auth.Scope, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	f = f.Normalize()
	var p params
	query := auditSelect + ` where ` + auditScope(scope, &p)
	if f.Action != "" {
		query += ` and l.action = ` + p.add(string(f.Action))
	}
	if f.ObjectType != "" {
		query += ` and l.object_type = ` + p.add(f.ObjectType)
	}
	query += ` order by l.created_at desc, l.id desc limit ` + p.add(f.Limit)
	rows, err := s.db.QueryContext(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows, scanAudit)
}

func (s *Store) GetAudit(ctx context.Context, scope auth.Scope, id string) (audit.Entry, error) {
	if s.db == nil {
		return audit.Entry{}, errNoDatabase
	}
	p := params{id}
	e, err := scanAudit(s.db.QueryRowContext(ctx, auditSelect+` where l.id = $1 and `+auditScope(scope, &p), p...))
	if err != nil {
		return audit.Entry{}, readErr(err)
	}
	return e, nil
}

// DeleteAuditBefore purges old entries. audit_logs rejects updates, not deletes.
func (s *Store) DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDatabase
	}
	res, err := s.db.ExecContext(ctx, `delete from audit_logs where created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
