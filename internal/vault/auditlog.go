package vault

import (
	"context"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

func canReadAudit(actor auth.Actor) error {
	switch actor.Class() {
	case auth.ClassSuperuser, auth.ClassHead:
		return nil
	}
	return denied("only superuser or department head can view audit logs")
}

func (s *Vault) ListAudit(ctx context.Context, actor auth.Actor, filter audit.Filter) ([]audit.Entry, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := canReadAudit(actor); err != nil {
		return nil, err
	}
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, invalid("unknown action %q", filter.Action)
	}
	return s.store.ListAudit(ctx, scope, filter.Normalize())
}

func (s *Vault) GetAudit(ctx context.Context, actor auth.Actor, id string) (audit.Entry, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return audit.Entry{}, err
	}
	if err := canReadAudit(actor); err != nil {
		return audit.Entry{}, err
	}
	return s.store.GetAudit(ctx, scope, strings.TrimSpace(id))
}
