package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/obs"
)

// Notifier delivers best-effort e-mail. Implementations never fail the caller.
type Notifier interface {
	Send(ctx context.Context, subject, body string, recipients []string)
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, string, []string) {}

// Vault implements the vault operations on top of a Store.
type Vault struct {
	store    Store
	resolver *auth.Resolver
	notifier Notifier
	now      func() time.Time
}

// ServiceOption customises a Vault.
type ServiceOption func(*Vault) error

// WithNotifier sets the mail collaborator.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Vault) error {
		if n == nil {
			return errors.New("notifier is nil")
		}
		s.notifier = n
		return nil
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Vault) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		s.now = now
		return nil
	}
}

// NewService constructs the vault service.
func NewService(store Store, resolver *auth.Resolver, opts ...ServiceOption) (*Vault, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	s := &Vault{store: store, resolver: resolver, notifier: nopNotifier{}, now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Vault) scope(ctx context.Context, actor auth.Actor) (auth.Scope, error) {
	if actor.ID == "" || !actor.IsActive {
		return auth.Scope{}, auth.ErrUnauthorized
	}
	return s.resolver.Scope(ctx, actor)
}

// viewed writes a best-effort view record after a successful read.
func (s *Vault) viewed(ctx context.Context, actor auth.Actor, objectType, objectID string, meta map[string]any) {
	rec := audit.NewRecord(ctx, actor.ID, audit.ActionView, objectType, objectID, meta)
	if _, err := s.store.AppendAudit(ctx, rec); err != nil {
		obs.AuditViewFailure()
		obs.Logger().Warn().Err(err).Str("object_type", objectType).Str("object_id", objectID).Msg("view audit failed")
		return
	}
	audit.LogEvent(ctx, rec)
}

func record(ctx context.Context, actor auth.Actor, action audit.Action, objectType, objectID string, meta map[string]any) audit.Record {
	return audit.NewRecord(ctx, actor.ID, action, objectType, objectID, meta)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", auth.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", auth.ErrPermissionDenied, fmt.Sprintf(format, args...))
}

func trimPtr(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// activeDepartment resolves a department reference supplied by a caller.
func (s *Vault) activeDepartment(ctx context.Context, id string) (Department, error) {
	d, err := s.store.GetDepartment(ctx, auth.SystemScope(), id)
	if errors.Is(err, auth.ErrNotFound) || (err == nil && !d.IsActive) {
		return Department{}, invalid("department %q does not exist", id)
	}
	return d, err
}

// activeUser resolves a user reference supplied by a caller.
func (s *Vault) activeUser(ctx context.Context, id, field string) (User, error) {
	u, err := s.store.GetUser(ctx, auth.SystemScope(), strings.TrimSpace(id))
	if errors.Is(err, auth.ErrNotFound) || (err == nil && !u.IsActive) {
		return User{}, invalid("%s: user does not exist", field)
	}
	return u, err
}

// activeService resolves a service reference supplied by a caller.
func (s *Vault) activeService(ctx context.Context, id, field string) (Service, error) {
	svc, err := s.store.GetService(ctx, auth.SystemScope(), strings.TrimSpace(id))
	if errors.Is(err, auth.ErrNotFound) || (err == nil && !svc.IsActive) {
		return Service{}, invalid("%s: service does not exist or is inactive", field)
	}
	return svc, err
}

// assignable enforces that a head only assigns objects to users of their own
// department.
func assignable(actor auth.Actor, owner User, what string) error {
	if actor.IsSuperuser {
		return nil
	}
	if owner.DepartmentID == "" || owner.DepartmentID != actor.DepartmentID {
		return invalid("you can assign %s only to your department users", what)
	}
	return nil
}
