// Package memory implements vault.Store in process memory. It backs the
// domain tests and the API when no database DSN is configured.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

// Store keeps every table in maps guarded by one RWMutex, so each mutation
// is applied atomically. Encrypted columns are held encoded, as in Postgres.
type Store struct {
	mu    sync.RWMutex
	codec envelope.Codec
	now   func() time.Time

	users       map[string]vault.User
	departments map[string]vault.Department
	services    map[string]vault.Service
	accesses    map[string]vault.ServiceAccess
	credentials map[string]vault.Credential
	versions    map[string][]vault.CredentialVersion
	shares      map[string]vault.DepartmentShare
	requests    map[string]vault.AccessRequest
	challenges  map[string]auth.Challenge
	audit       []audit.Entry
}

var (
	_ vault.Store         = (*Store)(nil)
	_ auth.ChallengeStore = (*Store)(nil)
)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store that encodes secrets with codec.
func New(codec envelope.Codec, opts ...Option) (*Store, error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	s := &Store{
		codec:       codec,
		now:         time.Now,
		users:       map[string]vault.User{},
		departments: map[string]vault.Department{},
		services:    map[string]vault.Service{},
		accesses:    map[string]vault.ServiceAccess{},
		credentials: map[string]vault.Credential{},
		versions:    map[string][]vault.CredentialVersion{},
		shares:      map[string]vault.DepartmentShare{},
		requests:    map[string]vault.AccessRequest{},
		challenges:  map[string]auth.Challenge{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) stamp() time.Time { return s.now().UTC() }

// appendAudit must be called with the write lock held.
func (s *Store) appendAudit(rec audit.Record) audit.Entry {
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	meta := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	rec.Metadata = meta
	e := audit.Entry{ID: ids.New(), Record: rec, CreatedAt: s.stamp()}
	s.audit = append(s.audit, e)
	return e
}

func (s *Store) AppendAudit(_ context.Context, rec audit.Record) (audit.Entry, error) {
	if !rec.Action.Valid() {
		return audit.Entry{}, auth.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAudit(rec), nil
}

func (s *Store) ListAudit(_ context.Context, scope auth.Scope, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f = f.Normalize()
	out := []audit.Entry{}
	for i := len(s.audit) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := s.audit[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ObjectType != "" && e.ObjectType != f.ObjectType {
			continue
		}
		if !s.seesAudit(scope, e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetAudit(_ context.Context, scope auth.Scope, id string) (audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.audit {
		if e.ID == id && s.seesAudit(scope, e) {
			return e, nil
		}
	}
	return audit.Entry{}, auth.ErrNotFound
}

func (s *Store) seesAudit(scope auth.Scope, e audit.Entry) bool {
	dept := ""
	if u, ok := s.users[e.ActorID]; ok {
		dept = u.DepartmentID
	}
	return scope.SeesAuditEntry(dept)
}

// AuditEntries returns every audit entry in insertion order.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Entry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Store) DeleteAuditBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var n int64
	for _, e := range s.audit {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return n, nil
}

func sortByID[T any](items []T, id func(T) string) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}
