package memory

import (
	"context"
	"sort"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

func (s *Store) CreateUser(_ context.Context, u vault.User, rec audit.Record) (vault.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUser(u); err != nil {
		return vault.User{}, err
	}
	u.ID = ids.New()
	u.DateJoined = s.stamp()
	s.users[u.ID] = u
	rec.ObjectID = u.ID
	s.appendAudit(rec)
	return s.decorateUser(u), nil
}

func (s *Store) UpdateUser(_ context.Context, u vault.User, rec audit.Record) (vault.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[u.ID]
	if !ok {
		return vault.User{}, auth.ErrNotFound
	}
	if err := s.checkUser(u); err != nil {
		return vault.User{}, err
	}
	u.DateJoined = current.DateJoined
	s.users[u.ID] = u
	s.appendAudit(rec)
	return s.decorateUser(u), nil
}

func (s *Store) checkUser(u vault.User) error {
	for id, other := range s.users {
		if id != u.ID && strings.EqualFold(other.PortalLogin, u.PortalLogin) {
			return auth.ErrConflict
		}
	}
	if u.DepartmentID != "" {
		if _, ok := s.departments[u.DepartmentID]; !ok {
			return auth.ErrNotFound
		}
	}
	return nil
}

func (s *Store) GetUser(_ context.Context, scope auth.Scope, id string) (vault.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || !scope.SeesUser(u.Facts()) {
		return vault.User{}, auth.ErrNotFound
	}
	return s.decorateUser(u), nil
}

func (s *Store) ListUsers(_ context.Context, scope auth.Scope) ([]vault.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.User{}
	for _, u := range s.users {
		if scope.SeesUser(u.Facts()) {
			out = append(out, s.decorateUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PortalLogin < out[j].PortalLogin })
	return out, nil
}

func (s *Store) UserByLogin(_ context.Context, login string) (vault.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.PortalLogin == login {
			return s.decorateUser(u), nil
		}
	}
	return vault.User{}, auth.ErrNotFound
}

func (s *Store) ReviewerEmails(_ context.Context, deptID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, u := range s.users {
		if !u.IsActive || u.Email == "" {
			continue
		}
		head := u.Role == auth.RoleHead && deptID != "" && u.DepartmentID == deptID
		if !u.IsSuperuser && !head {
			continue
		}
		if _, ok := seen[u.Email]; ok {
			continue
		}
		seen[u.Email] = struct{}{}
		out = append(out, u.Email)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) decorateUser(u vault.User) vault.User {
	if d, ok := s.departments[u.DepartmentID]; ok {
		u.Department = &d
	} else {
		u.Department = nil
	}
	return u
}

func (s *Store) userSummary(id string) *vault.UserSummary {
	if id == "" {
		return nil
	}
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return u.Summary()
}
