package memory

import (
	"context"
	"sort"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

func (s *Store) SharedDepartmentIDs(_ context.Context, userID string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, sh := range s.shares {
		if sh.GranteeID != userID || !sh.IsActive || !sh.ExpiresAt.After(now) {
			continue
		}
		if _, ok := seen[sh.DepartmentID]; ok {
			continue
		}
		seen[sh.DepartmentID] = struct{}{}
		out = append(out, sh.DepartmentID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpsertShare(_ context.Context, sh vault.DepartmentShare, rec audit.Record) (vault.DepartmentShare, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkShareRefs(sh); err != nil {
		return vault.DepartmentShare{}, false, err
	}
	now := s.stamp()
	for id, existing := range s.shares {
		if existing.DepartmentID != sh.DepartmentID || existing.GrantorID != sh.GrantorID || existing.GranteeID != sh.GranteeID {
			continue
		}
		existing.ExpiresAt = sh.ExpiresAt
		existing.IsActive = sh.IsActive
		existing.UpdatedAt = now
		s.shares[id] = existing
		rec.ObjectID = id
		rec.Action = audit.ActionUpdate
		rec.Metadata = map[string]any{"upsert": true}
		s.appendAudit(rec)
		return s.decorateShare(existing), false, nil
	}
	sh.ID = ids.New()
	sh.CreatedAt, sh.UpdatedAt = now, now
	s.shares[sh.ID] = sh
	rec.ObjectID = sh.ID
	s.appendAudit(rec)
	return s.decorateShare(sh), true, nil
}

func (s *Store) UpdateShare(_ context.Context, sh vault.DepartmentShare, rec audit.Record) (vault.DepartmentShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.shares[sh.ID]
	if !ok {
		return vault.DepartmentShare{}, auth.ErrNotFound
	}
	if err := s.checkShareRefs(sh); err != nil {
		return vault.DepartmentShare{}, err
	}
	for id, other := range s.shares {
		if id != sh.ID && other.DepartmentID == sh.DepartmentID && other.GrantorID == sh.GrantorID && other.GranteeID == sh.GranteeID {
			return vault.DepartmentShare{}, auth.ErrConflict
		}
	}
	sh.CreatedAt = current.CreatedAt
	sh.UpdatedAt = s.stamp()
	s.shares[sh.ID] = sh
	s.appendAudit(rec)
	return s.decorateShare(sh), nil
}

func (s *Store) checkShareRefs(sh vault.DepartmentShare) error {
	if _, ok := s.departments[sh.DepartmentID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.users[sh.GrantorID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.users[sh.GranteeID]; !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) GetShare(_ context.Context, scope auth.Scope, id string) (vault.DepartmentShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shares[id]
	if !ok || !scope.SeesShare(auth.ShareFacts{DepartmentID: sh.DepartmentID, GranteeID: sh.GranteeID}) {
		return vault.DepartmentShare{}, auth.ErrNotFound
	}
	return s.decorateShare(sh), nil
}

func (s *Store) ListShares(_ context.Context, scope auth.Scope) ([]vault.DepartmentShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.DepartmentShare{}
	for _, sh := range s.shares {
		if scope.SeesShare(auth.ShareFacts{DepartmentID: sh.DepartmentID, GranteeID: sh.GranteeID}) {
			out = append(out, s.decorateShare(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) decorateShare(sh vault.DepartmentShare) vault.DepartmentShare {
	if d, ok := s.departments[sh.DepartmentID]; ok {
		sh.Department = &d
	}
	sh.Grantor = s.userSummary(sh.GrantorID)
	sh.Grantee = s.userSummary(sh.GranteeID)
	return sh
}
