package memory

import (
	"context"
	"sort"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

func (s *Store) CreateAccess(_ context.Context, a vault.ServiceAccess, rec audit.Record) (vault.ServiceAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAccess(a); err != nil {
		return vault.ServiceAccess{}, err
	}
	now := s.stamp()
	a.ID = ids.New()
	a.CreatedAt, a.UpdatedAt = now, now
	s.accesses[a.ID] = a
	rec.ObjectID = a.ID
	s.appendAudit(rec)
	return s.decorateAccess(a), nil
}

func (s *Store) UpdateAccess(_ context.Context, a vault.ServiceAccess, rec audit.Record) (vault.ServiceAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.accesses[a.ID]
	if !ok {
		return vault.ServiceAccess{}, auth.ErrNotFound
	}
	if err := s.checkAccess(a); err != nil {
		return vault.ServiceAccess{}, err
	}
	a.CreatedAt = current.CreatedAt
	a.UpdatedAt = s.stamp()
	s.accesses[a.ID] = a
	s.appendAudit(rec)
	return s.decorateAccess(a), nil
}

func (s *Store) checkAccess(a vault.ServiceAccess) error {
	if _, ok := s.users[a.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.services[a.ServiceID]; !ok {
		return auth.ErrNotFound
	}
	for id, other := range s.accesses {
		if id != a.ID && other.UserID == a.UserID && other.ServiceID == a.ServiceID {
			return auth.ErrConflict
		}
	}
	return nil
}

func (s *Store) GetAccess(_ context.Context, scope auth.Scope, id string) (vault.ServiceAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accesses[id]
	if !ok || !s.seesAccess(scope, a) {
		return vault.ServiceAccess{}, auth.ErrNotFound
	}
	return s.decorateAccess(a), nil
}

func (s *Store) ListAccesses(_ context.Context, scope auth.Scope) ([]vault.ServiceAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.ServiceAccess{}
	for _, a := range s.accesses {
		if s.seesAccess(scope, a) {
			out = append(out, s.decorateAccess(a))
		}
	}
	sortByID(out, func(a vault.ServiceAccess) string { return a.ID })
	return out, nil
}

func (s *Store) seesAccess(scope auth.Scope, a vault.ServiceAccess) bool {
	owner := s.users[a.UserID]
	return scope.SeesAccess(auth.OwnedFacts{
		OwnerID:           a.UserID,
		OwnerDepartmentID: owner.DepartmentID,
		IsActive:          a.IsActive,
		ServiceActive:     s.services[a.ServiceID].IsActive,
	})
}

func (s *Store) decorateAccess(a vault.ServiceAccess) vault.ServiceAccess {
	a.User = s.userSummary(a.UserID)
	a.Service = s.serviceSummary(a.ServiceID)
	return a
}

// activeAccess must be called with the lock held.
func (s *Store) activeAccess(userID, serviceID string) bool {
	if userID == "" {
		return false
	}
	for _, a := range s.accesses {
		if a.UserID == userID && a.ServiceID == serviceID {
			return a.IsActive
		}
	}
	return false
}

// syncAccess upserts the (user, service) access with the given state.
func (s *Store) syncAccess(userID, serviceID string, active bool) {
	now := s.stamp()
	for id, a := range s.accesses {
		if a.UserID == userID && a.ServiceID == serviceID {
			a.IsActive = active
			a.UpdatedAt = now
			s.accesses[id] = a
			return
		}
	}
	a := vault.ServiceAccess{ID: ids.New(), UserID: userID, ServiceID: serviceID, IsActive: active, CreatedAt: now, UpdatedAt: now}
	s.accesses[a.ID] = a
}

func (s *Store) CreateAccessRequest(_ context.Context, r vault.AccessRequest, rec audit.Record) (vault.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[r.RequesterID]; !ok {
		return vault.AccessRequest{}, auth.ErrNotFound
	}
	if _, ok := s.services[r.ServiceID]; !ok {
		return vault.AccessRequest{}, auth.ErrNotFound
	}
	if r.Status == vault.StatusPending {
		for _, other := range s.requests {
			if other.Status == vault.StatusPending && other.RequesterID == r.RequesterID && other.ServiceID == r.ServiceID {
				return vault.AccessRequest{}, auth.ErrConflict
			}
		}
	}
	r.ID = ids.New()
	if r.RequestedAt.IsZero() {
		r.RequestedAt = s.stamp()
	}
	s.requests[r.ID] = r
	rec.ObjectID = r.ID
	s.appendAudit(rec)
	return s.decorateRequest(r), nil
}

func (s *Store) TransitionAccessRequest(_ context.Context, r vault.AccessRequest, from vault.RequestStatus, grant bool, rec audit.Record) (vault.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[r.ID]
	if !ok {
		return vault.AccessRequest{}, auth.ErrNotFound
	}
	if current.Status != from {
		return vault.AccessRequest{}, auth.ErrConflict
	}
	current.Status = r.Status
	current.ReviewerID = r.ReviewerID
	current.ReviewComment = r.ReviewComment
	current.ReviewedAt = r.ReviewedAt
	s.requests[r.ID] = current
	if grant {
		s.syncAccess(current.RequesterID, current.ServiceID, true)
	}
	s.appendAudit(rec)
	return s.decorateRequest(current), nil
}

func (s *Store) GetAccessRequest(_ context.Context, scope auth.Scope, id string) (vault.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok || !s.seesRequest(scope, r) {
		return vault.AccessRequest{}, auth.ErrNotFound
	}
	return s.decorateRequest(r), nil
}

func (s *Store) ListAccessRequests(_ context.Context, scope auth.Scope, status vault.RequestStatus) ([]vault.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.AccessRequest{}
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		if s.seesRequest(scope, r) {
			out = append(out, s.decorateRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) seesRequest(scope auth.Scope, r vault.AccessRequest) bool {
	return scope.SeesAccessRequest(auth.RequestFacts{
		RequesterID:           r.RequesterID,
		RequesterDepartmentID: s.users[r.RequesterID].DepartmentID,
	})
}

func (s *Store) decorateRequest(r vault.AccessRequest) vault.AccessRequest {
	r.Requester = s.userSummary(r.RequesterID)
	r.Reviewer = s.userSummary(r.ReviewerID)
	r.Service = s.serviceSummary(r.ServiceID)
	return r
}
