package memory

import (
	"context"
	"sort"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

func (s *Store) CreateDepartment(_ context.Context, d vault.Department, rec audit.Record) (vault.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departmentNameTaken(d) {
		return vault.Department{}, auth.ErrConflict
	}
	d.ID = ids.New()
	d.CreatedAt = s.stamp()
	s.departments[d.ID] = d
	rec.ObjectID = d.ID
	s.appendAudit(rec)
	return d, nil
}

func (s *Store) UpdateDepartment(_ context.Context, d vault.Department, rec audit.Record) (vault.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.departments[d.ID]
	if !ok {
		return vault.Department{}, auth.ErrNotFound
	}
	if s.departmentNameTaken(d) {
		return vault.Department{}, auth.ErrConflict
	}
	d.CreatedAt = current.CreatedAt
	s.departments[d.ID] = d
	s.appendAudit(rec)
	return d, nil
}

func (s *Store) departmentNameTaken(d vault.Department) bool {
	for id, other := range s.departments {
		if id != d.ID && other.Name == d.Name {
			return true
		}
	}
	return false
}

func (s *Store) GetDepartment(_ context.Context, scope auth.Scope, id string) (vault.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.departments[id]
	if !ok || !scope.SeesDepartment(id) {
		return vault.Department{}, auth.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDepartments(_ context.Context, scope auth.Scope) ([]vault.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.Department{}
	for id, d := range s.departments {
		if scope.SeesDepartment(id) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) CreateService(_ context.Context, svc vault.Service, rec audit.Record) (vault.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkService(svc); err != nil {
		return vault.Service{}, err
	}
	svc.ID = ids.New()
	svc.CreatedAt = s.stamp()
	s.services[svc.ID] = svc
	rec.ObjectID = svc.ID
	s.appendAudit(rec)
	return s.decorateService(svc), nil
}

func (s *Store) UpdateService(_ context.Context, svc vault.Service, rec audit.Record) (vault.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.services[svc.ID]
	if !ok {
		return vault.Service{}, auth.ErrNotFound
	}
	if err := s.checkService(svc); err != nil {
		return vault.Service{}, err
	}
	svc.CreatedAt = current.CreatedAt
	s.services[svc.ID] = svc
	s.appendAudit(rec)
	return s.decorateService(svc), nil
}

func (s *Store) checkService(svc vault.Service) error {
	for id, other := range s.services {
		if id != svc.ID && other.Name == svc.Name && other.URL == svc.URL {
			return auth.ErrConflict
		}
	}
	if svc.DepartmentID != "" {
		if _, ok := s.departments[svc.DepartmentID]; !ok {
			return auth.ErrNotFound
		}
	}
	return nil
}

func (s *Store) GetService(_ context.Context, scope auth.Scope, id string) (vault.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok || !s.seesService(scope, svc) {
		return vault.Service{}, auth.ErrNotFound
	}
	return s.decorateService(svc), nil
}

func (s *Store) ListServices(_ context.Context, scope auth.Scope) ([]vault.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.Service{}
	for _, svc := range s.services {
		if s.seesService(scope, svc) {
			out = append(out, s.decorateService(svc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) seesService(scope auth.Scope, svc vault.Service) bool {
	return scope.SeesService(auth.ServiceFacts{
		DepartmentID:   svc.DepartmentID,
		IsActive:       svc.IsActive,
		ActorHasAccess: s.activeAccess(scope.ActorID, svc.ID),
	})
}

func (s *Store) decorateService(svc vault.Service) vault.Service {
	if d, ok := s.departments[svc.DepartmentID]; ok {
		svc.Department = &d
	} else {
		svc.Department = nil
	}
	return svc
}

func (s *Store) serviceSummary(id string) *vault.ServiceSummary {
	svc, ok := s.services[id]
	if !ok {
		return nil
	}
	return svc.Summary()
}
