package memory

import (
	"context"
	"fmt"
	"sort"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

func (s *Store) CreateCredential(_ context.Context, c vault.Credential, changedBy string, rec audit.Record) (vault.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCredential(c); err != nil {
		return vault.Credential{}, err
	}
	sealed, err := s.codec.Encode(c.Password)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("encode password: %w", err)
	}
	now := s.stamp()
	c.ID = ids.New()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Password = sealed
	s.credentials[c.ID] = c
	s.syncAccess(c.UserID, c.ServiceID, c.IsActive)
	s.snapshot(c, vault.ChangeCreate, changedBy)
	rec.ObjectID = c.ID
	s.appendAudit(rec)
	return s.decorateCredential(c), nil
}

func (s *Store) UpdateCredential(_ context.Context, c vault.Credential, change vault.ChangeType, changedBy string, rec audit.Record) (vault.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.credentials[c.ID]
	if !ok {
		return vault.Credential{}, auth.ErrNotFound
	}
	if err := s.checkCredential(c); err != nil {
		return vault.Credential{}, err
	}
	sealed, err := s.codec.Encode(c.Password)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("encode password: %w", err)
	}
	c.CreatedAt = current.CreatedAt
	c.UpdatedAt = s.stamp()
	c.Password = sealed
	s.credentials[c.ID] = c
	s.syncAccess(c.UserID, c.ServiceID, c.IsActive)
	s.snapshot(c, change, changedBy)
	s.appendAudit(rec)
	return s.decorateCredential(c), nil
}

func (s *Store) checkCredential(c vault.Credential) error {
	if _, ok := s.users[c.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.services[c.ServiceID]; !ok {
		return auth.ErrNotFound
	}
	for id, other := range s.credentials {
		if id != c.ID && other.UserID == c.UserID && other.ServiceID == c.ServiceID {
			return auth.ErrConflict
		}
	}
	return nil
}

// snapshot appends the next version of a stored (encoded) credential.
func (s *Store) snapshot(c vault.Credential, change vault.ChangeType, changedBy string) {
	history := s.versions[c.ID]
	s.versions[c.ID] = append(history, vault.CredentialVersion{
		ID:           ids.New(),
		CredentialID: c.ID,
		Version:      len(history) + 1,
		Login:        c.Login,
		Password:     c.Password,
		Notes:        c.Notes,
		IsActive:     c.IsActive,
		SecretType:   c.SecretType,
		Metadata:     c.Metadata(),
		ChangeType:   change,
		ChangedBy:    changedBy,
		CreatedAt:    s.stamp(),
	})
}

func (s *Store) GetCredential(_ context.Context, scope auth.Scope, id string) (vault.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok || !s.seesCredential(scope, c) {
		return vault.Credential{}, auth.ErrNotFound
	}
	return s.decorateCredential(c), nil
}

func (s *Store) ListCredentials(_ context.Context, scope auth.Scope) ([]vault.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []vault.Credential{}
	for _, c := range s.credentials {
		if s.seesCredential(scope, c) {
			out = append(out, s.decorateCredential(c))
		}
	}
	sortByID(out, func(c vault.Credential) string { return c.ID })
	return out, nil
}

func (s *Store) ListCredentialVersions(_ context.Context, credentialID string) ([]vault.CredentialVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.versions[credentialID]
	out := make([]vault.CredentialVersion, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		v := history[i]
		v.Password = s.codec.Decode(v.Password)
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) CredentialBatch(_ context.Context, afterID string, limit int) ([]vault.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]vault.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		if c.ID > afterID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	for i := range all {
		all[i].Password = s.codec.Decode(all[i].Password)
	}
	return all, nil
}

func (s *Store) RotateCredential(_ context.Context, c vault.Credential, snapshot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.credentials[c.ID]
	if !ok {
		return auth.ErrNotFound
	}
	sealed, err := s.codec.Encode(c.Password)
	if err != nil {
		return fmt.Errorf("encode password: %w", err)
	}
	current.Password = sealed
	current.UpdatedAt = s.stamp()
	s.credentials[c.ID] = current
	if snapshot {
		s.snapshot(current, vault.ChangeRotate, "")
	}
	return nil
}

// StoredPassword returns the encoded password column of a credential.
func (s *Store) StoredPassword(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	return c.Password, ok
}

func (s *Store) seesCredential(scope auth.Scope, c vault.Credential) bool {
	return scope.SeesCredential(auth.OwnedFacts{
		OwnerID:           c.UserID,
		OwnerDepartmentID: s.users[c.UserID].DepartmentID,
		IsActive:          c.IsActive,
		ServiceActive:     s.services[c.ServiceID].IsActive,
		ActorHasAccess:    s.activeAccess(c.UserID, c.ServiceID),
	})
}

func (s *Store) decorateCredential(c vault.Credential) vault.Credential {
	c.Password = s.codec.Decode(c.Password)
	c.LatestVersion = len(s.versions[c.ID])
	c.User = s.userSummary(c.UserID)
	c.Service = s.serviceSummary(c.ServiceID)
	return c
}
