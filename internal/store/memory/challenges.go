package memory

import (
	"context"
	"time"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
)

func (s *Store) ReplaceChallenge(_ context.Context, c auth.Challenge) (auth.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[c.UserID]; !ok {
		return auth.Challenge{}, auth.ErrNotFound
	}
	now := s.stamp()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	for id, open := range s.challenges {
		if open.UserID == c.UserID && open.ConsumedAt == nil {
			consumed := c.CreatedAt
			open.ConsumedAt = &consumed
			s.challenges[id] = open
		}
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	s.challenges[c.ID] = c
	return c, nil
}

func (s *Store) LatestOpenChallenge(_ context.Context, userID string) (auth.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest auth.Challenge
		found  bool
	)
	for _, c := range s.challenges {
		if c.UserID != userID || c.ConsumedAt != nil {
			continue
		}
		if !found || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest, found = c, true
		}
	}
	if !found {
		return auth.Challenge{}, auth.ErrNotFound
	}
	return latest, nil
}

func (s *Store) IncrementChallengeAttempts(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return auth.ErrNotFound
	}
	if !c.IsActive(at) {
		return auth.ErrChallengeInactive
	}
	c.Attempts++
	s.challenges[id] = c
	return nil
}

func (s *Store) ConsumeChallenge(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return auth.ErrNotFound
	}
	if !c.IsActive(at) {
		return auth.ErrChallengeInactive
	}
	c.ConsumedAt = &at
	s.challenges[id] = c
	return nil
}

func (s *Store) DeleteExpiredChallenges(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.challenges {
		if c.ExpiresAt.Before(before) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}
