package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resolver turns an actor into a visibility Scope, consulting the share graph.
type Resolver struct {
	shares ShareLookup
	now    func() time.Time
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver) error

// WithResolverClock overrides the clock used to evaluate share expiry.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		r.now = now
		return nil
	}
}

// NewResolver constructs a Resolver over the provided share lookup.
func NewResolver(shares ShareLookup, opts ...ResolverOption) (*Resolver, error) {
	if shares == nil {
		return nil, errors.New("share lookup is required")
	}
	r := &Resolver{shares: shares, now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SharedDepartmentIDs returns departments the user sees through active,
// unexpired shares. Expiry is evaluated on every call.
func (r *Resolver) SharedDepartmentIDs(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	ids, err := r.shares.SharedDepartmentIDs(ctx, userID, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve shared departments: %w", err)
	}
	return ids, nil
}

// VisibleDepartmentIDs returns own ∪ shared departments for the actor.
func (r *Resolver) VisibleDepartmentIDs(ctx context.Context, actor Actor) ([]string, error) {
	shared, err := r.SharedDepartmentIDs(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(shared)+1)
	if actor.DepartmentID != "" {
		out = append(out, actor.DepartmentID)
	}
	out = append(out, shared...)
	return dedupeStrings(out), nil
}

// Scope computes the visibility scope of actor.
func (r *Resolver) Scope(ctx context.Context, actor Actor) (Scope, error) {
	scope := Scope{ActorID: actor.ID, Class: actor.Class(), DepartmentID: actor.DepartmentID}
	switch scope.Class {
	case ClassAnonymous:
		return scope, ErrUnauthorized
	case ClassSuperuser:
		return scope, nil
	case ClassEmployee:
		if actor.DepartmentID != "" {
			scope.DepartmentIDs = []string{actor.DepartmentID}
		}
		return scope, nil
	}
	ids, err := r.VisibleDepartmentIDs(ctx, actor)
	if err != nil {
		return Scope{}, err
	}
	scope.DepartmentIDs = ids
	return scope, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
