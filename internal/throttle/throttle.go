// Package throttle implements the request throttle policies: login burst and
// sustained limits per client IP and access-request creation per user.
package throttle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"phoenixvault.io/internal/obs"
)

// Rate allows Limit events per Period.
type Rate struct {
	Limit  int
	Period time.Duration
}

// Disabled reports whether the rate never throttles.
func (r Rate) Disabled() bool { return r.Limit <= 0 || r.Period <= 0 }

func (r Rate) String() string {
	if r.Disabled() {
		return "off"
	}
	return fmt.Sprintf("%d/%s", r.Limit, r.Period)
}

var periods = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
}

// ParseRate parses "10/min", "50/hour" or "20/day". An empty string or "off"
// yields a disabled rate.
func ParseRate(raw string) (Rate, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "off" || raw == "none" {
		return Rate{}, nil
	}
	num, unit, ok := strings.Cut(raw, "/")
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q: want N/period", raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n < 0 {
		return Rate{}, fmt.Errorf("invalid rate %q: bad count", raw)
	}
	period, ok := periods[strings.TrimSpace(unit)]
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q: unknown period %q", raw, unit)
	}
	return Rate{Limit: n, Period: period}, nil
}

// Decision is the outcome of one throttle check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter counts events per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Policy combines limiters under one scope name. Every limiter must allow the
// event. Limiter errors fail open.
type Policy struct {
	Scope    string
	limiters []Limiter
}

// NewPolicy builds a policy; nil limiters are skipped.
func NewPolicy(scope string, limiters ...Limiter) *Policy {
	p := &Policy{Scope: scope}
	for _, l := range limiters {
		if l != nil {
			p.limiters = append(p.limiters, l)
		}
	}
	return p
}

// Allow checks key against every limiter and returns the longest wait.
func (p *Policy) Allow(ctx context.Context, key string) Decision {
	if p == nil {
		return Decision{Allowed: true}
	}
	out := Decision{Allowed: true}
	for _, l := range p.limiters {
		d, err := l.Allow(ctx, key)
		if err != nil {
			obs.Logger().Warn().Err(err).Str("scope", p.Scope).Msg("throttle check failed, allowing")
			continue
		}
		if !d.Allowed {
			out.Allowed = false
			if d.RetryAfter > out.RetryAfter {
				out.RetryAfter = d.RetryAfter
			}
		}
	}
	if !out.Allowed {
		obs.Throttled(p.Scope)
	}
	return out
}
