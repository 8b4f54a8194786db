package throttle

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"phoenixvault.io/internal/obs"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		in   string
		want Rate
		err  bool
	}{
		{"10/min", Rate{10, time.Minute}, false},
		{" 50/HOUR ", Rate{50, time.Hour}, false},
		{"20/day", Rate{20, 24 * time.Hour}, false},
		{"5/s", Rate{5, time.Second}, false},
		{"", Rate{}, false},
		{"off", Rate{}, false},
		{"10", Rate{}, true},
		{"x/min", Rate{}, true},
		{"10/fortnight", Rate{}, true},
	}
	for _, tc := range cases {
		got, err := ParseRate(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %+v, %v", tc.in, got, err)
		}
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMemoryLimiterPerKey(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(Rate{Limit: 2, Period: time.Minute}, c.now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := m.Allow(ctx, "10.0.0.1"); !d.Allowed {
			t.Fatalf("call %d should pass", i)
		}
	}
	d, err := m.Allow(ctx, "10.0.0.1")
	if err != nil || d.Allowed {
		t.Fatalf("third call should be throttled: %+v %v", d, err)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 30*time.Second {
		t.Fatalf("retry after = %s", d.RetryAfter)
	}
	if d, _ := m.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Fatalf("other key must not share the bucket")
	}

	c.t = c.t.Add(31 * time.Second)
	if d, _ := m.Allow(ctx, "10.0.0.1"); !d.Allowed {
		t.Fatalf("bucket should refill")
	}
}

func TestDisabledRateAlwaysAllows(t *testing.T) {
	m := NewMemory(Rate{}, nil)
	for i := 0; i < 100; i++ {
		if d, _ := m.Allow(context.Background(), "k"); !d.Allowed {
			t.Fatalf("disabled rate throttled")
		}
	}
}

func TestRedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{t: time.Date(2026, 1, 1, 10, 0, 10, 0, time.UTC)}
	l := NewRedis(client, "test", Rate{Limit: 2, Period: time.Minute}, c.now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "user-1")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: %+v %v", i, d, err)
		}
	}
	d, err := l.Allow(ctx, "user-1")
	if err != nil || d.Allowed {
		t.Fatalf("third call should be throttled: %+v %v", d, err)
	}
	if d.RetryAfter != 50*time.Second {
		t.Fatalf("retry after = %s", d.RetryAfter)
	}
	keys := mr.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "test:user-1:") {
		t.Fatalf("keys = %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}

	c.t = c.t.Add(time.Minute)
	if d, _ := l.Allow(ctx, "user-1"); !d.Allowed {
		t.Fatalf("next window should allow")
	}
}

type stubLimiter struct {
	allowFn func(ctx context.Context, key string) (Decision, error)
}

func (s stubLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return s.allowFn(ctx, key)
}

func TestPolicyFailsOpenAndTakesLongestWait(t *testing.T) {
	var logs bytes.Buffer
	defer obs.CaptureLogs(&logs)()

	broken := stubLimiter{allowFn: func(context.Context, string) (Decision, error) {
		return Decision{}, errors.New("redis down")
	}}
	p := NewPolicy("login_burst", broken, nil)
	if d := p.Allow(context.Background(), "ip"); !d.Allowed {
		t.Fatalf("limiter errors must fail open")
	}
	if !strings.Contains(logs.String(), "throttle check failed") {
		t.Fatalf("failure not logged")
	}

	short := stubLimiter{allowFn: func(context.Context, string) (Decision, error) {
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}}
	long := stubLimiter{allowFn: func(context.Context, string) (Decision, error) {
		return Decision{Allowed: false, RetryAfter: time.Hour}, nil
	}}
	d := NewPolicy("login", short, long).Allow(context.Background(), "ip")
	if d.Allowed || d.RetryAfter != time.Hour {
		t.Fatalf("decision = %+v", d)
	}

	var nilPolicy *Policy
	if d := nilPolicy.Allow(context.Background(), "ip"); !d.Allowed {
		t.Fatalf("nil policy should allow")
	}
}
