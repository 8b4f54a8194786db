package auth

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

type memChallengeStore struct {
	mu   sync.Mutex
	rows map[string]*Challenge
}

func newMemChallengeStore() *memChallengeStore {
	return &memChallengeStore{rows: map[string]*Challenge{}}
}

func (m *memChallengeStore) ReplaceChallenge(_ context.Context, c Challenge) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UserID == c.UserID && row.ConsumedAt == nil && row.ExpiresAt.After(c.CreatedAt) {
			at := c.CreatedAt
			row.ConsumedAt = &at
		}
	}
	cp := c
	m.rows[c.ID] = &cp
	return c, nil
}

func (m *memChallengeStore) LatestOpenChallenge(_ context.Context, userID string) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []*Challenge
	for _, row := range m.rows {
		if row.UserID == userID && row.ConsumedAt == nil {
			open = append(open, row)
		}
	}
	if len(open) == 0 {
		return Challenge{}, ErrNotFound
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID > open[j].ID })
	return *open[0], nil
}

func (m *memChallengeStore) IncrementChallengeAttempts(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	if row == nil {
		return ErrNotFound
	}
	if !row.IsActive(at) {
		return ErrChallengeInactive
	}
	row.Attempts++
	return nil
}

func (m *memChallengeStore) ConsumeChallenge(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	if row == nil {
		return ErrNotFound
	}
	if !row.IsActive(at) {
		return ErrChallengeInactive
	}
	row.ConsumedAt = &at
	return nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newTestChallenges(t *testing.T, clock *fixedClock) (*Challenges, *memChallengeStore) {
	t.Helper()
	store := newMemChallengeStore()
	seq := 0
	ch, err := NewChallenges(store, "deployment-secret",
		WithChallengeClock(clock.Now),
		WithChallengeIDs(func() string { seq++; return strconv.Itoa(100 + seq) }),
	)
	if err != nil {
		t.Fatalf("NewChallenges: %v", err)
	}
	return ch, store
}

func TestChallengeIssueStoresDigestsOnly(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch, store := newTestChallenges(t, clock)

	issued, err := ch.Issue(context.Background(), "u1", "10.0.0.1", "curl")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(issued.Code) != 6 {
		t.Fatalf("expected 6 digit code, got %q", issued.Code)
	}
	if _, err := strconv.Atoi(issued.Code); err != nil {
		t.Fatalf("code is not numeric: %q", issued.Code)
	}
	if len(issued.MagicToken) != 43 {
		t.Fatalf("expected 43 char magic token, got %d", len(issued.MagicToken))
	}
	row := store.rows[issued.Challenge.ID]
	if row.CodeDigest == issued.Code || row.MagicTokenDigest == issued.MagicToken {
		t.Fatalf("raw values persisted")
	}
	if len(row.Salt) != 32 {
		t.Fatalf("expected 32 hex salt, got %q", row.Salt)
	}
	if !row.ExpiresAt.Equal(clock.t.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", row.ExpiresAt)
	}
	if row.MaxAttempts != 5 || row.Channel != ChallengeChannelEmail {
		t.Fatalf("unexpected defaults: %+v", row)
	}
}

func TestChallengeVerifyCodeAndReplay(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch, _ := newTestChallenges(t, clock)
	ctx := context.Background()

	issued, err := ch.Issue(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ch.Verify(ctx, "u1", " "+issued.Code+" ", ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := ch.Verify(ctx, "u1", issued.Code, ""); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected replay to fail with not found, got %v", err)
	}
}

func TestChallengeVerifyMagicToken(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch, _ := newTestChallenges(t, clock)
	ctx := context.Background()

	issued, err := ch.Issue(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ch.Verify(ctx, "u1", "", ""); !errors.Is(err, ErrChallengeValueRequired) {
		t.Fatalf("expected value required, got %v", err)
	}
	if _, err := ch.Verify(ctx, "u1", "", issued.MagicToken); err != nil {
		t.Fatalf("Verify magic token: %v", err)
	}
}

func TestChallengeSecondIssueInvalidatesFirst(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch, store := newTestChallenges(t, clock)
	ctx := context.Background()

	first, err := ch.Issue(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Issue first: %v", err)
	}
	clock.t = clock.t.Add(time.Second)
	second, err := ch.Issue(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Issue second: %v", err)
	}
	if store.rows[first.Challenge.ID].ConsumedAt == nil {
		t.Fatalf("first challenge should be consumed")
	}
	if first.Code != second.Code {
		if _, err := ch.Verify(ctx, "u1", first.Code, ""); !errors.Is(err, ErrChallengeMismatch) {
			t.Fatalf("expected first code to be rejected, got %v", err)
		}
	}
	if _, err := ch.Verify(ctx, "u1", "", first.MagicToken); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected first magic token to be rejected, got %v", err)
	}
	if _, err := ch.Verify(ctx, "u1", "", second.MagicToken); err != nil {
		t.Fatalf("second challenge should verify: %v", err)
	}
}

func TestChallengeAttemptExhaustion(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch, _ := newTestChallenges(t, clock)
	ctx := context.Background()

	issued, err := ch.Issue(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wrong := "wrong-token"
	for i := 0; i < 5; i++ {
		if _, err := ch.Verify(ctx, "u1", "", wrong); !errors.Is(err, ErrChallengeMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i+1, err)
		}
	}
	if _, err := ch.Verify(ctx, "u1", issued.Code, ""); !errors.Is(err, ErrChallengeInactive) {
		t.Fatalf("expected exhausted challenge, got %v", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch, _ := newTestChallenges(t, clock)
	ctx := context.Background()

	issued, err := ch.Issue(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock.t = clock.t.Add(10 * time.Minute)
	if _, err := ch.Verify(ctx, "u1", issued.Code, ""); !errors.Is(err, ErrChallengeInactive) {
		t.Fatalf("expected expired challenge, got %v", err)
	}
	if _, err := ch.Verify(ctx, "u2", issued.Code, ""); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestChallengeDigestBoundToSecret(t *testing.T) {
	a := &Challenges{secret: "one"}
	b := &Challenges{secret: "two"}
	if a.digest("123456", "salt") == b.digest("123456", "salt") {
		t.Fatalf("digest must depend on the deployment secret")
	}
	if len(a.digest("123456", "salt")) != 64 {
		t.Fatalf("expected hex sha256 digest")
	}
}
