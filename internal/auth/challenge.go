package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"phoenixvault.io/internal/ids"
)

const (
	ChallengeChannelEmail = "email"

	defaultChallengeTTL         = 10 * time.Minute
	defaultChallengeMaxAttempts = 5
	challengeCodeDigits         = 6
	magicTokenBytes             = 32
	challengeSaltBytes          = 16
)

var (
	ErrChallengeNotFound      = fmt.Errorf("%w: challenge not found", ErrInvalidInput)
	ErrChallengeInactive      = fmt.Errorf("%w: challenge is expired or exhausted", ErrInvalidInput)
	ErrChallengeValueRequired = fmt.Errorf("%w: code or magic token is required", ErrInvalidInput)
	ErrChallengeMismatch      = fmt.Errorf("%w: invalid challenge", ErrInvalidInput)
)

// Challenge is a persisted login challenge. Only digests of the code and magic
// token are stored.
type Challenge struct {
	ID               string
	UserID           string
	Channel          string
	CodeDigest       string
	MagicTokenDigest string
	Salt             string
	ExpiresAt        time.Time
	ConsumedAt       *time.Time
	Attempts         int
	MaxAttempts      int
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
}

// IsActive reports whether the challenge can still be verified at now.
func (c Challenge) IsActive(now time.Time) bool {
	if c.ConsumedAt != nil {
		return false
	}
	if c.Attempts >= c.MaxAttempts {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// ChallengeStore persists challenges. ReplaceChallenge must consume every
// active challenge of the user and insert c atomically, serialised per user.
type ChallengeStore interface {
	ReplaceChallenge(ctx context.Context, c Challenge) (Challenge, error)
	LatestOpenChallenge(ctx context.Context, userID string) (Challenge, error)
	// IncrementChallengeAttempts and ConsumeChallenge re-check the stored
	// row: it must be unconsumed, below max attempts and unexpired at at.
	// Otherwise they change nothing and return ErrChallengeInactive.
	IncrementChallengeAttempts(ctx context.Context, id string, at time.Time) error
	ConsumeChallenge(ctx context.Context, id string, at time.Time) error
}

// IssuedChallenge carries the raw one-time values. They are never stored.
type IssuedChallenge struct {
	Challenge  Challenge
	Code       string
	MagicToken string
}

// Challenges implements the passwordless login challenge protocol.
type Challenges struct {
	store       ChallengeStore
	secret      string
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// ChallengeOption customises Challenges.
type ChallengeOption func(*Challenges) error

// WithChallengeTTL overrides the default ten minute lifetime.
func WithChallengeTTL(ttl time.Duration) ChallengeOption {
	return func(c *Challenges) error {
		if ttl <= 0 {
			return errors.New("challenge ttl must be positive")
		}
		c.ttl = ttl
		return nil
	}
}

// WithChallengeClock overrides the clock.
func WithChallengeClock(now func() time.Time) ChallengeOption {
	return func(c *Challenges) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		c.now = now
		return nil
	}
}

// WithChallengeIDs overrides the identifier generator.
func WithChallengeIDs(newID func() string) ChallengeOption {
	return func(c *Challenges) error {
		if newID == nil {
			return errors.New("id generator is nil")
		}
		c.newID = newID
		return nil
	}
}

// NewChallenges constructs the challenge protocol bound to the deployment secret.
func NewChallenges(store ChallengeStore, secret string, opts ...ChallengeOption) (*Challenges, error) {
	if store == nil {
		return nil, errors.New("challenge store is required")
	}
	c := &Challenges{
		store:       store,
		secret:      secret,
		ttl:         defaultChallengeTTL,
		maxAttempts: defaultChallengeMaxAttempts,
		now:         time.Now,
		newID:       ids.New,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TTL returns the configured challenge lifetime.
func (c *Challenges) TTL() time.Duration { return c.ttl }

// Issue invalidates the user's active challenges and creates a new one.
func (c *Challenges) Issue(ctx context.Context, userID, ipAddress, userAgent string) (IssuedChallenge, error) {
	if strings.TrimSpace(userID) == "" {
		return IssuedChallenge{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	code, err := randomDigits(challengeCodeDigits)
	if err != nil {
		return IssuedChallenge{}, err
	}
	magic, err := randomURLToken(magicTokenBytes)
	if err != nil {
		return IssuedChallenge{}, err
	}
	salt, err := randomHex(challengeSaltBytes)
	if err != nil {
		return IssuedChallenge{}, err
	}
	now := c.now().UTC()
	stored, err := c.store.ReplaceChallenge(ctx, Challenge{
		ID:               c.newID(),
		UserID:           userID,
		Channel:          ChallengeChannelEmail,
		CodeDigest:       c.digest(code, salt),
		MagicTokenDigest: c.digest(magic, salt),
		Salt:             salt,
		ExpiresAt:        now.Add(c.ttl),
		MaxAttempts:      c.maxAttempts,
		IPAddress:        ipAddress,
		UserAgent:        userAgent,
		CreatedAt:        now,
	})
	if err != nil {
		return IssuedChallenge{}, err
	}
	return IssuedChallenge{Challenge: stored, Code: code, MagicToken: magic}, nil
}

// Verify checks a code (preferred) or magic token against the latest open
// challenge. A successful verification consumes the challenge.
func (c *Challenges) Verify(ctx context.Context, userID, code, magicToken string) (Challenge, error) {
	ch, err := c.store.LatestOpenChallenge(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return Challenge{}, err
	}
	now := c.now().UTC()
	if !ch.IsActive(now) {
		return Challenge{}, ErrChallengeInactive
	}

	code = strings.TrimSpace(code)
	magicToken = strings.TrimSpace(magicToken)
	var ok bool
	switch {
	case code != "":
		ok = subtleCompare(c.digest(code, ch.Salt), ch.CodeDigest)
	case magicToken != "":
		ok = subtleCompare(c.digest(magicToken, ch.Salt), ch.MagicTokenDigest)
	default:
		return Challenge{}, ErrChallengeValueRequired
	}
	if !ok {
		if err := c.store.IncrementChallengeAttempts(ctx, ch.ID, now); err != nil {
			return Challenge{}, err
		}
		return Challenge{}, ErrChallengeMismatch
	}
	if err := c.store.ConsumeChallenge(ctx, ch.ID, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Challenge{}, ErrChallengeNotFound
		}
		return Challenge{}, err
	}
	ch.ConsumedAt = &now
	return ch, nil
}

func (c *Challenges) digest(value, salt string) string {
	sum := sha256.Sum256([]byte(value + ":" + salt + ":" + c.secret))
	return hex.EncodeToString(sum[:])
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func randomURLToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
