package pg

import (
	"context"
	"database/sql"
	"time"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
)

func (s *Store) ReplaceChallenge(ctx context.Context, c auth.Challenge) (auth.Challenge, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return auth.Challenge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The user row lock serialises concurrent challenge requests.
	var locked string
	if err := tx.QueryRowContext(ctx, `select id from users where id = $1 for update`, c.UserID).Scan(&locked); err != nil {
		return auth.Challenge{}, readErr(err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	if _, err := tx.ExecContext(ctx, `
		update login_challenges set consumed_at = $2
		where user_id = $1 and consumed_at is null
	`, c.UserID, c.CreatedAt); err != nil {
		return auth.Challenge{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into login_challenges (id, user_id, channel, code_digest, magic_token_digest, salt,
		                              expires_at, attempts, max_attempts, ip_address, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.UserID, c.Channel, c.CodeDigest, c.MagicTokenDigest, c.Salt,
		c.ExpiresAt, c.Attempts, c.MaxAttempts, nullIfEmpty(c.IPAddress), nullIfEmpty(c.UserAgent), c.CreatedAt); err != nil {
		return auth.Challenge{}, writeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return auth.Challenge{}, err
	}
	return c, nil
}

func (s *Store) LatestOpenChallenge(ctx context.Context, userID string) (auth.Challenge, error) {
	if s.db == nil {
		return auth.Challenge{}, errNoDatabase
	}
	var (
		c        auth.Challenge
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, channel, code_digest, magic_token_digest, salt, expires_at, consumed_at,
		       attempts, max_attempts, coalesce(ip_address, ''), coalesce(user_agent, ''), created_at
		from login_challenges
		where user_id = $1 and consumed_at is null
		order by created_at desc, id desc
		limit 1
	`, userID).Scan(&c.ID, &c.UserID, &c.Channel, &c.CodeDigest, &c.MagicTokenDigest, &c.Salt, &c.ExpiresAt, &consumed,
		&c.Attempts, &c.MaxAttempts, &c.IPAddress, &c.UserAgent, &c.CreatedAt)
	if err != nil {
		return auth.Challenge{}, readErr(err)
	}
	c.ConsumedAt = timePtr(consumed)
	return c, nil
}

// The guards below repeat Challenge.IsActive in SQL so that concurrent
// verifications are decided by the row, not by the copy each caller read.

func (s *Store) IncrementChallengeAttempts(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDatabase
	}
	res, err := s.db.ExecContext(ctx, `
		update login_challenges set attempts = attempts + 1
		where id = $1 and consumed_at is null and attempts < max_attempts and expires_at > $2
	`, id, at)
	if err != nil {
		return err
	}
	return requireActiveChallenge(res)
}

func (s *Store) ConsumeChallenge(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDatabase
	}
	res, err := s.db.ExecContext(ctx, `
		update login_challenges set consumed_at = $2
		where id = $1 and consumed_at is null and attempts < max_attempts and expires_at > $2
	`, id, at)
	if err != nil {
		return err
	}
	return requireActiveChallenge(res)
}

func requireActiveChallenge(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrChallengeInactive
	}
	return nil
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDatabase
	}
	res, err := s.db.ExecContext(ctx, `delete from login_challenges where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
