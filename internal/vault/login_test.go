package vault_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/vault"
)

func newAuthenticator(t *testing.T, f *fixture, policy vault.LoginPolicy) *vault.Authenticator {
	t.Helper()
	challenges, err := auth.NewChallenges(f.store, "challenge-secret", auth.WithChallengeClock(f.clock.Now))
	if err != nil {
		t.Fatalf("challenges: %v", err)
	}
	sessions, err := auth.NewSessions("session-secret", time.Hour, f.clock.Now)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	a, err := vault.NewAuthenticator(f.store, challenges, sessions, f.mail, policy)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	return a
}

func (f *fixture) userWithPassword(t *testing.T, login, password string) {
	t.Helper()
	if _, err := f.svc.CreateUser(f.ctx, f.headA, vault.UserInput{
		PortalLogin: &login,
		Email:       strPtr(login + "@example.org"),
		Password:    &password,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestLoginWithPasswordAndChallenge(t *testing.T) {
	f := newFixture(t)
	f.userWithPassword(t, "dana", "correct horse")
	a := newAuthenticator(t, f, vault.LoginPolicy{ChallengeEnabled: true, Debug: true})

	if _, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "dana", Password: "wrong"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("wrong password should fail, got %v", err)
	}
	if _, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "nobody", Password: "x"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("unknown user should fail, got %v", err)
	}

	step, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "dana", Password: "correct horse"})
	if err != nil {
		t.Fatalf("first step: %v", err)
	}
	if step.Challenge == nil || step.Token != "" {
		t.Fatalf("expected a challenge, got %+v", step)
	}
	if len(step.Challenge.DebugCode) != 6 || step.Challenge.DebugMagicToken == "" {
		t.Fatalf("debug values missing: %+v", step.Challenge)
	}
	m := f.mail.last(t)
	if len(m.to) != 1 || m.to[0] != "dana@example.org" || !strings.Contains(m.body, step.Challenge.DebugCode) {
		t.Fatalf("code mail: %+v", m)
	}

	done, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "dana", Password: "correct horse", Code: step.Challenge.DebugCode})
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if done.Token == "" || done.Challenge != nil {
		t.Fatalf("expected a session, got %+v", done)
	}
	actor, err := a.Authenticate(f.ctx, done.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if actor.PortalLogin != "dana" || actor.DepartmentID != f.deptA.ID {
		t.Fatalf("actor = %+v", actor)
	}

	if _, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "dana", Password: "correct horse", Code: step.Challenge.DebugCode}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("replayed code should fail, got %v", err)
	}

	if err := f.svc.DisableUser(f.ctx, f.headA, actor.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := a.Authenticate(f.ctx, done.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("disabled user token should be rejected, got %v", err)
	}
	if _, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "dana", Password: "correct horse"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("disabled user login should fail, got %v", err)
	}
}

func TestPasswordlessLogin(t *testing.T) {
	f := newFixture(t)
	a := newAuthenticator(t, f, vault.LoginPolicy{
		AllowPasswordless: true,
		PasswordlessRoles: []auth.Role{auth.RoleEmployee},
	})

	res, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "alice"})
	if err != nil {
		t.Fatalf("passwordless employee: %v", err)
	}
	if res.Token == "" {
		t.Fatalf("expected token without challenge step")
	}
	if _, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "head-a"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("role outside passwordless list should fail, got %v", err)
	}
	if _, err := a.Login(f.ctx, vault.LoginInput{PortalLogin: "root"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("superuser is never passwordless, got %v", err)
	}
	if _, err := a.Login(f.ctx, vault.LoginInput{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("missing portal_login should fail, got %v", err)
	}

	if _, err := a.Authenticate(f.ctx, "garbage"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("garbage token should be invalid, got %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	if _, err := a.Authenticate(f.ctx, res.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expired token should be invalid, got %v", err)
	}
}
