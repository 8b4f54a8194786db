package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/obs"
)

var errInvalidCredentials = fmt.Errorf("%w: invalid credentials", auth.ErrInvalidInput)

// LoginPolicy controls which identity and challenge steps a login runs.
type LoginPolicy struct {
	AllowPasswordless bool
	PasswordlessRoles []auth.Role
	ChallengeEnabled  bool
	// Debug echoes the one-time challenge values in the login response.
	Debug bool
}

func (p LoginPolicy) passwordless(u User) bool {
	if !p.AllowPasswordless || u.IsSuperuser {
		return false
	}
	for _, r := range p.PasswordlessRoles {
		if r == u.Role {
			return true
		}
	}
	return false
}

// LoginInput is the body of a login call.
type LoginInput struct {
	PortalLogin string `json:"portal_login"`
	Password    string `json:"password"`
	Code        string `json:"code"`
	MagicToken  string `json:"magic_token"`
}

// ChallengeInfo is returned when a login needs a second step.
type ChallengeInfo struct {
	Channel         string    `json:"channel"`
	ExpiresAt       time.Time `json:"expires_at"`
	DebugCode       string    `json:"debug_code,omitempty"`
	DebugMagicToken string    `json:"debug_magic_token,omitempty"`
}

// LoginResult is either a pending challenge or an issued session.
type LoginResult struct {
	Challenge *ChallengeInfo
	Token     string
	ExpiresAt time.Time
	User      User
}

// Authenticator runs the login protocol and resolves session tokens.
type Authenticator struct {
	store      Store
	challenges *auth.Challenges
	sessions   *auth.Sessions
	notifier   Notifier
	policy     LoginPolicy
}

// NewAuthenticator wires the login protocol. notifier may be nil.
func NewAuthenticator(store Store, challenges *auth.Challenges, sessions *auth.Sessions, notifier Notifier, policy LoginPolicy) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if sessions == nil {
		return nil, errors.New("sessions are required")
	}
	if policy.ChallengeEnabled && challenges == nil {
		return nil, errors.New("challenges are required when login challenges are enabled")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Authenticator{store: store, challenges: challenges, sessions: sessions, notifier: notifier, policy: policy}, nil
}

// Login authenticates the user and, when enabled, drives the challenge step.
func (a *Authenticator) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	login := strings.TrimSpace(in.PortalLogin)
	if login == "" {
		return LoginResult{}, fmt.Errorf("%w: portal_login is required", auth.ErrInvalidInput)
	}
	user, err := a.store.UserByLogin(ctx, login)
	if errors.Is(err, auth.ErrNotFound) {
		return LoginResult{}, errInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !user.IsActive {
		return LoginResult{}, errInvalidCredentials
	}

	if in.Password != "" {
		if !auth.VerifyPassword(user.PasswordHash, in.Password) {
			return LoginResult{}, errInvalidCredentials
		}
	} else if !a.policy.passwordless(user) {
		return LoginResult{}, errInvalidCredentials
	}

	if a.policy.ChallengeEnabled {
		code, magic := strings.TrimSpace(in.Code), strings.TrimSpace(in.MagicToken)
		if code == "" && magic == "" {
			return a.issueChallenge(ctx, user)
		}
		if _, err := a.challenges.Verify(ctx, user.ID, code, magic); err != nil {
			obs.ChallengeEvent("rejected")
			return LoginResult{}, err
		}
		obs.ChallengeEvent("verified")
	}

	token, expires, err := a.sessions.Issue(user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	rec := audit.NewRecord(ctx, user.ID, audit.ActionLogin, "User", user.ID, map[string]any{"portal_login": user.PortalLogin})
	if _, err := a.store.AppendAudit(ctx, rec); err != nil {
		obs.Logger().Warn().Err(err).Str("user_id", user.ID).Msg("login audit failed")
	} else {
		audit.LogEvent(ctx, rec)
	}
	return LoginResult{Token: token, ExpiresAt: expires, User: user}, nil
}

func (a *Authenticator) issueChallenge(ctx context.Context, user User) (LoginResult, error) {
	meta := audit.MetaFromContext(ctx)
	issued, err := a.challenges.Issue(ctx, user.ID, meta.IPAddress, meta.UserAgent)
	if err != nil {
		return LoginResult{}, err
	}
	obs.ChallengeEvent("issued")
	minutes := int(a.challenges.TTL() / time.Minute)
	a.notifier.Send(ctx,
		"Phoenix Vault login code",
		fmt.Sprintf("Your login code: %s\nMagic token: %s\nThe code expires in %d minutes.\n", issued.Code, issued.MagicToken, minutes),
		[]string{user.Email},
	)
	info := &ChallengeInfo{Channel: issued.Challenge.Channel, ExpiresAt: issued.Challenge.ExpiresAt}
	if a.policy.Debug {
		info.DebugCode = issued.Code
		info.DebugMagicToken = issued.MagicToken
	}
	return LoginResult{Challenge: info, User: user}, nil
}

// Authenticate resolves a bearer session token to an active actor.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (auth.Actor, error) {
	claims, err := a.sessions.Parse(token)
	if err != nil {
		return auth.Actor{}, err
	}
	user, err := a.store.GetUser(ctx, auth.SystemScope(), claims.Subject)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.Actor{}, auth.ErrInvalidToken
	}
	if err != nil {
		return auth.Actor{}, err
	}
	if !user.IsActive {
		return auth.Actor{}, auth.ErrInvalidToken
	}
	return user.Actor(), nil
}
