package httpapi

import (
	"net/http"
	"time"

	"phoenixvault.io/internal/vault"
)

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      vault.User `json:"user"`
}

type challengeResponse struct {
	Detail    string               `json:"detail"`
	Challenge *vault.ChallengeInfo `json:"challenge"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !allowRequest(w, r, a.loginThrottle, clientIP(r)) {
		return
	}

	var req vault.LoginInput
	if !a.decodeBody(w, r, &req) {
		return
	}
	res, err := a.auth.Login(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if res.Challenge != nil {
		writeJSON(w, http.StatusAccepted, challengeResponse{
			Detail:    "challenge required",
			Challenge: res.Challenge,
		})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		User:      res.User,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	me, err := a.vault.Me(r.Context(), actor)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}
