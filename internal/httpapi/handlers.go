package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/obs"
	"phoenixvault.io/internal/throttle"
	"phoenixvault.io/internal/vault"
)

const (
	serviceName         = "phoenix-vault"
	defaultMaxBodyBytes = 1 << 20
)

// readinessChecker reports whether the API can serve traffic.
type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a plain function, e.g. (*vault.Vault).Ready, to a readiness probe.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Authenticator runs logins and resolves bearer tokens.
type Authenticator interface {
	Login(ctx context.Context, in vault.LoginInput) (vault.LoginResult, error)
	Authenticate(ctx context.Context, token string) (auth.Actor, error)
}

// Options wires the API.
type Options struct {
	Version string
	Vault   *vault.Vault
	Auth    Authenticator
	Ready   readinessChecker
	// LoginThrottle is keyed by client IP; AccessRequestThrottle by actor id.
	LoginThrottle         *throttle.Policy
	AccessRequestThrottle *throttle.Policy
	MaxBodyBytes          int64
	AllowedOrigins        []string
}

// API is the HTTP layer.
type API struct {
	mux            *http.ServeMux
	vault          *vault.Vault
	auth           Authenticator
	readyProbe     readinessChecker
	version        string
	loginThrottle  *throttle.Policy
	requestLimit   *throttle.Policy
	maxBodyBytes   int64
	allowedOrigins []string
	resources      map[string]resource
}

func New(opts Options) (*API, error) {
	if opts.Vault == nil {
		return nil, errors.New("vault service is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if opts.Ready == nil {
		opts.Ready = ReadyFunc(opts.Vault.Ready)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	a := &API{
		mux:            http.NewServeMux(),
		vault:          opts.Vault,
		auth:           opts.Auth,
		readyProbe:     opts.Ready,
		version:        opts.Version,
		loginThrottle:  opts.LoginThrottle,
		requestLimit:   opts.AccessRequestThrottle,
		maxBodyBytes:   opts.MaxBodyBytes,
		allowedOrigins: opts.AllowedOrigins,
	}
	a.resources = a.vaultResources()

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/api/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/me", a.handleMe)
	for name := range a.resources {
		a.mux.HandleFunc("/api/"+name, a.handleResource)
		a.mux.HandleFunc("/api/"+name+"/", a.handleResource)
	}
	a.mux.HandleFunc("/api/access-requests", a.handleAccessRequests)
	a.mux.HandleFunc("/api/access-requests/", a.handleAccessRequest)
	a.mux.HandleFunc("/api/audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("/api/audit-logs/", a.handleAuditLog)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	return a, nil
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.allowedOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	payload := map[string]any{
		"error": msg,
		"kind":  kind,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// handleError maps domain error kinds onto HTTP statuses. Unknown errors are
// logged and answered with a generic message.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="phoenix-vault"`)
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, auth.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		obs.Logger().Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeBody decodes into dst and answers 400 itself on failure.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst, a.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}
