package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/store/memory"
	"phoenixvault.io/internal/throttle"
	"phoenixvault.io/internal/vault"
)

const testPassword = "correct horse battery"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	dept    vault.Department
}

type testOptions struct {
	policy       vault.LoginPolicy
	requestLimit *throttle.Policy
}

func newTestAPI(t *testing.T, opts testOptions) *apiClient {
	t.Helper()

	codec, err := envelope.New(envelope.Keys{SecretKey: "http-test-secret"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	store, err := memory.New(codec)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	svc, err := vault.NewService(store, resolver)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	challenges, err := auth.NewChallenges(store, "challenge-secret")
	if err != nil {
		t.Fatalf("challenges: %v", err)
	}
	sessions, err := auth.NewSessions("session-secret", time.Hour, nil)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	authn, err := vault.NewAuthenticator(store, challenges, sessions, nil, opts.policy)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	api, err := New(Options{
		Version:               "test",
		Vault:                 svc,
		Auth:                  authn,
		AccessRequestThrottle: opts.requestLimit,
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c := &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, store: store}
	c.dept, err = store.CreateDepartment(context.Background(), vault.Department{Name: "Finance", IsActive: true},
		audit.Record{Action: audit.ActionCreate, ObjectType: "Department"})
	if err != nil {
		t.Fatalf("seed department: %v", err)
	}
	c.seedUser("root", auth.RoleHead, "", true)
	c.seedUser("head", auth.RoleHead, c.dept.ID, false)
	c.seedUser("alice", auth.RoleEmployee, c.dept.ID, false)
	return c
}

func (c *apiClient) seedUser(login string, role auth.Role, deptID string, superuser bool) vault.User {
	c.t.Helper()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	u, err := c.store.CreateUser(context.Background(), vault.User{
		PortalLogin:  login,
		Email:        login + "@example.org",
		Role:         role,
		DepartmentID: deptID,
		IsActive:     true,
		IsSuperuser:  superuser,
		PasswordHash: hash,
	}, audit.Record{Action: audit.ActionCreate, ObjectType: "User"})
	if err != nil {
		c.t.Fatalf("seed user %s: %v", login, err)
	}
	return u
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) login(user string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/auth/login", "", map[string]any{
		"portal_login": user,
		"password":     testPassword,
	})
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

// expect checks the status and decodes the body into T.
func expect[T any](t *testing.T, resp *http.Response, status int) T {
	t.Helper()
	if resp.StatusCode != status {
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("expected %d, got %d: %v", status, resp.StatusCode, body)
	}
	return decode[T](t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCredentialLifecycle(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	root := api.login("root")
	head := api.login("head")
	alice := api.login("alice")

	me := expect[vault.User](t, api.do(http.MethodGet, "/api/me", alice, nil), http.StatusOK)
	if me.PortalLogin != "alice" {
		t.Fatalf("unexpected me: %+v", me)
	}

	svc := expect[vault.Service](t, api.do(http.MethodPost, "/api/services", root, map[string]any{
		"name":          "Payroll",
		"url":           "https://payroll.example.org",
		"department_id": api.dept.ID,
	}), http.StatusCreated)

	cred := expect[vault.Credential](t, api.do(http.MethodPost, "/api/credentials", head, map[string]any{
		"user_id":    me.ID,
		"service_id": svc.ID,
		"login":      "alice.payroll",
		"password":   "s3cret",
	}), http.StatusCreated)
	if cred.Password != "s3cret" {
		t.Fatalf("expected plaintext password in response, got %q", cred.Password)
	}

	seen := expect[vault.Credential](t, api.do(http.MethodGet, "/api/credentials/"+cred.ID, alice, nil), http.StatusOK)
	if seen.Password != "s3cret" {
		t.Fatalf("owner should read the password, got %q", seen.Password)
	}
	stored, _ := api.store.StoredPassword(cred.ID)
	if stored == "" || strings.Contains(stored, "s3cret") {
		t.Fatalf("password must be stored encrypted, got %q", stored)
	}

	expect[vault.Credential](t, api.do(http.MethodPatch, "/api/credentials/"+cred.ID, head, map[string]any{
		"password": "rotated",
	}), http.StatusOK)
	versions := expect[[]vault.CredentialVersion](t, api.do(http.MethodGet, "/api/credentials/"+cred.ID+"/versions", head, nil), http.StatusOK)
	if len(versions) != 2 || versions[0].Version != 2 {
		t.Fatalf("expected two versions newest first, got %+v", versions)
	}

	resp := api.do(http.MethodDelete, "/api/credentials/"+cred.ID, head, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = api.do(http.MethodGet, "/api/credentials/"+cred.ID, alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled credential should be hidden from its owner, got %d", resp.StatusCode)
	}

	entries := expect[[]audit.Entry](t, api.do(http.MethodGet, "/api/audit-logs?object_type=Credential&limit=50", root, nil), http.StatusOK)
	if len(entries) == 0 {
		t.Fatal("expected credential audit entries")
	}
	entry := expect[audit.Entry](t, api.do(http.MethodGet, "/api/audit-logs/"+entries[0].ID, root, nil), http.StatusOK)
	if entry.ID != entries[0].ID {
		t.Fatalf("unexpected audit entry %+v", entry)
	}

	resp = api.do(http.MethodGet, "/api/audit-logs", alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("employee audit access should be 403, got %d", resp.StatusCode)
	}
}

func TestAccessRequestFlow(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	root := api.login("root")
	head := api.login("head")
	alice := api.login("alice")

	svc := expect[vault.Service](t, api.do(http.MethodPost, "/api/services", root, map[string]any{
		"name":          "Wiki",
		"url":           "https://wiki.example.org",
		"department_id": api.dept.ID,
	}), http.StatusCreated)

	req := expect[vault.AccessRequest](t, api.do(http.MethodPost, "/api/access-requests", alice, map[string]any{
		"service_id":    svc.ID,
		"justification": "onboarding",
	}), http.StatusCreated)
	if req.Status != vault.StatusPending {
		t.Fatalf("unexpected status %q", req.Status)
	}

	resp := api.do(http.MethodPost, "/api/access-requests", alice, map[string]any{"service_id": svc.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second pending request should conflict, got %d", resp.StatusCode)
	}

	resp = api.do(http.MethodPost, "/api/access-requests/"+req.ID+"/approve", alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("requester cannot approve, got %d", resp.StatusCode)
	}

	approved := expect[vault.AccessRequest](t, api.do(http.MethodPost, "/api/access-requests/"+req.ID+"/approve", head,
		map[string]any{"review_comment": "ok"}), http.StatusOK)
	if approved.Status != vault.StatusApproved || approved.ReviewComment != "ok" {
		t.Fatalf("unexpected approved request %+v", approved)
	}

	pending := expect[[]vault.AccessRequest](t, api.do(http.MethodGet, "/api/access-requests?status=pending", head, nil), http.StatusOK)
	if len(pending) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(pending))
	}

	accesses := expect[[]vault.ServiceAccess](t, api.do(http.MethodGet, "/api/accesses", alice, nil), http.StatusOK)
	if len(accesses) != 1 || accesses[0].ServiceID != svc.ID || !accesses[0].IsActive {
		t.Fatalf("approval should grant access, got %+v", accesses)
	}

	resp = api.do(http.MethodPost, "/api/access-requests/"+req.ID+"/cancel", alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reviewed request cannot be canceled, got %d", resp.StatusCode)
	}
}

func TestAccessRequestCreationIsThrottled(t *testing.T) {
	limit := throttle.NewPolicy("access_request", throttle.NewMemory(throttle.Rate{Limit: 1, Period: time.Hour}, nil))
	api := newTestAPI(t, testOptions{requestLimit: limit})
	root := api.login("root")
	alice := api.login("alice")

	svc := expect[vault.Service](t, api.do(http.MethodPost, "/api/services", root, map[string]any{
		"name": "CRM", "url": "https://crm.example.org", "department_id": api.dept.ID,
	}), http.StatusCreated)

	expect[vault.AccessRequest](t, api.do(http.MethodPost, "/api/access-requests", alice, map[string]any{"service_id": svc.ID}), http.StatusCreated)
	resp := api.do(http.MethodPost, "/api/access-requests", alice, map[string]any{"service_id": svc.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", resp.StatusCode)
	}
}

func TestLoginChallengeFlow(t *testing.T) {
	api := newTestAPI(t, testOptions{policy: vault.LoginPolicy{ChallengeEnabled: true, Debug: true}})

	step := expect[challengeResponse](t, api.do(http.MethodPost, "/api/auth/login", "", map[string]any{
		"portal_login": "alice",
		"password":     testPassword,
	}), http.StatusAccepted)
	if step.Challenge == nil || step.Challenge.DebugCode == "" {
		t.Fatalf("expected debug challenge, got %+v", step)
	}

	resp := api.do(http.MethodPost, "/api/auth/login", "", map[string]any{
		"portal_login": "alice",
		"password":     testPassword,
		"code":         "000000x",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong code should be rejected, got %d", resp.StatusCode)
	}

	tok := expect[tokenResponse](t, api.do(http.MethodPost, "/api/auth/login", "", map[string]any{
		"portal_login": "alice",
		"password":     testPassword,
		"code":         step.Challenge.DebugCode,
	}), http.StatusOK)
	if tok.Token == "" || tok.User.PortalLogin != "alice" {
		t.Fatalf("unexpected token response %+v", tok)
	}
}

func TestAPIErrors(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	root := api.login("root")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		kind   string
	}{
		{"no token", http.MethodGet, "/api/users", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"bad token", http.MethodGet, "/api/users", "garbage", nil, http.StatusUnauthorized, "unauthorized"},
		{"malformed id", http.MethodGet, "/api/users/not-an-id", root, nil, http.StatusNotFound, "not_found"},
		{"missing id", http.MethodGet, "/api/users/" + ids.New(), root, nil, http.StatusNotFound, "not_found"},
		{"unknown route", http.MethodGet, "/api/nothing", root, nil, http.StatusNotFound, "not_found"},
		{"unknown field", http.MethodPost, "/api/departments", root, map[string]any{"name": "X", "color": "red"}, http.StatusBadRequest, "validation_error"},
		{"validation", http.MethodPost, "/api/departments", root, map[string]any{"name": " "}, http.StatusBadRequest, "validation_error"},
		{"wrong method", http.MethodPut, "/api/users", root, nil, http.StatusMethodNotAllowed, "method_not_allowed"},
		{"bad login", http.MethodPost, "/api/auth/login", "", map[string]any{"portal_login": "root", "password": "nope"}, http.StatusBadRequest, "validation_error"},
		{"bad status filter", http.MethodGet, "/api/access-requests?status=lost", root, nil, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(tc.method, tc.path, tc.token, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			body := decode[map[string]any](t, resp)
			if body["kind"] != tc.kind {
				t.Fatalf("expected kind %q, got %v", tc.kind, body["kind"])
			}
			if body["request_id"] == nil {
				t.Fatalf("expected request_id in error body")
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	for _, path := range []string{"/healthz", "/readyz", "/api/info"} {
		resp := api.do(http.MethodGet, path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("%s: expected X-Request-ID header", path)
		}
	}
}
