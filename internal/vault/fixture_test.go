package vault_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/store/memory"
	"phoenixvault.io/internal/vault"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	subject string
	body    string
	to      []string
}

type mailbox struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *mailbox) Send(_ context.Context, subject, body string, to []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{subject: subject, body: body, to: append([]string(nil), to...)})
}

func (m *mailbox) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no mail sent")
	}
	return m.sent[len(m.sent)-1]
}

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	resolver *auth.Resolver
	svc      *vault.Vault
	clock    *testClock
	mail     *mailbox

	deptA, deptB vault.Department
	root         auth.Actor
	headA, headB auth.Actor
	alice, bob   auth.Actor // employees of deptA
	carol        auth.Actor // employee of deptB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	codec, err := envelope.New(envelope.Keys{SecretKey: "vault-test-secret"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	store, err := memory.New(codec, memory.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	resolver, err := auth.NewResolver(store, auth.WithResolverClock(clock.Now))
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	mail := &mailbox{}
	svc, err := vault.NewService(store, resolver, vault.WithClock(clock.Now), vault.WithNotifier(mail))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	f := &fixture{ctx: context.Background(), store: store, resolver: resolver, svc: svc, clock: clock, mail: mail}

	f.deptA = f.seedDepartment(t, "Finance")
	f.deptB = f.seedDepartment(t, "Sales")
	f.root = f.seedUser(t, vault.User{PortalLogin: "root", Email: "root@example.org", IsSuperuser: true, Role: auth.RoleHead})
	f.headA = f.seedUser(t, vault.User{PortalLogin: "head-a", Email: "head-a@example.org", Role: auth.RoleHead, DepartmentID: f.deptA.ID})
	f.headB = f.seedUser(t, vault.User{PortalLogin: "head-b", Email: "head-b@example.org", Role: auth.RoleHead, DepartmentID: f.deptB.ID})
	f.alice = f.seedUser(t, vault.User{PortalLogin: "alice", Email: "alice@example.org", Role: auth.RoleEmployee, DepartmentID: f.deptA.ID})
	f.bob = f.seedUser(t, vault.User{PortalLogin: "bob", Email: "bob@example.org", Role: auth.RoleEmployee, DepartmentID: f.deptA.ID})
	f.carol = f.seedUser(t, vault.User{PortalLogin: "carol", Email: "carol@example.org", Role: auth.RoleEmployee, DepartmentID: f.deptB.ID})
	return f
}

func (f *fixture) seedDepartment(t *testing.T, name string) vault.Department {
	t.Helper()
	d, err := f.store.CreateDepartment(f.ctx, vault.Department{Name: name, IsActive: true},
		audit.Record{Action: audit.ActionCreate, ObjectType: "Department"})
	if err != nil {
		t.Fatalf("seed department %s: %v", name, err)
	}
	return d
}

func (f *fixture) seedUser(t *testing.T, u vault.User) auth.Actor {
	t.Helper()
	u.IsActive = true
	created, err := f.store.CreateUser(f.ctx, u, audit.Record{Action: audit.ActionCreate, ObjectType: "User"})
	if err != nil {
		t.Fatalf("seed user %s: %v", u.PortalLogin, err)
	}
	return created.Actor()
}

func (f *fixture) service(t *testing.T, name, deptID string) vault.Service {
	t.Helper()
	url := "https://" + name + ".example.org"
	svc, err := f.svc.CreateService(f.ctx, f.root, vault.ServiceInput{Name: &name, URL: &url, DepartmentID: &deptID})
	if err != nil {
		t.Fatalf("create service %s: %v", name, err)
	}
	return svc
}

func (f *fixture) credential(t *testing.T, actor, owner auth.Actor, svc vault.Service, password string) vault.Credential {
	t.Helper()
	login := owner.PortalLogin
	c, err := f.svc.CreateCredential(f.ctx, actor, vault.CredentialInput{
		UserID:    &owner.ID,
		ServiceID: &svc.ID,
		Login:     &login,
		Password:  &password,
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return c
}

func strPtr(s string) *string        { return &s }
func timePtr(t time.Time) *time.Time { return &t }
