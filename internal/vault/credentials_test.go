package vault_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"testing"

	"golang.org/x/crypto/ssh"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/store/memory"
	"phoenixvault.io/internal/vault"
)

func TestEmployeeSeesOnlyOwnActiveCredentials(t *testing.T) {
	f := newFixture(t)
	git := f.service(t, "git", f.deptA.ID)
	mine := f.credential(t, f.root, f.alice, git, "alice-pw")
	other := f.credential(t, f.headA, f.bob, git, "bob-pw")

	items, err := f.svc.ListCredentials(f.ctx, f.alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != mine.ID || items[0].Password != "alice-pw" {
		t.Fatalf("unexpected credentials: %+v", items)
	}
	if _, err := f.svc.GetCredential(f.ctx, f.alice, other.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for foreign credential, got %v", err)
	}

	if err := f.svc.DisableCredential(f.ctx, f.root, mine.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	items, err = f.svc.ListCredentials(f.ctx, f.alice)
	if err != nil {
		t.Fatalf("list after disable: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("disabled credential still visible: %+v", items)
	}
	accesses, err := f.svc.ListAccesses(f.ctx, f.alice)
	if err != nil {
		t.Fatalf("list accesses: %v", err)
	}
	if len(accesses) != 0 {
		t.Fatalf("access should follow the disabled credential: %+v", accesses)
	}

	pw := "x"
	_, err = f.svc.CreateCredential(f.ctx, f.alice, vault.CredentialInput{UserID: &f.alice.ID, ServiceID: &git.ID, Login: strPtr("a"), Password: &pw})
	if !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("employee write should be denied, got %v", err)
	}
}

func TestHeadWritesStayInsideDepartment(t *testing.T) {
	f := newFixture(t)
	git := f.service(t, "git", f.deptA.ID)

	login := "alice"
	pw := "secret"
	_, err := f.svc.CreateCredential(f.ctx, f.headB, vault.CredentialInput{UserID: &f.alice.ID, ServiceID: &git.ID, Login: &login, Password: &pw})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected validation error for foreign owner, got %v", err)
	}

	c := f.credential(t, f.headA, f.alice, git, "secret")
	if _, err := f.svc.UpdateCredential(f.ctx, f.headB, c.ID, vault.CredentialInput{Notes: strPtr("mine now")}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("out-of-scope credential should be not found, got %v", err)
	}
	if _, err := f.svc.CreateCredential(f.ctx, f.headA, vault.CredentialInput{UserID: &f.alice.ID, ServiceID: &git.ID, Login: &login, Password: &pw}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("second credential for the same pair should conflict, got %v", err)
	}
}

func TestCredentialVersionsAndEncryptionAtRest(t *testing.T) {
	f := newFixture(t)
	git := f.service(t, "git", f.deptA.ID)
	c := f.credential(t, f.headA, f.alice, git, "v1-secret")

	stored, ok := f.store.StoredPassword(c.ID)
	if !ok || stored == "" || stored == "v1-secret" {
		t.Fatalf("password must be encoded at rest, got %q", stored)
	}

	updated, err := f.svc.UpdateCredential(f.ctx, f.headA, c.ID, vault.CredentialInput{Password: strPtr("v2-secret")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Password != "v2-secret" || updated.LatestVersion != 2 {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if err := f.svc.DisableCredential(f.ctx, f.headA, c.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	versions, err := f.svc.CredentialVersions(f.ctx, f.headA, c.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	want := []struct {
		n      int
		change vault.ChangeType
		pw     string
	}{
		{3, vault.ChangeDisable, "v2-secret"},
		{2, vault.ChangeUpdate, "v2-secret"},
		{1, vault.ChangeCreate, "v1-secret"},
	}
	for i, w := range want {
		v := versions[i]
		if v.Version != w.n || v.ChangeType != w.change || v.Password != w.pw || v.ChangedBy != f.headA.ID {
			t.Fatalf("version %d: %+v", i, v)
		}
	}

	accesses, err := f.store.ListAccesses(f.ctx, auth.SystemScope())
	if err != nil {
		t.Fatalf("accesses: %v", err)
	}
	if len(accesses) != 1 || accesses[0].IsActive {
		t.Fatalf("access should exist and be inactive: %+v", accesses)
	}
}

func TestSecretTypes(t *testing.T) {
	f := newFixture(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	bastion := f.service(t, "bastion", f.deptA.ID)
	c, err := f.svc.CreateCredential(f.ctx, f.headA, vault.CredentialInput{
		UserID:     &f.alice.ID,
		ServiceID:  &bastion.ID,
		Login:      strPtr("deploy"),
		Password:   strPtr(string(pem.EncodeToMemory(block))),
		SecretType: strPtr("ssh_key"),
		SSHHost:    strPtr(" bastion.internal "),
	})
	if err != nil {
		t.Fatalf("create ssh credential: %v", err)
	}
	if c.SSHAlgorithm != "ed25519" || c.SSHPort != 22 || c.SSHHost != "bastion.internal" {
		t.Fatalf("unexpected ssh metadata: %+v", c)
	}
	if c.SSHFingerprint != ssh.FingerprintSHA256(sshPub) {
		t.Fatalf("fingerprint = %q", c.SSHFingerprint)
	}

	api := f.service(t, "api", f.deptA.ID)
	tok, err := f.svc.CreateCredential(f.ctx, f.headA, vault.CredentialInput{
		UserID:     &f.alice.ID,
		ServiceID:  &api.ID,
		Password:   strPtr("tok-123"),
		SecretType: strPtr("oauth_client_secret"),
		SSHHost:    strPtr("ignored"),
	})
	if err != nil {
		t.Fatalf("create api token: %v", err)
	}
	if tok.SecretType != vault.SecretAPIToken || tok.Login != "api-token" || tok.SSHHost != "" {
		t.Fatalf("unexpected api token normalisation: %+v", tok)
	}

	other := f.service(t, "wiki", f.deptA.ID)
	cases := []struct {
		name string
		in   vault.CredentialInput
	}{
		{"password without login", vault.CredentialInput{Password: strPtr("pw")}},
		{"unknown type", vault.CredentialInput{Login: strPtr("x"), Password: strPtr("pw"), SecretType: strPtr("kerberos")}},
		{"ssh garbage", vault.CredentialInput{Login: strPtr("x"), Password: strPtr("not a key"), SecretType: strPtr("ssh_key")}},
		{"port out of range", vault.CredentialInput{Login: strPtr("x"), Password: strPtr("pw"), SSHPort: func() *int { p := 70000; return &p }()}},
		{"empty api token", vault.CredentialInput{SecretType: strPtr("api_token")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.in
			in.UserID = &f.bob.ID
			in.ServiceID = &other.ID
			if _, err := f.svc.CreateCredential(f.ctx, f.headA, in); !errors.Is(err, auth.ErrInvalidInput) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRotateEncryption(t *testing.T) {
	f := newFixture(t)
	git := f.service(t, "git", f.deptA.ID)
	first := f.credential(t, f.headA, f.alice, git, "one")
	second := f.credential(t, f.headA, f.bob, git, "two")
	before, _ := f.store.StoredPassword(first.ID)

	report, err := f.svc.RotateEncryption(f.ctx, 1, true, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Scanned != 2 || report.Rotated != 0 {
		t.Fatalf("dry run report: %+v", report)
	}

	report, err = f.svc.RotateEncryption(f.ctx, 1, false, true)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if report.Scanned != 2 || report.Rotated != 2 {
		t.Fatalf("rotate report: %+v", report)
	}
	after, _ := f.store.StoredPassword(first.ID)
	if after == before {
		t.Fatalf("stored value should be re-encoded")
	}
	got, err := f.svc.GetCredential(f.ctx, f.root, second.ID)
	if err != nil || got.Password != "two" {
		t.Fatalf("rotated credential unreadable: %+v %v", got, err)
	}
	versions, err := f.svc.CredentialVersions(f.ctx, f.root, first.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if versions[0].ChangeType != vault.ChangeRotate || versions[0].ChangedBy != "" || versions[0].Password != "one" {
		t.Fatalf("rotate snapshot: %+v", versions[0])
	}

	if _, err := f.svc.RotateEncryption(f.ctx, 0, false, false); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}

type failingAudit struct {
	*memory.Store
}

func TestViewAuditIsBestEffort(t *testing.T) {
	f := newFixture(t)
	git := f.service(t, "git", f.deptA.ID)
	c := f.credential(t, f.headA, f.alice, git, "pw")

	svc, err := vault.NewService(failingAudit{f.store}, f.resolver)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	got, err := svc.GetCredential(f.ctx, f.alice, c.ID)
	if err != nil {
		t.Fatalf("read must succeed when the view audit fails: %v", err)
	}
	if got.Password != "pw" {
		t.Fatalf("password = %q", got.Password)
	}
}

func (failingAudit) AppendAudit(context.Context, audit.Record) (audit.Entry, error) {
	return audit.Entry{}, errors.New("audit table locked")
}
