package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/vault"
)

var credentialColumns = []string{
	"id", "user_id", "service_id", "login", "password", "notes", "secret_type",
	"secret_filename", "ssh_host", "ssh_port", "ssh_algorithm", "ssh_public_key", "ssh_fingerprint",
	"is_active", "created_at", "updated_at", "latest_version",
	"portal_login", "full_name", "role", "department_id",
	"name", "url", "service_department_id", "service_active",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, envelope.Codec) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	codec, err := envelope.New(envelope.Keys{SecretKey: "pg-test-secret"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return New(db, codec), mock, codec
}

func credentialRow(rows *sqlmock.Rows, id, sealed string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return rows.AddRow(id, "alice", "svc-1", "alice@crm", sealed, "", "password",
		"", "", 22, "", "", "",
		true, now, now, 1,
		"alice", "Alice", "employee", "dept-a",
		"CRM", "https://crm.example.org", "dept-a", true)
}

func TestTextArrayQuotes(t *testing.T) {
	got := textArray([]string{"a", `b"c`, `d\e`})
	if got != `{"a","b\"c","d\\e"}` {
		t.Fatalf("unexpected literal: %s", got)
	}
	if textArray(nil) != "{}" {
		t.Fatalf("empty array should render as {}")
	}
}

func TestGetCredentialAppliesEmployeeScope(t *testing.T) {
	store, mock, codec := newMockStore(t)
	sealed, err := codec.Encode("s3cret")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	mock.ExpectQuery(`from credentials c .* where c\.id = \$1 and \(c\.user_id = \$2 and c\.is_active and s\.is_active and exists`).
		WithArgs("cred-1", "alice").
		WillReturnRows(credentialRow(sqlmock.NewRows(credentialColumns), "cred-1", sealed))

	scope := auth.Scope{ActorID: "alice", Class: auth.ClassEmployee, DepartmentID: "dept-a", DepartmentIDs: []string{"dept-a"}}
	c, err := store.GetCredential(context.Background(), scope, "cred-1")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if c.Password != "s3cret" {
		t.Fatalf("password not decoded: %q", c.Password)
	}
	if c.User == nil || c.User.Role != auth.RoleEmployee || c.Service == nil || c.Service.Name != "CRM" {
		t.Fatalf("nested summaries missing: %+v %+v", c.User, c.Service)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHiddenRowIsNotFound(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`from credentials c .* where c\.id = \$1 and false`).
		WithArgs("cred-1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetCredential(context.Background(), auth.Scope{}, "cred-1")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHeadScopePassesDepartmentArray(t *testing.T) {
	store, mock, _ := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "portal_login", "email", "full_name", "role", "department_id",
		"is_active", "is_superuser", "password_hash", "date_joined",
		"d_name", "d_sort", "d_active", "d_created",
	}).
		AddRow("u1", "alice", "alice@example.org", "Alice", "employee", "dept-a", true, false, "", now, "Finance", 1, true, now).
		AddRow("u2", "root", "", "Root", "admin", "", true, true, "", now, nil, nil, nil, nil)

	mock.ExpectQuery(`from users u left join departments d .* where \(u\.role = 'head' or u\.department_id = any\(\$1::text\[\]\)\) order by u\.portal_login`).
		WithArgs(`{"dept-a","dept-b"}`).
		WillReturnRows(rows)

	scope := auth.Scope{ActorID: "head", Class: auth.ClassHead, DepartmentID: "dept-a", DepartmentIDs: []string{"dept-a", "dept-b"}}
	users, err := store.ListUsers(context.Background(), scope)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Department == nil || users[0].Department.Name != "Finance" {
		t.Fatalf("department not decorated: %+v", users[0].Department)
	}
	if users[1].Department != nil || users[1].Role != auth.RoleHead {
		t.Fatalf("unexpected second user: %+v", users[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateCredentialRejectsDuplicatePair(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from credentials where user_id = \$1 and service_id = \$2 and id <> \$3 for update`).
		WithArgs("alice", "svc-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cred-existing"))
	mock.ExpectRollback()

	c := vault.Credential{UserID: "alice", ServiceID: "svc-1", Login: "a", Password: "p", SecretType: vault.SecretPassword, IsActive: true}
	_, err := store.CreateCredential(context.Background(), c, "alice", audit.Record{Action: audit.ActionCreate, ObjectType: "Credential"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateCredentialWritesOneTransaction(t *testing.T) {
	store, mock, codec := newMockStore(t)
	sealed, _ := codec.Encode("s3cret")

	mock.ExpectBegin()
	mock.ExpectQuery(`select id from credentials where user_id = \$1`).
		WithArgs("alice", "svc-1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`insert into credentials`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into service_accesses .* on conflict \(user_id, service_id\) do update`).
		WithArgs(sqlmock.AnyArg(), "alice", "svc-1", true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`select coalesce\(max\(version\), 0\) \+ 1 from credential_versions`).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))
	mock.ExpectExec(`insert into credential_versions`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1, "alice@crm", sqlmock.AnyArg(), "", true,
			"password", []byte("{}"), "create", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into audit_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "create", "Credential", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), []byte("{}")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`from credentials c .* where c\.id = \$1`).
		WillReturnRows(credentialRow(sqlmock.NewRows(credentialColumns), "cred-new", sealed))
	mock.ExpectCommit()

	c := vault.Credential{UserID: "alice", ServiceID: "svc-1", Login: "alice@crm", Password: "s3cret", SecretType: vault.SecretPassword, IsActive: true}
	rec := audit.Record{ActorID: "alice", Action: audit.ActionCreate, ObjectType: "Credential"}
	created, err := store.CreateCredential(context.Background(), c, "alice", rec)
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if created.Password != "s3cret" || created.LatestVersion != 1 {
		t.Fatalf("unexpected credential: %+v", created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertShareOverwriteIsAuditedAsUpdate(t *testing.T) {
	store, mock, _ := newMockStore(t)
	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into department_shares .* on conflict \(department_id, grantor_id, grantee_id\) do update .* returning id, \(xmax = 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow("share-1", false))
	mock.ExpectExec(`insert into audit_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "update", "DepartmentShare", "share-1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), []byte(`{"upsert":true}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`from department_shares sh .* where sh\.id = \$1`).
		WithArgs("share-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "department_id", "grantor_id", "grantee_id", "expires_at", "is_active", "created_at", "updated_at",
			"d_name", "d_sort", "d_active", "d_created",
			"gr_login", "gr_name", "gr_role", "gr_dept",
			"ge_login", "ge_name", "ge_role", "ge_dept",
		}).AddRow("share-1", "dept-a", "head-a", "head-b", expires, true, now, now,
			"Finance", 1, true, now,
			"head-a", "Head A", "head", "dept-a",
			"head-b", "Head B", "head", "dept-b"))
	mock.ExpectCommit()

	share := vault.DepartmentShare{DepartmentID: "dept-a", GrantorID: "head-a", GranteeID: "head-b", ExpiresAt: expires, IsActive: true}
	saved, created, err := store.UpsertShare(context.Background(), share, audit.Record{Action: audit.ActionCreate, ObjectType: "DepartmentShare"})
	if err != nil {
		t.Fatalf("UpsertShare: %v", err)
	}
	if created {
		t.Fatalf("overwrite reported as insert")
	}
	if saved.ID != "share-1" || saved.Grantee == nil || saved.Grantee.DepartmentID != "dept-b" {
		t.Fatalf("unexpected share: %+v", saved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionRequiresExpectedStatus(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select status from access_requests where id = \$1 for update`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))
	mock.ExpectRollback()

	r := vault.AccessRequest{ID: "req-1", RequesterID: "alice", ServiceID: "svc-1", Status: vault.StatusRejected}
	_, err := store.TransitionAccessRequest(context.Background(), r, vault.StatusPending, false, audit.Record{Action: audit.ActionUpdate})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func expectRequesterLock(mock sqlmock.Sqlmock, requester string, pending bool) {
	mock.ExpectQuery(`select id from users where id = \$1 for update`).
		WithArgs(requester).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(requester))
	mock.ExpectQuery(`select exists \( select 1 from access_requests where requester_id = \$1 and service_id = \$2 and status = 'pending' \)`).
		WithArgs(requester, "svc-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(pending))
}

func TestCreateAccessRequestRejectsExistingPending(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	expectRequesterLock(mock, "alice", true)
	mock.ExpectRollback()

	r := vault.AccessRequest{RequesterID: "alice", ServiceID: "svc-1", Status: vault.StatusPending}
	_, err := store.CreateAccessRequest(context.Background(), r, audit.Record{Action: audit.ActionCreate})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAccessRequestUnknownRequesterIsNotFound(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from users where id = \$1 for update`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	r := vault.AccessRequest{RequesterID: "ghost", ServiceID: "svc-1", Status: vault.StatusPending}
	if _, err := store.CreateAccessRequest(context.Background(), r, audit.Record{Action: audit.ActionCreate}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateAccessRequestMapsPendingIndexToConflict(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	expectRequesterLock(mock, "alice", false)
	mock.ExpectExec(`insert into access_requests`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "access_requests_one_pending"})
	mock.ExpectRollback()

	r := vault.AccessRequest{RequesterID: "alice", ServiceID: "svc-1", Status: vault.StatusPending}
	_, err := store.CreateAccessRequest(context.Background(), r, audit.Record{Action: audit.ActionCreate})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReplaceChallengeLocksUserAndConsumesOpen(t *testing.T) {
	store, mock, _ := newMockStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	// The user lock must precede the invalidate and the insert.
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`select id from users where id = \$1 for update`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("alice"))
	mock.ExpectExec(`update login_challenges set consumed_at = \$2 where user_id = \$1 and consumed_at is null`).
		WithArgs("alice", created).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`insert into login_challenges`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	c, err := store.ReplaceChallenge(context.Background(), auth.Challenge{UserID: "alice", Channel: auth.ChallengeChannelEmail, CreatedAt: created, MaxAttempts: 5})
	if err != nil {
		t.Fatalf("ReplaceChallenge: %v", err)
	}
	if c.ID == "" {
		t.Fatalf("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeChallengeIsGuardedByStoredRow(t *testing.T) {
	store, mock, _ := newMockStore(t)
	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	guarded := `update login_challenges set consumed_at = \$2 where id = \$1 and consumed_at is null and attempts < max_attempts and expires_at > \$2`

	mock.ExpectExec(guarded).WithArgs("ch-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(guarded).WithArgs("ch-1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.ConsumeChallenge(context.Background(), "ch-1", at); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := store.ConsumeChallenge(context.Background(), "ch-1", at); !errors.Is(err, auth.ErrChallengeInactive) {
		t.Fatalf("expected inactive challenge, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIncrementChallengeAttemptsStopsAtLimit(t *testing.T) {
	store, mock, _ := newMockStore(t)
	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	guarded := `update login_challenges set attempts = attempts \+ 1 where id = \$1 and consumed_at is null and attempts < max_attempts and expires_at > \$2`

	mock.ExpectExec(guarded).WithArgs("ch-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(guarded).WithArgs("ch-1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.IncrementChallengeAttempts(context.Background(), "ch-1", at); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := store.IncrementChallengeAttempts(context.Background(), "ch-1", at); !errors.Is(err, auth.ErrChallengeInactive) {
		t.Fatalf("expected inactive challenge, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWriteErrMapsConstraintViolations(t *testing.T) {
	if !errors.Is(writeErr(&pgconn.PgError{Code: pgErrUniqueViolation}), auth.ErrConflict) {
		t.Fatalf("unique violation should map to conflict")
	}
	if !errors.Is(writeErr(&pgconn.PgError{Code: pgErrForeignKeyViolation}), auth.ErrNotFound) {
		t.Fatalf("foreign key violation should map to not found")
	}
	other := errors.New("boom")
	if !errors.Is(writeErr(other), other) {
		t.Fatalf("unrelated errors should pass through")
	}
}

func TestNilDatabase(t *testing.T) {
	store := New(nil, nil)
	if err := store.Ping(context.Background()); !errors.Is(err, errNoDatabase) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if _, err := store.ListUsers(context.Background(), auth.SystemScope()); !errors.Is(err, errNoDatabase) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
