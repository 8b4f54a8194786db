package vault

import (
	"context"
	"time"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

// Every Get/List method filters by the given scope and reports rows outside
// it as auth.ErrNotFound. Mutations receive the audit record describing them
// and must persist it in the same transaction; on create the store fills
// ObjectID with the new row id.

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u User, rec audit.Record) (User, error)
	UpdateUser(ctx context.Context, u User, rec audit.Record) (User, error)
	GetUser(ctx context.Context, scope auth.Scope, id string) (User, error)
	ListUsers(ctx context.Context, scope auth.Scope) ([]User, error)
	UserByLogin(ctx context.Context, portalLogin string) (User, error)
	// ReviewerEmails returns e-mails of active superusers and active heads of deptID.
	ReviewerEmails(ctx context.Context, deptID string) ([]string, error)
}

// DepartmentStore persists departments.
type DepartmentStore interface {
	CreateDepartment(ctx context.Context, d Department, rec audit.Record) (Department, error)
	UpdateDepartment(ctx context.Context, d Department, rec audit.Record) (Department, error)
	GetDepartment(ctx context.Context, scope auth.Scope, id string) (Department, error)
	ListDepartments(ctx context.Context, scope auth.Scope) ([]Department, error)
}

// ServiceStore persists services.
type ServiceStore interface {
	CreateService(ctx context.Context, s Service, rec audit.Record) (Service, error)
	UpdateService(ctx context.Context, s Service, rec audit.Record) (Service, error)
	GetService(ctx context.Context, scope auth.Scope, id string) (Service, error)
	ListServices(ctx context.Context, scope auth.Scope) ([]Service, error)
}

// AccessStore persists service accesses. CreateAccess fails with
// auth.ErrConflict when the (user, service) pair already exists.
type AccessStore interface {
	CreateAccess(ctx context.Context, a ServiceAccess, rec audit.Record) (ServiceAccess, error)
	UpdateAccess(ctx context.Context, a ServiceAccess, rec audit.Record) (ServiceAccess, error)
	GetAccess(ctx context.Context, scope auth.Scope, id string) (ServiceAccess, error)
	ListAccesses(ctx context.Context, scope auth.Scope) ([]ServiceAccess, error)
}

// CredentialStore persists credentials. Create and Update run, in one
// transaction: the credential write, the ServiceAccess sync for
// (user, service) with the credential's is_active, the version snapshot and
// the audit record. Password values are encoded with the store's codec.
type CredentialStore interface {
	// CreateCredential fails with auth.ErrConflict when a credential for
	// (user, service) already exists.
	CreateCredential(ctx context.Context, c Credential, changedBy string, rec audit.Record) (Credential, error)
	UpdateCredential(ctx context.Context, c Credential, change ChangeType, changedBy string, rec audit.Record) (Credential, error)
	GetCredential(ctx context.Context, scope auth.Scope, id string) (Credential, error)
	ListCredentials(ctx context.Context, scope auth.Scope) ([]Credential, error)
	ListCredentialVersions(ctx context.Context, credentialID string) ([]CredentialVersion, error)
	// CredentialBatch returns up to limit credentials ordered by id after afterID.
	CredentialBatch(ctx context.Context, afterID string, limit int) ([]Credential, error)
	// RotateCredential re-encodes the password under the current keys and,
	// when snapshot is set, appends a rotate version with no author.
	RotateCredential(ctx context.Context, c Credential, snapshot bool) error
}

// ShareStore persists department shares.
type ShareStore interface {
	auth.ShareLookup
	// UpsertShare inserts or overwrites the share keyed by (department,
	// grantor, grantee) and reports whether a row was inserted. When it
	// overwrites, the audit record is stored as update with metadata
	// upsert=true.
	UpsertShare(ctx context.Context, s DepartmentShare, rec audit.Record) (DepartmentShare, bool, error)
	UpdateShare(ctx context.Context, s DepartmentShare, rec audit.Record) (DepartmentShare, error)
	GetShare(ctx context.Context, scope auth.Scope, id string) (DepartmentShare, error)
	ListShares(ctx context.Context, scope auth.Scope) ([]DepartmentShare, error)
}

// AccessRequestStore persists access requests.
type AccessRequestStore interface {
	// CreateAccessRequest fails with auth.ErrConflict while the requester has
	// a pending request for the same service.
	CreateAccessRequest(ctx context.Context, r AccessRequest, rec audit.Record) (AccessRequest, error)
	// TransitionAccessRequest moves r from status from to r.Status. It fails
	// with auth.ErrConflict when the stored status is no longer from. When
	// grant is set an active ServiceAccess for (requester, service) is upserted.
	TransitionAccessRequest(ctx context.Context, r AccessRequest, from RequestStatus, grant bool, rec audit.Record) (AccessRequest, error)
	GetAccessRequest(ctx context.Context, scope auth.Scope, id string) (AccessRequest, error)
	ListAccessRequests(ctx context.Context, scope auth.Scope, status RequestStatus) ([]AccessRequest, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec audit.Record) (audit.Entry, error)
	ListAudit(ctx context.Context, scope auth.Scope, filter audit.Filter) ([]audit.Entry, error)
	GetAudit(ctx context.Context, scope auth.Scope, id string) (audit.Entry, error)
}

// MaintenanceStore backs the out-of-band cleanup job.
type MaintenanceStore interface {
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error)
	DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Store is the persistence contract of the vault.
type Store interface {
	UserStore
	DepartmentStore
	ServiceStore
	AccessStore
	CredentialStore
	ShareStore
	AccessRequestStore
	AuditStore
	MaintenanceStore
	auth.ChallengeStore
}
