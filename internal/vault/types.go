package vault

import (
	"time"

	"phoenixvault.io/internal/auth"
)

// Department groups users and services.
type Department struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a portal account.
type User struct {
	ID           string      `json:"id"`
	PortalLogin  string      `json:"portal_login"`
	Email        string      `json:"email"`
	FullName     string      `json:"full_name"`
	Role         auth.Role   `json:"role"`
	DepartmentID string      `json:"department_id,omitempty"`
	Department   *Department `json:"department"`
	IsActive     bool        `json:"is_active"`
	IsSuperuser  bool        `json:"is_superuser"`
	PasswordHash string      `json:"-"`
	DateJoined   time.Time   `json:"date_joined"`
}

// Actor converts the user into the authorization principal.
func (u User) Actor() auth.Actor {
	return auth.Actor{
		ID:           u.ID,
		PortalLogin:  u.PortalLogin,
		Email:        u.Email,
		Role:         u.Role,
		DepartmentID: u.DepartmentID,
		IsSuperuser:  u.IsSuperuser,
		IsActive:     u.IsActive,
	}
}

// Facts returns the fields authorization checks look at.
func (u User) Facts() auth.UserFacts {
	return auth.UserFacts{ID: u.ID, DepartmentID: u.DepartmentID, Role: u.Role, IsSuperuser: u.IsSuperuser}
}

// Summary returns the nested representation used by other resources.
func (u User) Summary() *UserSummary {
	return &UserSummary{ID: u.ID, PortalLogin: u.PortalLogin, FullName: u.FullName, Role: u.Role, DepartmentID: u.DepartmentID}
}

// UserSummary is the nested form of a user.
type UserSummary struct {
	ID           string    `json:"id"`
	PortalLogin  string    `json:"portal_login"`
	FullName     string    `json:"full_name"`
	Role         auth.Role `json:"role"`
	DepartmentID string    `json:"department_id,omitempty"`
}

// Service is an external system credentials belong to.
type Service struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	URL          string      `json:"url"`
	DepartmentID string      `json:"department_id,omitempty"`
	Department   *Department `json:"department"`
	IsActive     bool        `json:"is_active"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Summary returns the nested representation.
func (s Service) Summary() *ServiceSummary {
	return &ServiceSummary{ID: s.ID, Name: s.Name, URL: s.URL, DepartmentID: s.DepartmentID, IsActive: s.IsActive}
}

// ServiceSummary is the nested form of a service.
type ServiceSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	DepartmentID string `json:"department_id,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// ServiceAccess grants a user access to a service.
type ServiceAccess struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ServiceID string          `json:"service_id"`
	IsActive  bool            `json:"is_active"`
	User      *UserSummary    `json:"user,omitempty"`
	Service   *ServiceSummary `json:"service,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SecretType classifies the secret stored in a credential.
type SecretType string

const (
	SecretPassword SecretType = "password"
	SecretSSHKey   SecretType = "ssh_key"
	SecretAPIToken SecretType = "api_token"

	legacyOAuthSecret = "oauth_client_secret"
)

// Credential is a secret owned by a user for a service. Password holds the
// plaintext in memory; stores encode it at the persistence boundary.
type Credential struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ServiceID      string          `json:"service_id"`
	Login          string          `json:"login"`
	Password       string          `json:"password"`
	Notes          string          `json:"notes"`
	SecretType     SecretType      `json:"secret_type"`
	SecretFilename string          `json:"secret_filename"`
	SSHHost        string          `json:"ssh_host"`
	SSHPort        int             `json:"ssh_port"`
	SSHAlgorithm   string          `json:"ssh_algorithm"`
	SSHPublicKey   string          `json:"ssh_public_key"`
	SSHFingerprint string          `json:"ssh_fingerprint"`
	IsActive       bool            `json:"is_active"`
	LatestVersion  int             `json:"latest_version,omitempty"`
	User           *UserSummary    `json:"user,omitempty"`
	Service        *ServiceSummary `json:"service,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Metadata returns the type-specific fields captured in version snapshots.
func (c Credential) Metadata() map[string]any {
	meta := map[string]any{}
	if c.SecretFilename != "" {
		meta["secret_filename"] = c.SecretFilename
	}
	if c.SecretType == SecretSSHKey {
		meta["ssh_host"] = c.SSHHost
		meta["ssh_port"] = c.SSHPort
		meta["ssh_algorithm"] = c.SSHAlgorithm
		meta["ssh_public_key"] = c.SSHPublicKey
		meta["ssh_fingerprint"] = c.SSHFingerprint
	}
	return meta
}

// ChangeType labels a credential version.
type ChangeType string

const (
	ChangeCreate  ChangeType = "create"
	ChangeUpdate  ChangeType = "update"
	ChangeDisable ChangeType = "disable"
	ChangeRotate  ChangeType = "rotate"
)

// CredentialVersion is an immutable snapshot of a credential.
type CredentialVersion struct {
	ID           string         `json:"id"`
	CredentialID string         `json:"credential_id"`
	Version      int            `json:"version"`
	Login        string         `json:"login"`
	Password     string         `json:"password"`
	Notes        string         `json:"notes"`
	IsActive     bool           `json:"is_active"`
	SecretType   SecretType     `json:"secret_type"`
	Metadata     map[string]any `json:"metadata"`
	ChangeType   ChangeType     `json:"change_type"`
	ChangedBy    string         `json:"changed_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DepartmentShare grants the grantee read visibility into a department.
type DepartmentShare struct {
	ID           string       `json:"id"`
	DepartmentID string       `json:"department_id"`
	GrantorID    string       `json:"grantor_id"`
	GranteeID    string       `json:"grantee_id"`
	ExpiresAt    time.Time    `json:"expires_at"`
	IsActive     bool         `json:"is_active"`
	Department   *Department  `json:"department,omitempty"`
	Grantor      *UserSummary `json:"grantor,omitempty"`
	Grantee      *UserSummary `json:"grantee,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// RequestStatus is the lifecycle state of an access request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusCanceled RequestStatus = "canceled"
)

// AccessRequest asks for access to a service.
type AccessRequest struct {
	ID            string          `json:"id"`
	RequesterID   string          `json:"requester_id"`
	ServiceID     string          `json:"service_id"`
	Status        RequestStatus   `json:"status"`
	Justification string          `json:"justification"`
	ReviewerID    string          `json:"reviewer_id,omitempty"`
	ReviewComment string          `json:"review_comment"`
	RequestedAt   time.Time       `json:"requested_at"`
	ReviewedAt    *time.Time      `json:"reviewed_at"`
	Requester     *UserSummary    `json:"requester,omitempty"`
	Reviewer      *UserSummary    `json:"reviewer,omitempty"`
	Service       *ServiceSummary `json:"service,omitempty"`
}
