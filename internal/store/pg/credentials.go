package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

const credentialSelect = `
	select c.id, c.user_id, c.service_id, c.login, c.password, c.notes, c.secret_type,
	       c.secret_filename, c.ssh_host, c.ssh_port, c.ssh_algorithm, c.ssh_public_key, c.ssh_fingerprint,
	       c.is_active, c.created_at, c.updated_at,
	       coalesce((select max(v.version) from credential_versions v where v.credential_id = c.id), 0),
	       u.portal_login, u.full_name, u.role, coalesce(u.department_id, ''),
	       s.name, s.url, coalesce(s.department_id, ''), s.is_active
	from credentials c
	join users u on u.id = c.user_id
	join services s on s.id = c.service_id`

func credentialScope(scope auth.Scope, p *params) string {
	switch scope.Class {
	case auth.ClassSuperuser:
		return "true"
	case auth.ClassHead:
		return inDepartments("u.department_id", scope, p)
	case auth.ClassEmployee:
		actor := p.add(scope.ActorID)
		return "(c.user_id = " + actor + " and c.is_active and s.is_active and " + activeAccessTo(actor, "c.service_id") + ")"
	}
	return "false"
}

// scanCredential reads a row and leaves Password encoded.
func scanCredential(row rowScanner) (vault.Credential, error) {
	var (
		c          vault.Credential
		secretType string
		user       vault.UserSummary
		svc        vault.ServiceSummary
		role       string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.ServiceID, &c.Login, &c.Password, &c.Notes, &secretType,
		&c.SecretFilename, &c.SSHHost, &c.SSHPort, &c.SSHAlgorithm, &c.SSHPublicKey, &c.SSHFingerprint,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt, &c.LatestVersion,
		&user.PortalLogin, &user.FullName, &role, &user.DepartmentID,
		&svc.Name, &svc.URL, &svc.DepartmentID, &svc.IsActive); err != nil {
		return vault.Credential{}, err
	}
	c.SecretType = vault.SecretType(secretType)
	user.ID, user.Role = c.UserID, auth.NormalizeRole(role)
	svc.ID = c.ServiceID
	c.User, c.Service = &user, &svc
	return c, nil
}

func (s *Store) readCredential(ctx context.Context, tx *sql.Tx, id string) (vault.Credential, error) {
	c, err := scanCredential(tx.QueryRowContext(ctx, credentialSelect+` where c.id = $1`, id))
	if err != nil {
		return vault.Credential{}, err
	}
	c.Password = s.codec.Decode(c.Password)
	return c, nil
}

// claimPair fails with ErrConflict when another credential already exists
// for (user, service).
func claimPair(ctx context.Context, tx *sql.Tx, c vault.Credential) error {
	var other string
	err := tx.QueryRowContext(ctx, `
		select id from credentials
		where user_id = $1 and service_id = $2 and id <> $3
		for update
	`, c.UserID, c.ServiceID, c.ID).Scan(&other)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	}
	return auth.ErrConflict
}

func (s *Store) CreateCredential(ctx context.Context, c vault.Credential, changedBy string, rec audit.Record) (vault.Credential, error) {
	sealed, err := s.codec.Encode(c.Password)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("encode password: %w", err)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.Credential{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c.ID = ids.New()
	if err := claimPair(ctx, tx, c); err != nil {
		return vault.Credential{}, err
	}
	c.Password = sealed
	if _, err := tx.ExecContext(ctx, `
		insert into credentials (id, user_id, service_id, login, password, notes, secret_type,
		                         secret_filename, ssh_host, ssh_port, ssh_algorithm, ssh_public_key, ssh_fingerprint, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, c.ID, c.UserID, c.ServiceID, c.Login, c.Password, c.Notes, string(c.SecretType),
		c.SecretFilename, c.SSHHost, c.SSHPort, c.SSHAlgorithm, c.SSHPublicKey, c.SSHFingerprint, c.IsActive); err != nil {
		return vault.Credential{}, writeErr(err)
	}
	if err := syncAccess(ctx, tx, c.UserID, c.ServiceID, c.IsActive); err != nil {
		return vault.Credential{}, err
	}
	if err := insertVersion(ctx, tx, c, vault.ChangeCreate, changedBy); err != nil {
		return vault.Credential{}, err
	}
	rec.ObjectID = c.ID
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.Credential{}, err
	}
	created, err := s.readCredential(ctx, tx, c.ID)
	if err != nil {
		return vault.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Credential{}, err
	}
	return created, nil
}

func (s *Store) UpdateCredential(ctx context.Context, c vault.Credential, change vault.ChangeType, changedBy string, rec audit.Record) (vault.Credential, error) {
	sealed, err := s.codec.Encode(c.Password)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("encode password: %w", err)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return vault.Credential{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `select id from credentials where id = $1 for update`, c.ID).Scan(&locked); err != nil {
		return vault.Credential{}, readErr(err)
	}
	if err := claimPair(ctx, tx, c); err != nil {
		return vault.Credential{}, err
	}
	c.Password = sealed
	if _, err := tx.ExecContext(ctx, `
		update credentials
		set user_id = $2, service_id = $3, login = $4, password = $5, notes = $6, secret_type = $7,
		    secret_filename = $8, ssh_host = $9, ssh_port = $10, ssh_algorithm = $11,
		    ssh_public_key = $12, ssh_fingerprint = $13, is_active = $14, updated_at = now()
		where id = $1
	`, c.ID, c.UserID, c.ServiceID, c.Login, c.Password, c.Notes, string(c.SecretType),
		c.SecretFilename, c.SSHHost, c.SSHPort, c.SSHAlgorithm, c.SSHPublicKey, c.SSHFingerprint, c.IsActive); err != nil {
		return vault.Credential{}, writeErr(err)
	}
	if err := syncAccess(ctx, tx, c.UserID, c.ServiceID, c.IsActive); err != nil {
		return vault.Credential{}, err
	}
	if err := insertVersion(ctx, tx, c, change, changedBy); err != nil {
		return vault.Credential{}, err
	}
	if _, err := insertAudit(ctx, tx, rec); err != nil {
		return vault.Credential{}, err
	}
	updated, err := s.readCredential(ctx, tx, c.ID)
	if err != nil {
		return vault.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Credential{}, err
	}
	return updated, nil
}

// insertVersion snapshots c, whose Password is already encoded. The caller
// holds the credential row lock, so max(version)+1 is stable.
func insertVersion(ctx context.Context, tx *sql.Tx, c vault.Credential, change vault.ChangeType, changedBy string) error {
	var next int
	if err := tx.QueryRowContext(ctx, `
		select coalesce(max(version), 0) + 1 from credential_versions where credential_id = $1
	`, c.ID).Scan(&next); err != nil {
		return err
	}
	meta, err := marshalMeta(c.Metadata())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into credential_versions (id, credential_id, version, login, password, notes, is_active,
		                                 secret_type, metadata, change_type, changed_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ids.New(), c.ID, next, c.Login, c.Password, c.Notes, c.IsActive,
		string(c.SecretType), meta, string(change), nullIfEmpty(changedBy)); err != nil {
		return writeErr(err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, scope auth.Scope, id string) (vault.Credential, error) {
	if s.db == nil {
		return vault.Credential{}, errNoDatabase
	}
	p := params{id}
	query := credentialSelect + ` where c.id = $1 and ` + credentialScope(scope, &p)
	c, err := scanCredential(s.db.QueryRowContext(ctx, query, p...))
	if err != nil {
		return vault.Credential{}, readErr(err)
	}
	c.Password = s.codec.Decode(c.Password)
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, scope auth.Scope) ([]vault.Credential, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	var p params
	query := credentialSelect + ` where ` + credentialScope(scope, &p) + ` order by c.id`
	return s.queryCredentials(ctx, query, p...)
}

func (s *Store) CredentialBatch(ctx context.Context, afterID string, limit int) ([]vault.Credential, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	if limit <= 0 {
		limit = 100
	}
	return s.queryCredentials(ctx, credentialSelect+` where c.id > $1 order by c.id limit $2`, afterID, limit)
}

func (s *Store) queryCredentials(ctx context.Context, query string, args ...any) ([]vault.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []vault.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		c.Password = s.codec.Decode(c.Password)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListCredentialVersions(ctx context.Context, credentialID string) ([]vault.CredentialVersion, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, credential_id, version, login, password, notes, is_active, secret_type,
		       metadata, change_type, coalesce(changed_by, ''), created_at
		from credential_versions
		where credential_id = $1
		order by version desc
	`, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []vault.CredentialVersion{}
	for rows.Next() {
		var (
			v                  vault.CredentialVersion
			secretType, change string
			rawMeta            []byte
		)
		if err := rows.Scan(&v.ID, &v.CredentialID, &v.Version, &v.Login, &v.Password, &v.Notes, &v.IsActive,
			&secretType, &rawMeta, &change, &v.ChangedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		meta, err := unmarshalMeta(rawMeta)
		if err != nil {
			return nil, err
		}
		v.Password = s.codec.Decode(v.Password)
		v.SecretType, v.ChangeType, v.Metadata = vault.SecretType(secretType), vault.ChangeType(change), meta
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) RotateCredential(ctx context.Context, c vault.Credential, snapshot bool) error {
	sealed, err := s.codec.Encode(c.Password)
	if err != nil {
		return fmt.Errorf("encode password: %w", err)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanCredential(tx.QueryRowContext(ctx, credentialSelect+` where c.id = $1 for update of c`, c.ID))
	if err != nil {
		return readErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update credentials set password = $2, updated_at = now() where id = $1
	`, c.ID, sealed); err != nil {
		return err
	}
	if snapshot {
		current.Password = sealed
		if err := insertVersion(ctx, tx, current, vault.ChangeRotate, ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}
