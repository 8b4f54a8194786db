package vault

import (
	"context"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
)

// CredentialInput carries credential fields for create and partial update.
type CredentialInput struct {
	UserID         *string `json:"user_id"`
	ServiceID      *string `json:"service_id"`
	Login          *string `json:"login"`
	Password       *string `json:"password"`
	Notes          *string `json:"notes"`
	SecretType     *string `json:"secret_type"`
	SecretFilename *string `json:"secret_filename"`
	SSHHost        *string `json:"ssh_host"`
	SSHPort        *int    `json:"ssh_port"`
	SSHPublicKey   *string `json:"ssh_public_key"`
	IsActive       *bool   `json:"is_active"`
}

func (in CredentialInput) apply(c *Credential) {
	if in.Login != nil {
		c.Login = *in.Login
	}
	if in.Password != nil {
		c.Password = *in.Password
	}
	if in.Notes != nil {
		c.Notes = *in.Notes
	}
	if in.SecretType != nil {
		c.SecretType = SecretType(*in.SecretType)
	}
	if in.SecretFilename != nil {
		c.SecretFilename = *in.SecretFilename
	}
	if in.SSHHost != nil {
		c.SSHHost = *in.SSHHost
	}
	if in.SSHPort != nil {
		c.SSHPort = *in.SSHPort
	}
	if in.SSHPublicKey != nil {
		c.SSHPublicKey = *in.SSHPublicKey
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}
}

// ListCredentials returns the visible credentials and records the view.
func (s *Vault) ListCredentials(ctx context.Context, actor auth.Actor) ([]Credential, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListCredentials(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.viewed(ctx, actor, "Credential", "list", map[string]any{"count": len(items)})
	return items, nil
}

// GetCredential returns one credential and records the view.
func (s *Vault) GetCredential(ctx context.Context, actor auth.Actor, id string) (Credential, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return Credential{}, err
	}
	c, err := s.store.GetCredential(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return Credential{}, err
	}
	s.viewed(ctx, actor, "Credential", c.ID, nil)
	return c, nil
}

// CredentialVersions lists the snapshots of a visible credential, newest first.
func (s *Vault) CredentialVersions(ctx context.Context, actor auth.Actor, id string) ([]CredentialVersion, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCredential(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return s.store.ListCredentialVersions(ctx, c.ID)
}

func (s *Vault) CreateCredential(ctx context.Context, actor auth.Actor, in CredentialInput) (Credential, error) {
	if _, err := s.scope(ctx, actor); err != nil {
		return Credential{}, err
	}
	if err := canWriteOwned(actor, "credentials"); err != nil {
		return Credential{}, err
	}
	if trimPtr(in.UserID) == "" || trimPtr(in.ServiceID) == "" {
		return Credential{}, invalid("user_id and service_id are required")
	}
	owner, err := s.activeUser(ctx, trimPtr(in.UserID), "user_id")
	if err != nil {
		return Credential{}, err
	}
	svc, err := s.activeService(ctx, trimPtr(in.ServiceID), "service_id")
	if err != nil {
		return Credential{}, err
	}
	if err := assignable(actor, owner, "credentials"); err != nil {
		return Credential{}, err
	}
	if err := auth.Authorize(actor, auth.Target{Kind: auth.KindCredential, Owner: ptrFacts(owner.Facts())}); err != nil {
		return Credential{}, err
	}

	c := Credential{UserID: owner.ID, ServiceID: svc.ID, IsActive: true}
	in.apply(&c)
	if err := normalizeSecret(&c); err != nil {
		return Credential{}, err
	}
	rec := record(ctx, actor, audit.ActionCreate, "Credential", "", nil)
	created, err := s.store.CreateCredential(ctx, c, actor.ID, rec)
	if err != nil {
		return Credential{}, err
	}
	rec.ObjectID = created.ID
	audit.LogEvent(ctx, rec)
	return created, nil
}

func (s *Vault) UpdateCredential(ctx context.Context, actor auth.Actor, id string, in CredentialInput) (Credential, error) {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return Credential{}, err
	}
	current, err := s.store.GetCredential(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return Credential{}, err
	}
	if err := canWriteOwned(actor, "credentials"); err != nil {
		return Credential{}, err
	}
	if err := s.authorizeOwner(ctx, actor, auth.KindCredential, current.UserID); err != nil {
		return Credential{}, err
	}
	if in.UserID != nil && trimPtr(in.UserID) != current.UserID {
		owner, err := s.activeUser(ctx, trimPtr(in.UserID), "user_id")
		if err != nil {
			return Credential{}, err
		}
		if err := assignable(actor, owner, "credentials"); err != nil {
			return Credential{}, err
		}
		if err := auth.Authorize(actor, auth.Target{Kind: auth.KindCredential, Owner: ptrFacts(owner.Facts())}); err != nil {
			return Credential{}, err
		}
		current.UserID = owner.ID
	}
	if in.ServiceID != nil && trimPtr(in.ServiceID) != current.ServiceID {
		svc, err := s.activeService(ctx, trimPtr(in.ServiceID), "service_id")
		if err != nil {
			return Credential{}, err
		}
		current.ServiceID = svc.ID
	}
	in.apply(&current)
	if err := normalizeSecret(&current); err != nil {
		return Credential{}, err
	}
	rec := record(ctx, actor, audit.ActionUpdate, "Credential", current.ID, nil)
	updated, err := s.store.UpdateCredential(ctx, current, ChangeUpdate, actor.ID, rec)
	if err != nil {
		return Credential{}, err
	}
	audit.LogEvent(ctx, rec)
	return updated, nil
}

// DisableCredential soft-deletes a credential; its ServiceAccess follows.
func (s *Vault) DisableCredential(ctx context.Context, actor auth.Actor, id string) error {
	scope, err := s.scope(ctx, actor)
	if err != nil {
		return err
	}
	current, err := s.store.GetCredential(ctx, scope, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := canWriteOwned(actor, "credentials"); err != nil {
		return err
	}
	if err := s.authorizeOwner(ctx, actor, auth.KindCredential, current.UserID); err != nil {
		return err
	}
	current.IsActive = false
	rec := record(ctx, actor, audit.ActionDisable, "Credential", current.ID, nil)
	if _, err := s.store.UpdateCredential(ctx, current, ChangeDisable, actor.ID, rec); err != nil {
		return err
	}
	audit.LogEvent(ctx, rec)
	return nil
}
