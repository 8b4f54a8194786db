package vault

import (
	"errors"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort = 22
	apiTokenLogin  = "api-token"
)

// normalizeSecret validates the type-specific fields of c and derives SSH
// key metadata.
func normalizeSecret(c *Credential) error {
	c.Login = strings.TrimSpace(c.Login)
	c.SecretFilename = strings.TrimSpace(c.SecretFilename)

	switch strings.ToLower(strings.TrimSpace(string(c.SecretType))) {
	case "", string(SecretPassword):
		c.SecretType = SecretPassword
	case string(SecretSSHKey):
		c.SecretType = SecretSSHKey
	case string(SecretAPIToken), legacyOAuthSecret:
		c.SecretType = SecretAPIToken
	default:
		return invalid("secret_type must be one of password, ssh_key, api_token")
	}

	if c.SSHPort == 0 {
		c.SSHPort = defaultSSHPort
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		return invalid("ssh_port must be between 1 and 65535")
	}

	switch c.SecretType {
	case SecretPassword:
		if c.Login == "" {
			return invalid("login is required")
		}
		clearSSH(c)
	case SecretAPIToken:
		if c.Login == "" {
			c.Login = apiTokenLogin
		}
		if c.Password == "" {
			return invalid("api token value is required")
		}
		clearSSH(c)
	case SecretSSHKey:
		if c.Login == "" {
			return invalid("login is required")
		}
		if strings.TrimSpace(c.Password) == "" {
			return invalid("ssh private key is required")
		}
		c.SSHHost = strings.TrimSpace(c.SSHHost)
		if err := deriveSSHMetadata(c); err != nil {
			return err
		}
	}
	if len(c.Login) > 255 {
		return invalid("login must be at most 255 characters")
	}
	return nil
}

func clearSSH(c *Credential) {
	c.SSHHost = ""
	c.SSHAlgorithm = ""
	c.SSHPublicKey = ""
	c.SSHFingerprint = ""
}

// deriveSSHMetadata fills algorithm and fingerprint from the supplied public
// key, or from the private key when it is not passphrase protected.
func deriveSSHMetadata(c *Credential) error {
	var pub ssh.PublicKey
	if raw := strings.TrimSpace(c.SSHPublicKey); raw != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			return invalid("ssh_public_key is not a valid OpenSSH public key")
		}
		pub = key
	} else {
		signer, err := ssh.ParsePrivateKey([]byte(c.Password))
		var missing *ssh.PassphraseMissingError
		switch {
		case errors.As(err, &missing):
			if missing.PublicKey != nil {
				pub = missing.PublicKey
			}
		case err != nil:
			return invalid("ssh private key could not be parsed")
		default:
			pub = signer.PublicKey()
		}
	}
	if pub == nil {
		c.SSHAlgorithm, c.SSHPublicKey, c.SSHFingerprint = "", "", ""
		return nil
	}
	alg, err := sshAlgorithm(pub.Type())
	if err != nil {
		return err
	}
	c.SSHAlgorithm = alg
	c.SSHPublicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	c.SSHFingerprint = ssh.FingerprintSHA256(pub)
	return nil
}

func sshAlgorithm(keyType string) (string, error) {
	switch {
	case keyType == ssh.KeyAlgoED25519:
		return "ed25519", nil
	case keyType == ssh.KeyAlgoRSA:
		return "rsa", nil
	case strings.HasPrefix(keyType, "ecdsa-sha2-"):
		return "ecdsa", nil
	}
	return "", invalid("unsupported ssh key algorithm %s", keyType)
}
