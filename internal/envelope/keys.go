package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Keys is the key material the engine is configured with. Inline PEM values
// take precedence over the *Path fields.
type Keys struct {
	SecretKey      string
	FernetKey      string
	PublicKeyPEM   string
	PrivateKeyPEM  string
	PublicKeyPath  string
	PrivateKeyPath string
}

// LoadKeys resolves PEM material from files when no inline value is set.
// A path that does not exist means the key is not configured.
func LoadKeys(k Keys) (Keys, error) {
	var err error
	if k.PublicKeyPEM, err = resolveMaterial(k.PublicKeyPEM, k.PublicKeyPath); err != nil {
		return Keys{}, fmt.Errorf("public key: %w", err)
	}
	if k.PrivateKeyPEM, err = resolveMaterial(k.PrivateKeyPEM, k.PrivateKeyPath); err != nil {
		return Keys{}, fmt.Errorf("private key: %w", err)
	}
	return k, nil
}

func resolveMaterial(inline, path string) (string, error) {
	if strings.TrimSpace(inline) != "" {
		return inline, nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}

// KeyPair holds PEM encoded RSA keys.
type KeyPair struct {
	PrivatePEM []byte
	PublicPEM  []byte
}

// GenerateKeyPair creates an RSA key pair encoded as PKCS#8 private and
// SubjectPublicKeyInfo public PEM blocks.
func GenerateKeyPair(bits int) (KeyPair, error) {
	if bits < 2048 {
		return KeyPair{}, fmt.Errorf("key size %d is below 2048 bits", bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate RSA key pair: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshal public key: %w", err)
	}
	return KeyPair{
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		PublicPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}, nil
}

// ErrKeyExists is returned by WriteKeyPair when a target exists and overwrite is off.
var ErrKeyExists = errors.New("key file already exists")

// WriteKeyPair generates a 2048-bit pair and writes it to disk. The private key
// is written with 0600 permissions.
func WriteKeyPair(privateOut, publicOut string, overwrite bool) error {
	if !overwrite {
		for _, p := range []string{privateOut, publicOut} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%w: %s (use --overwrite)", ErrKeyExists, p)
			}
		}
	}
	pair, err := GenerateKeyPair(2048)
	if err != nil {
		return err
	}
	if err := writeFile(privateOut, pair.PrivatePEM, 0o600); err != nil {
		return err
	}
	return writeFile(publicOut, pair.PublicPEM, 0o644)
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, perm)
}
