package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fernet/fernet-go"

	"phoenixvault.io/internal/obs"
)

const (
	// AsymPrefix tags values sealed with the asymmetric envelope.
	AsymPrefix = "asym:v1:"
	asymAlg    = "RSA-OAEP-SHA256+AES-256-GCM"

	dataKeyLen = 32
	nonceLen   = 12

	ModeAsymmetric = "asymmetric"
	ModeSymmetric  = "symmetric"
)

// Codec encodes an encrypted field on write and decodes it on read. Stores
// apply it around every encrypted column.
type Codec interface {
	Encode(plaintext string) (string, error)
	Decode(stored string) string
}

// Engine implements Codec with an optional RSA envelope and a Fernet fallback.
type Engine struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
	fernet  *fernet.Key
	rand    io.Reader
}

var _ Codec = (*Engine)(nil)

// Option customises an Engine.
type Option func(*Engine)

// WithRandom overrides the randomness source.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		if r != nil {
			e.rand = r
		}
	}
}

// New builds an engine from resolved key material (see LoadKeys).
func New(keys Keys, opts ...Option) (*Engine, error) {
	e := &Engine{rand: rand.Reader}
	var err error
	if strings.TrimSpace(keys.PublicKeyPEM) != "" {
		if e.public, err = parseRSAPublicKey(keys.PublicKeyPEM); err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
	}
	if strings.TrimSpace(keys.PrivateKeyPEM) != "" {
		if e.private, err = parseRSAPrivateKey(keys.PrivateKeyPEM); err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
	}
	fk := strings.TrimSpace(keys.FernetKey)
	if fk == "" {
		sum := sha256.Sum256([]byte(keys.SecretKey))
		fk = base64.URLEncoding.EncodeToString(sum[:])
	}
	if e.fernet, err = fernet.DecodeKey(fk); err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Mode reports which envelope new values are sealed with.
func (e *Engine) Mode() string {
	if e.public != nil {
		return ModeAsymmetric
	}
	return ModeSymmetric
}

// Encode seals plaintext. Values already carrying the asymmetric tag are
// returned unchanged.
func (e *Engine) Encode(plaintext string) (string, error) {
	if strings.HasPrefix(plaintext, AsymPrefix) {
		return plaintext, nil
	}
	if e.public != nil {
		return e.sealAsymmetric(plaintext)
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), e.fernet)
	if err != nil {
		return "", fmt.Errorf("fernet encrypt: %w", err)
	}
	return string(tok), nil
}

// Decode opens a stored value. It never fails: anything that cannot be
// opened is returned as stored.
func (e *Engine) Decode(stored string) string {
	if strings.HasPrefix(stored, AsymPrefix) {
		if e.private == nil {
			obs.DecryptFallback("no_private_key")
			return stored
		}
		plain, err := e.openAsymmetric(stored)
		if err != nil {
			obs.DecryptFallback("asymmetric_invalid")
			return stored
		}
		return plain
	}
	msg := fernet.VerifyAndDecrypt([]byte(stored), -1, []*fernet.Key{e.fernet})
	if msg == nil {
		obs.DecryptFallback("symmetric_invalid")
		return stored
	}
	return string(msg)
}

type asymPayload struct {
	Alg string `json:"alg"`
	EK  string `json:"ek"`
	N   string `json:"n"`
	CT  string `json:"ct"`
}

func (e *Engine) sealAsymmetric(plaintext string) (string, error) {
	dataKey := make([]byte, dataKeyLen)
	if _, err := io.ReadFull(e.rand, dataKey); err != nil {
		return "", fmt.Errorf("generating data key: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ek, err := rsa.EncryptOAEP(sha256.New(), e.rand, e.public, dataKey, nil)
	if err != nil {
		return "", fmt.Errorf("wrapping data key: %w", err)
	}
	raw, err := json.Marshal(asymPayload{
		Alg: asymAlg,
		EK:  base64.URLEncoding.EncodeToString(ek),
		N:   base64.URLEncoding.EncodeToString(nonce),
		CT:  base64.URLEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", err
	}
	return AsymPrefix + base64.URLEncoding.EncodeToString(raw), nil
}

func (e *Engine) openAsymmetric(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(token, AsymPrefix))
	if err != nil {
		return "", err
	}
	var p asymPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	ek, err := base64.URLEncoding.DecodeString(p.EK)
	if err != nil {
		return "", err
	}
	nonce, err := base64.URLEncoding.DecodeString(p.N)
	if err != nil {
		return "", err
	}
	ct, err := base64.URLEncoding.DecodeString(p.CT)
	if err != nil {
		return "", err
	}
	if len(nonce) != nonceLen {
		return "", errors.New("invalid nonce length")
	}
	dataKey, err := rsa.DecryptOAEP(sha256.New(), nil, e.private, ek, nil)
	if err != nil {
		return "", fmt.Errorf("unwrapping data key: %w", err)
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
