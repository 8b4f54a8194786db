// Package config loads service settings from an optional TOML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/throttle"
	"phoenixvault.io/internal/vault"
)

// devSecretKey is only accepted when debug is on.
const devSecretKey = "phoenix-vault-insecure-dev-secret"

type Config struct {
	Debug          bool     `toml:"debug"`
	HTTPAddr       string   `toml:"http_addr"`
	GRPCAddr       string   `toml:"grpc_addr"`
	LogLevel       string   `toml:"log_level"`
	AllowedOrigins []string `toml:"allowed_origins"`

	Database Database `toml:"database"`
	Redis    Redis    `toml:"redis"`
	Crypto   Crypto   `toml:"crypto"`
	Login    Login    `toml:"login"`
	Mail     Mail     `toml:"mail"`
	Throttle Throttle `toml:"throttle"`
}

type Database struct {
	DSN string `toml:"dsn"`
}

type Redis struct {
	URL string `toml:"url"`
}

type Crypto struct {
	SecretKey      string `toml:"secret_key"`
	FernetKey      string `toml:"fernet_key"`
	PublicKey      string `toml:"asymmetric_public_key"`
	PublicKeyPath  string `toml:"asymmetric_public_key_path"`
	PrivateKey     string `toml:"asymmetric_private_key"`
	PrivateKeyPath string `toml:"asymmetric_private_key_path"`
}

type Login struct {
	AllowPasswordless   bool     `toml:"allow_passwordless"`
	PasswordlessRoles   []string `toml:"passwordless_roles"`
	ChallengeEnabled    bool     `toml:"challenge_enabled"`
	ChallengeTTLMinutes int      `toml:"challenge_ttl_minutes"`
	// SessionTTL is a Go duration string, e.g. "12h".
	SessionTTL string `toml:"session_ttl"`
}

type Mail struct {
	Enabled  bool   `toml:"enabled"`
	From     string `toml:"from"`
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

// Throttle holds rates in "N/period" form; "off" disables a rate.
type Throttle struct {
	LoginBurst          string `toml:"login_burst"`
	LoginSustained      string `toml:"login_sustained"`
	AccessRequestCreate string `toml:"access_request_create"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Login: Login{
			AllowPasswordless:   true,
			PasswordlessRoles:   []string{"employee", "head"},
			ChallengeTTLMinutes: 10,
			SessionTTL:          "12h",
		},
		Mail: Mail{
			From:     "phoenix-vault@example.com",
			Exchange: "phoenix.mail",
		},
		Throttle: Throttle{
			LoginBurst:          "10/min",
			LoginSustained:      "50/hour",
			AccessRequestCreate: "20/day",
		},
	}
}

// Options controls where Load looks.
type Options struct {
	// Path of the TOML file; empty falls back to PHOENIX_CONFIG, then no file.
	Path string
	// EnvFiles are dotenv files; missing files are skipped. Defaults to ".env".
	EnvFiles []string
	// Lookup reads the process environment; defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load merges defaults, the TOML file, dotenv files and the environment,
// then validates the result.
func Load(opts Options) (Config, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path, _ = lookup("PHOENIX_CONFIG")
	}
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
		}
	}

	dotenv, err := readDotenv(opts.EnvFiles)
	if err != nil {
		return Config{}, err
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readDotenv(files []string) (map[string]string, error) {
	if files == nil {
		files = []string{".env"}
	}
	out := map[string]string{}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		vals, err := godotenv.Read(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		// earlier files win, matching godotenv.Load
		for k, v := range vals {
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out, nil
}

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		v, ok := env(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return
		}
		*dst = b
	}
	list := func(key string, dst *[]string) {
		if v, ok := env(key); ok {
			*dst = splitList(v)
		}
	}

	boolean("DEBUG", &cfg.Debug)
	str("PHOENIX_HTTP_ADDR", &cfg.HTTPAddr)
	str("PHOENIX_GRPC_ADDR", &cfg.GRPCAddr)
	str("PHOENIX_LOG_LEVEL", &cfg.LogLevel)
	list("PHOENIX_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	str("PHOENIX_PG_DSN", &cfg.Database.DSN)
	str("PHOENIX_REDIS_URL", &cfg.Redis.URL)

	str("SECRET_KEY", &cfg.Crypto.SecretKey)
	str("FERNET_KEY", &cfg.Crypto.FernetKey)
	str("ASYMMETRIC_PUBLIC_KEY", &cfg.Crypto.PublicKey)
	str("ASYMMETRIC_PUBLIC_KEY_PATH", &cfg.Crypto.PublicKeyPath)
	str("ASYMMETRIC_PRIVATE_KEY", &cfg.Crypto.PrivateKey)
	str("ASYMMETRIC_PRIVATE_KEY_PATH", &cfg.Crypto.PrivateKeyPath)

	boolean("ALLOW_PASSWORDLESS_LOGIN", &cfg.Login.AllowPasswordless)
	list("PASSWORDLESS_ROLES", &cfg.Login.PasswordlessRoles)
	boolean("LOGIN_CHALLENGE_ENABLED", &cfg.Login.ChallengeEnabled)
	if v, ok := env("LOGIN_CHALLENGE_TTL_MINUTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("LOGIN_CHALLENGE_TTL_MINUTES: invalid integer %q", v))
		} else {
			cfg.Login.ChallengeTTLMinutes = n
		}
	}
	str("PHOENIX_SESSION_TTL", &cfg.Login.SessionTTL)

	boolean("EMAIL_NOTIFICATIONS_ENABLED", &cfg.Mail.Enabled)
	str("DEFAULT_FROM_EMAIL", &cfg.Mail.From)
	str("PHOENIX_AMQP_URL", &cfg.Mail.AMQPURL)
	str("PHOENIX_AMQP_EXCHANGE", &cfg.Mail.Exchange)

	str("THROTTLE_LOGIN_BURST", &cfg.Throttle.LoginBurst)
	str("THROTTLE_LOGIN_SUSTAINED", &cfg.Throttle.LoginSustained)
	str("THROTTLE_ACCESS_REQUEST_CREATE", &cfg.Throttle.AccessRequestCreate)
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks required settings. In debug mode a missing secret key is
// replaced with a development value.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Crypto.SecretKey) == "" {
		if !c.Debug {
			return errors.New("SECRET_KEY is required unless DEBUG is enabled")
		}
		c.Crypto.SecretKey = devSecretKey
	}
	if c.Login.ChallengeTTLMinutes <= 0 {
		return errors.New("LOGIN_CHALLENGE_TTL_MINUTES must be positive")
	}
	if _, err := c.SessionTTL(); err != nil {
		return err
	}
	if _, err := c.LoginPolicy(); err != nil {
		return err
	}
	for key, raw := range map[string]string{
		"THROTTLE_LOGIN_BURST":           c.Throttle.LoginBurst,
		"THROTTLE_LOGIN_SUSTAINED":       c.Throttle.LoginSustained,
		"THROTTLE_ACCESS_REQUEST_CREATE": c.Throttle.AccessRequestCreate,
	} {
		if _, err := throttle.ParseRate(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// SessionTTL parses the session lifetime.
func (c Config) SessionTTL() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(c.Login.SessionTTL))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("PHOENIX_SESSION_TTL: invalid duration %q", c.Login.SessionTTL)
	}
	return d, nil
}

func (c Config) ChallengeTTL() time.Duration {
	return time.Duration(c.Login.ChallengeTTLMinutes) * time.Minute
}

// LoginPolicy builds the authenticator policy; "admin" roles map to head.
func (c Config) LoginPolicy() (vault.LoginPolicy, error) {
	roles, err := auth.ParseRoles(c.Login.PasswordlessRoles)
	if err != nil {
		return vault.LoginPolicy{}, fmt.Errorf("PASSWORDLESS_ROLES: %w", err)
	}
	return vault.LoginPolicy{
		AllowPasswordless: c.Login.AllowPasswordless,
		PasswordlessRoles: roles,
		ChallengeEnabled:  c.Login.ChallengeEnabled,
		Debug:             c.Debug,
	}, nil
}

func (c Config) EnvelopeKeys() envelope.Keys {
	return envelope.Keys{
		SecretKey:      c.Crypto.SecretKey,
		FernetKey:      c.Crypto.FernetKey,
		PublicKeyPEM:   c.Crypto.PublicKey,
		PrivateKeyPEM:  c.Crypto.PrivateKey,
		PublicKeyPath:  c.Crypto.PublicKeyPath,
		PrivateKeyPath: c.Crypto.PrivateKeyPath,
	}
}

// Rates returns the parsed throttle rates. Call after Validate.
func (c Config) Rates() (burst, sustained, accessRequest throttle.Rate) {
	burst, _ = throttle.ParseRate(c.Throttle.LoginBurst)
	sustained, _ = throttle.ParseRate(c.Throttle.LoginSustained)
	accessRequest, _ = throttle.ParseRate(c.Throttle.AccessRequestCreate)
	return burst, sustained, accessRequest
}
