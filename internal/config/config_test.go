package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"phoenixvault.io/internal/auth"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(map[string]string{"SECRET_KEY": "s"})})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Login.ChallengeTTLMinutes != 10 || cfg.Throttle.LoginBurst != "10/min" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if ttl, _ := cfg.SessionTTL(); ttl != 12*time.Hour {
		t.Fatalf("session ttl = %s", ttl)
	}
	if cfg.ChallengeTTL() != 10*time.Minute {
		t.Fatalf("challenge ttl = %s", cfg.ChallengeTTL())
	}
}

func TestSecretKeyRequiredUnlessDebug(t *testing.T) {
	if _, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(nil)}); err == nil || !strings.Contains(err.Error(), "SECRET_KEY") {
		t.Fatalf("expected SECRET_KEY error, got %v", err)
	}
	cfg, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(map[string]string{"DEBUG": "True"})})
	if err != nil {
		t.Fatalf("debug load: %v", err)
	}
	if cfg.Crypto.SecretKey == "" {
		t.Fatal("debug mode should fill a development secret")
	}
}

func TestPrecedenceFileDotenvEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "phoenix.toml", `
http_addr = ":7000"
log_level = "debug"

[crypto]
secret_key = "from-file"

[login]
challenge_ttl_minutes = 3
`)
	dotenv := writeFile(t, dir, ".env", "LOGIN_CHALLENGE_TTL_MINUTES=5\nPHOENIX_HTTP_ADDR=:7100\n")

	cfg, err := Load(Options{
		Path:     file,
		EnvFiles: []string{dotenv},
		Lookup:   envMap(map[string]string{"PHOENIX_HTTP_ADDR": ":7200"}),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Crypto.SecretKey != "from-file" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Login.ChallengeTTLMinutes != 5 {
		t.Fatalf("dotenv should override file, got %d", cfg.Login.ChallengeTTLMinutes)
	}
	if cfg.HTTPAddr != ":7200" {
		t.Fatalf("environment should override dotenv, got %q", cfg.HTTPAddr)
	}
}

func TestConfigPathFromEnvironment(t *testing.T) {
	file := writeFile(t, t.TempDir(), "c.toml", "[crypto]\nsecret_key = \"k\"\n")
	cfg, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(map[string]string{"PHOENIX_CONFIG": file})})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.SecretKey != "k" {
		t.Fatalf("PHOENIX_CONFIG not honoured: %+v", cfg.Crypto)
	}
}

func TestUnknownFileKeyRejected(t *testing.T) {
	file := writeFile(t, t.TempDir(), "c.toml", "secret = \"x\"\n")
	if _, err := Load(Options{Path: file, EnvFiles: []string{}, Lookup: envMap(map[string]string{"SECRET_KEY": "s"})}); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bool":   {"SECRET_KEY": "s", "LOGIN_CHALLENGE_ENABLED": "maybe"},
		"int":    {"SECRET_KEY": "s", "LOGIN_CHALLENGE_TTL_MINUTES": "ten"},
		"rate":   {"SECRET_KEY": "s", "THROTTLE_LOGIN_BURST": "10/fortnight"},
		"role":   {"SECRET_KEY": "s", "PASSWORDLESS_ROLES": "employee,janitor"},
		"ttl":    {"SECRET_KEY": "s", "PHOENIX_SESSION_TTL": "forever"},
		"nonpos": {"SECRET_KEY": "s", "LOGIN_CHALLENGE_TTL_MINUTES": "0"},
	}
	for name, env := range cases {
		if _, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(env)}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoginPolicyNormalizesRoles(t *testing.T) {
	cfg, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(map[string]string{
		"SECRET_KEY":               "s",
		"PASSWORDLESS_ROLES":       "admin, employee",
		"ALLOW_PASSWORDLESS_LOGIN": "False",
		"LOGIN_CHALLENGE_ENABLED":  "True",
	})})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	policy, err := cfg.LoginPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.AllowPasswordless || !policy.ChallengeEnabled {
		t.Fatalf("unexpected policy flags: %+v", policy)
	}
	if len(policy.PasswordlessRoles) != 2 || policy.PasswordlessRoles[0] != auth.RoleHead {
		t.Fatalf("unexpected roles: %v", policy.PasswordlessRoles)
	}
}
