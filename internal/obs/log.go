package obs

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const component = "phoenix-vault"

var (
	loggerMu sync.RWMutex
	logger   zerolog.Logger
)

// Field names mirror the JSON lines the log pipeline already parses.
func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.LevelFieldName = "level"
	logger = newLogger(os.Stdout, "info")
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// ConfigureLogger replaces the shared logger. An unknown level falls back to info.
func ConfigureLogger(w io.Writer, level string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = newLogger(w, level)
}

// CaptureLogs redirects the shared logger to w at debug level and returns a restore func.
func CaptureLogs(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w, "debug")
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

var secretFieldNames = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"private_key",
	"privatekey",
	"fernet",
	"code",
	"credential_value",
}

// IsSecretField reports whether a structured-field name looks like it carries secret material.
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range secretFieldNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a short hash so equal values stay correlatable.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}

// RedactFields returns a copy of fields with secret-looking keys masked.
func RedactFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSecretField(k) {
			if s, ok := v.(string); ok {
				out[k] = RedactValue(s)
			} else {
				out[k] = "[REDACTED]"
			}
			continue
		}
		out[k] = v
	}
	return out
}
