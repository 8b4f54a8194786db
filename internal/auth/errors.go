package auth

import (
	"errors"
	"fmt"
)

// Error kinds shared by the domain service, the stores and the HTTP edge.
// Callers wrap them with detail via fmt.Errorf("%w: ...", kind).
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("resource conflict")
	ErrUnavailable      = errors.New("service unavailable")
)

// ErrInvalidToken indicates a session token failed validation.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}
