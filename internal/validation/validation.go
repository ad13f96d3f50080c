// Package validation checks the shape of caller-supplied login and lookup
// fields before they reach a provider or a store.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Validation error types for specific error handling.
var (
	ErrEmptyValue    = errors.New("value cannot be empty")
	ErrTooLong       = errors.New("value exceeds maximum length")
	ErrInvalidFormat = errors.New("invalid format")
)

// Constraints for validation.
const (
	MaxUsernameLength   = 255
	MaxSecretLength     = 16 << 10
	MaxExternalIDLength = 512
)

// FieldError names the offending field and why it was rejected.
type FieldError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, truncate(e.Value, 50), e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ValidateLogin checks a direct login request. Empty values are left for the
// login coordinator to refuse; only malformed input fails here.
func ValidateLogin(username, secret string) error {
	if len(username) > MaxUsernameLength {
		return &FieldError{
			Field:  "username",
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", MaxUsernameLength),
			Err:    ErrTooLong,
		}
	}
	if hasControl(username) {
		return &FieldError{Field: "username", Value: username, Reason: "contains control characters", Err: ErrInvalidFormat}
	}
	// secret is never echoed back.
	if len(secret) > MaxSecretLength {
		return &FieldError{
			Field:  "secret",
			Reason: fmt.Sprintf("exceeds maximum length of %d bytes", MaxSecretLength),
			Err:    ErrTooLong,
		}
	}
	return nil
}

// ValidateExternalID checks a "scheme:id" external id key.
func ValidateExternalID(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &FieldError{Field: "external_id", Reason: "cannot be empty", Err: ErrEmptyValue}
	}
	if len(key) > MaxExternalIDLength {
		return &FieldError{
			Field:  "external_id",
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", MaxExternalIDLength),
			Err:    ErrTooLong,
		}
	}
	scheme, id, ok := strings.Cut(key, ":")
	if !ok || scheme == "" || id == "" {
		return &FieldError{Field: "external_id", Value: key, Reason: "must be in format 'scheme:id'", Err: ErrInvalidFormat}
	}
	if hasControl(key) {
		return &FieldError{Field: "external_id", Value: key, Reason: "contains control characters", Err: ErrInvalidFormat}
	}
	return nil
}

func hasControl(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}

// truncate shortens a string for display in error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
