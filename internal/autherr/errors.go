// Package autherr defines the error kinds produced by the federation layer.
//
// Every failure is an *Error whose Kind is one of the sentinel values below,
// so callers classify with errors.Is and read details with errors.As.
// Only PublicMessage is ever shown to an unauthenticated caller.
package autherr

import (
	"errors"
	"fmt"
	"strings"
)

// PublicMessage is the only failure text returned to login callers.
const PublicMessage = "authentication error"

// Error kinds.
var (
	// ErrConfiguration is fatal at startup: bad root URL, conflicting providers.
	ErrConfiguration = errors.New("configuration error")

	ErrTokenExchange     = errors.New("token exchange error")
	ErrResourceFetch     = errors.New("resource fetch error")
	ErrMalformedToken    = errors.New("malformed token")
	ErrTokenVerification = errors.New("token verification failed")
	ErrKeyUnavailable    = errors.New("signing key unavailable")
	ErrMissingField      = errors.New("missing required field")
	ErrDomainNotAllowed  = errors.New("domain not allowed")
	ErrAuthentication    = errors.New("authentication failed")
)

var kinds = []error{
	ErrConfiguration,
	ErrTokenExchange,
	ErrResourceFetch,
	ErrMalformedToken,
	ErrTokenVerification,
	ErrKeyUnavailable,
	ErrMissingField,
	ErrDomainNotAllowed,
	ErrAuthentication,
}

// Error is a classified failure.
type Error struct {
	Kind     error
	Provider string
	Op       string
	Detail   string

	// StatusCode and Body are set for failed HTTP exchanges with a provider.
	StatusCode int
	Body       string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind, so errors.Is(err, ErrMissingField) works
// without the kind being in the wrapped chain.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// New returns an error of the given kind.
func New(kind error, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP returns a kind error carrying a provider response for diagnostics.
func HTTP(kind error, op string, status int, body []byte) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: status, Body: truncate(string(body), 2048)}
}

// Configuration is shorthand for a startup configuration error.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: ErrConfiguration, Detail: fmt.Sprintf(format, args...)}
}

// Authentication is shorthand for an authentication rejection.
func Authentication(detail string) *Error {
	return &Error{Kind: ErrAuthentication, Detail: detail}
}

// WithProvider tags err with a provider id when it is an *Error without one.
func WithProvider(err error, provider string) error {
	var e *Error
	if errors.As(err, &e) && e.Provider == "" {
		e.Provider = provider
	}
	return err
}

// KindOf returns the short name of err's kind, or "internal" when err is
// not classified. Suitable for logs, metrics and audit records.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return strings.ReplaceAll(k.Error(), " ", "_")
		}
	}
	return "internal"
}

// IsAuthFailure reports whether err is a per-request login failure, as
// opposed to a configuration or internal error.
func IsAuthFailure(err error) bool {
	for _, k := range kinds[1:] {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
