// Package audit records the outcome of every login attempt.
package audit

import (
	"context"
	"time"
)

// LoginEvent is one login attempt through any route.
type LoginEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Provider   string    `json:"provider"`
	Route      string    `json:"route"`   // "web", "token", "password" or "reject"
	Outcome    string    `json:"outcome"` // "success" or "failure"
	ExternalID string    `json:"external_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

// ListOptions provides filtering and pagination options for listing events.
type ListOptions struct {
	Limit      int
	Offset     int
	Provider   string
	Outcome    string
	Username   string
	ExternalID string
	Since      *time.Time
	Until      *time.Time
}

// Pagination bounds applied by every logger.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	}
	return o.Limit
}

// AuditLogger defines the interface for audit logging operations.
type AuditLogger interface {
	// Log records an event, assigning ID and Timestamp when unset.
	Log(ctx context.Context, event *LoginEvent) error

	// List retrieves events newest first, with the total match count.
	List(ctx context.Context, opts ListOptions) ([]*LoginEvent, int, error)
}

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type contextKey string

const clientIPKey contextKey = "client_ip"

// WithClientIP stores the caller address for events logged under ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the caller address, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
