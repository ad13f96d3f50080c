//go:build postgres

package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLogger is a PostgreSQL-backed implementation of AuditLogger.
type PostgresAuditLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLoggerFromPool creates a new PostgreSQL-backed audit logger using an existing pool.
func NewPostgresAuditLoggerFromPool(pool *pgxpool.Pool) *PostgresAuditLogger {
	return &PostgresAuditLogger{pool: pool}
}

// Log records an event to the database.
func (s *PostgresAuditLogger) Log(ctx context.Context, event *LoginEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Timestamp, event.Provider, event.Route, event.Outcome,
		nullStr(event.ExternalID), nullStr(event.Username), nullStr(event.ErrorKind),
		nullStr(event.RequestID), nullStr(event.IPAddress),
	)
	return err
}

// List retrieves events with optional filtering.
func (s *PostgresAuditLogger) List(ctx context.Context, opts ListOptions) ([]*LoginEvent, int, error) {
	where, args := whereClause(opts,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t })

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT id::text, timestamp, provider, route, outcome, external_id, username, error_kind, request_id, ip_address" +
		" FROM audit_logs WHERE " + where +
		" ORDER BY timestamp DESC LIMIT " + strconv.Itoa(opts.limit()) + " OFFSET " + strconv.Itoa(max(opts.Offset, 0))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*LoginEvent, error) {
		var (
			e                                         LoginEvent
			extID, username, kind, requestID, address *string
		)
		if err := row.Scan(&e.ID, &e.Timestamp, &e.Provider, &e.Route, &e.Outcome,
			&extID, &username, &kind, &requestID, &address); err != nil {
			return nil, err
		}
		e.ExternalID = deref(extID)
		e.Username = deref(username)
		e.ErrorKind = deref(kind)
		e.RequestID = deref(requestID)
		e.IPAddress = deref(address)
		return &e, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
