//go:build sqlite

package audit

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-less SQLite driver
)

// SQLiteAuditLogger is a SQLite-backed implementation of AuditLogger.
type SQLiteAuditLogger struct {
	db *sql.DB
}

// NewSQLiteAuditLoggerFromDB creates a new SQLite-backed audit logger using
// the store's DB connection. The audit_logs table comes from the storage
// migrations.
func NewSQLiteAuditLoggerFromDB(db *sql.DB) *SQLiteAuditLogger {
	return &SQLiteAuditLogger{db: db}
}

// Log records an event to the database.
func (s *SQLiteAuditLogger) Log(ctx context.Context, event *LoginEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Provider,
		event.Route,
		event.Outcome,
		nullString(event.ExternalID),
		nullString(event.Username),
		nullString(event.ErrorKind),
		nullString(event.RequestID),
		nullString(event.IPAddress),
	)
	return err
}

// List retrieves events with optional filtering.
func (s *SQLiteAuditLogger) List(ctx context.Context, opts ListOptions) ([]*LoginEvent, int, error) {
	where, args := whereClause(opts,
		func(int) string { return "?" },
		func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) })

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + eventColumns + " FROM audit_logs WHERE " + where +
		" ORDER BY timestamp DESC LIMIT " + strconv.Itoa(opts.limit()) + " OFFSET " + strconv.Itoa(max(opts.Offset, 0))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*LoginEvent
	for rows.Next() {
		var (
			e                                         LoginEvent
			ts                                        string
			extID, username, kind, requestID, address sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Provider, &e.Route, &e.Outcome,
			&extID, &username, &kind, &requestID, &address); err != nil {
			return nil, 0, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.ExternalID = extID.String
		e.Username = username.String
		e.ErrorKind = kind.String
		e.RequestID = requestID.String
		e.IPAddress = address.String
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
