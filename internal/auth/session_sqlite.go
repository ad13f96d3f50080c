//go:build sqlite

package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSessionStore is a SQLite-backed implementation of SessionStore.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStoreFromDB creates a store using an existing DB connection.
// The sessions table comes from the storage migrations.
func NewSQLiteSessionStoreFromDB(db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

func (s *SQLiteSessionStore) Create(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.AccountID == "" {
		return ErrInvalidSession
	}

	metadataJSON := "{}"
	if session.Metadata != nil {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_id, external_id, provider, created_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID, session.AccountID, session.ExternalID, session.Provider,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.ExpiresAt.UTC().Format(time.RFC3339Nano),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	var (
		session              Session
		createdAt, expiresAt string
		metadataJSON         string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, external_id, provider, created_at, expires_at, metadata
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.AccountID, &session.ExternalID, &session.Provider,
		&createdAt, &expiresAt, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	session.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if metadataJSON != "" && metadataJSON != "{}" {
		_ = json.Unmarshal([]byte(metadataJSON), &session.Metadata)
	}

	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrSessionNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteSessionStore) DeleteByAccountID(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete sessions by account: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
