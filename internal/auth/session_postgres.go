//go:build postgres

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore is a PostgreSQL-backed implementation of SessionStore.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStoreFromPool creates a session store using an existing pool.
func NewPostgresSessionStoreFromPool(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

func (s *PostgresSessionStore) Create(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.AccountID == "" {
		return ErrInvalidSession
	}

	metadataJSON := []byte("{}")
	if session.Metadata != nil {
		if b, err := json.Marshal(session.Metadata); err == nil {
			metadataJSON = b
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, account_id, external_id, provider, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		session.ID, session.AccountID, session.ExternalID, session.Provider,
		session.CreatedAt, session.ExpiresAt, string(metadataJSON),
	)
	return err
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	var (
		session      Session
		metadataJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id::text, external_id, provider, created_at, expires_at, metadata
		FROM sessions WHERE id = $1`, id).
		Scan(&session.ID, &session.AccountID, &session.ExternalID, &session.Provider,
			&session.CreatedAt, &session.ExpiresAt, &metadataJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &session.Metadata)
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrSessionNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresSessionStore) DeleteByAccountID(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE account_id = $1`, accountID)
	return err
}

func (s *PostgresSessionStore) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
