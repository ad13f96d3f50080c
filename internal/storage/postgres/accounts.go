//go:build postgres

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"oauthfed/internal/domain"
	"oauthfed/internal/storage"
)

func (s *Store) CreateAccount(ctx context.Context, in domain.CreateAccount) (*domain.Account, error) {
	exts, err := storage.AccountExternalIDs(in)
	if err != nil {
		return nil, err
	}

	acct := &domain.Account{
		ID:          uuid.NewString(),
		Username:    in.Username,
		DisplayName: in.DisplayName,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx,
		`INSERT INTO accounts (id, username, display_name) VALUES ($1, $2, $3) RETURNING created_at`,
		acct.ID, nullStr(in.Username), in.DisplayName).Scan(&acct.CreatedAt); err != nil {
		return nil, wrapConflict(err)
	}

	batch := &pgx.Batch{}
	for _, e := range exts {
		batch.Queue(`INSERT INTO external_ids (ext_key, account_id, email, created_at) VALUES ($1, $2, $3, $4)`,
			e.Key, acct.ID, e.Email, acct.CreatedAt)
		e.AccountID = acct.ID
		e.CreatedAt = acct.CreatedAt
		acct.ExternalIDs = append(acct.ExternalIDs, e)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, wrapConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrNotFound
	}

	var (
		acct     domain.Account
		username *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, username, display_name, created_at FROM accounts WHERE id = $1`, id).
		Scan(&acct.ID, &username, &acct.DisplayName, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if username != nil {
		acct.Username = *username
	}

	exts, err := s.externalIDs(ctx, `WHERE account_id = $1`, id)
	if err != nil {
		return nil, err
	}
	acct.ExternalIDs = exts[acct.ID]
	return &acct, nil
}

func (s *Store) LookupByUsername(ctx context.Context, username string) (*domain.Account, error) {
	if username == "" {
		return nil, storage.ErrNotFound
	}
	return s.LookupByExternalID(ctx, domain.UsernameKey(username))
}

func (s *Store) LookupByExternalID(ctx context.Context, key string) (*domain.Account, error) {
	var accountID string
	err := s.pool.QueryRow(ctx, `SELECT account_id::text FROM external_ids WHERE ext_key = $1`, key).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external id: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) LinkExternalID(ctx context.Context, accountID string, ext domain.ExternalID) error {
	if ext.Key == "" {
		return storage.ErrValidation
	}
	if _, err := uuid.Parse(accountID); err != nil {
		return storage.ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}

	var owner string
	err = tx.QueryRow(ctx, `SELECT account_id::text FROM external_ids WHERE ext_key = $1 FOR UPDATE`, ext.Key).Scan(&owner)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx,
			`INSERT INTO external_ids (ext_key, account_id, email, created_at) VALUES ($1, $2, $3, $4)`,
			ext.Key, accountID, ext.Email, time.Now().UTC()); err != nil {
			return wrapConflict(err)
		}
	case err != nil:
		return err
	case owner != accountID:
		return storage.ErrConflict
	default:
		if _, err := tx.Exec(ctx, `UPDATE external_ids SET email = $1 WHERE ext_key = $2`, ext.Email, ext.Key); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, username, display_name, created_at FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Account, error) {
		var (
			a        domain.Account
			username *string
		)
		if err := row.Scan(&a.ID, &username, &a.DisplayName, &a.CreatedAt); err != nil {
			return nil, err
		}
		if username != nil {
			a.Username = *username
		}
		return &a, nil
	})
	if err != nil {
		return nil, err
	}

	exts, err := s.externalIDs(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		a.ExternalIDs = exts[a.ID]
	}
	return out, nil
}

// externalIDs loads external ids grouped by account id.
func (s *Store) externalIDs(ctx context.Context, where string, args ...any) (map[string][]domain.ExternalID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ext_key, account_id::text, email, created_at FROM external_ids `+where+` ORDER BY created_at ASC, ext_key ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query external ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.ExternalID)
	for rows.Next() {
		var e domain.ExternalID
		if err := rows.Scan(&e.Key, &e.AccountID, &e.Email, &e.CreatedAt); err != nil {
			return nil, err
		}
		out[e.AccountID] = append(out[e.AccountID], e)
	}
	return out, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
