//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oauthfed/internal/domain"
	"oauthfed/internal/storage"
)

func (s *Store) CreateAccount(ctx context.Context, in domain.CreateAccount) (*domain.Account, error) {
	exts, err := storage.AccountExternalIDs(in)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	acct := &domain.Account{
		ID:          uuid.NewString(),
		Username:    in.Username,
		DisplayName: in.DisplayName,
		CreatedAt:   now,
	}
	ts := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, username, display_name, created_at) VALUES (?, ?, ?, ?)`,
		acct.ID, nullString(in.Username), in.DisplayName, ts); err != nil {
		return nil, storage.WrapIfConflict(err)
	}
	for _, e := range exts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO external_ids (ext_key, account_id, email, created_at) VALUES (?, ?, ?, ?)`,
			e.Key, acct.ID, nullStringPtr(e.Email), ts); err != nil {
			return nil, storage.WrapIfConflict(err)
		}
		e.AccountID = acct.ID
		e.CreatedAt = now
		acct.ExternalIDs = append(acct.ExternalIDs, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var (
		acct     domain.Account
		username sql.NullString
		ts       string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&acct.ID, &username, &acct.DisplayName, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acct.Username = username.String
	acct.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)

	exts, err := s.externalIDs(ctx, `WHERE account_id = ?`, id)
	if err != nil {
		return nil, err
	}
	acct.ExternalIDs = exts[id]
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
	err := s.db.QueryRowContext(ctx, `SELECT account_id FROM external_ids WHERE ext_key = ?`, key).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT account_id FROM external_ids WHERE ext_key = ?`, ext.Key).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO external_ids (ext_key, account_id, email, created_at) VALUES (?, ?, ?, ?)`,
			ext.Key, accountID, nullStringPtr(ext.Email), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return storage.WrapIfConflict(err)
		}
	case err != nil:
		return err
	case owner != accountID:
		return storage.ErrConflict
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE external_ids SET email = ? WHERE ext_key = ?`,
			nullStringPtr(ext.Email), ext.Key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, display_name, created_at FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		var (
			a        domain.Account
			username sql.NullString
			ts       string
		)
		if err := rows.Scan(&a.ID, &username, &a.DisplayName, &ts); err != nil {
			return nil, err
		}
		a.Username = username.String
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT ext_key, account_id, email, created_at FROM external_ids `+where+` ORDER BY created_at ASC, ext_key ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query external ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.ExternalID)
	for rows.Next() {
		var (
			e     domain.ExternalID
			email sql.NullString
			ts    string
		)
		if err := rows.Scan(&e.Key, &e.AccountID, &email, &ts); err != nil {
			return nil, err
		}
		if email.Valid {
			e.Email = &email.String
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out[e.AccountID] = append(out[e.AccountID], e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
