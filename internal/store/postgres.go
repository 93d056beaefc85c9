package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// wrapErr turns context expiry into the retryable ErrStoreUnavailable so a
// slow database never masquerades as a missing row.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pronouns, created_at FROM accounts WHERE id=$1
	`, accountID).Scan(&account.ID, &account.Pronouns, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, wrapErr("get account", err)
	}
	return account, nil
}

func (s *PostgresStore) GetAccountByIdentity(ctx context.Context, platform, platformUserID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.pronouns, a.created_at
		FROM identity_links l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.platform=$1 AND l.platform_user_id=$2
	`, platform, platformUserID).Scan(&account.ID, &account.Pronouns, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, wrapErr("get account by identity", err)
	}
	return account, nil
}

// GetPronounsByIdentity is the hot single-lookup read path.
func (s *PostgresStore) GetPronounsByIdentity(ctx context.Context, platform, platformUserID string) (string, error) {
	var pronouns string
	err := s.db.QueryRowContext(ctx, `
		SELECT a.pronouns
		FROM identity_links l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.platform=$1 AND l.platform_user_id=$2
	`, platform, platformUserID).Scan(&pronouns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapErr("get pronouns by identity", err)
	}
	return pronouns, nil
}

func (s *PostgresStore) GetPronounsByIdentitiesBulk(ctx context.Context, platform string, platformUserIDs []string, maxBatch int) (map[string]string, error) {
	if len(platformUserIDs) > maxBatch {
		return nil, fmt.Errorf("bulk lookup of %d ids: %w", len(platformUserIDs), ErrBatchTooLarge)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.platform_user_id, a.pronouns
		FROM identity_links l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.platform=$1 AND l.platform_user_id = ANY($2)
	`, platform, platformUserIDs)
	if err != nil {
		return nil, wrapErr("bulk lookup", err)
	}
	defer rows.Close()

	result := make(map[string]string, len(platformUserIDs))
	for rows.Next() {
		var id, pronouns string
		if err := rows.Scan(&id, &pronouns); err != nil {
			return nil, wrapErr("scan bulk lookup", err)
		}
		result[id] = pronouns
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate bulk lookup", err)
	}
	return result, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, initialPronouns string) (Account, error) {
	account := Account{ID: uuid.NewString(), Pronouns: initialPronouns}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, pronouns)
		VALUES ($1, $2)
		RETURNING created_at
	`, account.ID, account.Pronouns).Scan(&account.CreatedAt)
	if err != nil {
		return Account{}, wrapErr("create account", err)
	}
	return account, nil
}

// SetPronouns overwrites the declaration; repeating the same value is a no-op
// success.
func (s *PostgresStore) SetPronouns(ctx context.Context, accountID, value string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET pronouns=$2 WHERE id=$1
	`, accountID, value)
	if err != nil {
		return wrapErr("set pronouns", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapErr("set pronouns rows", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkIdentity claims (platform, platformUserID) for accountID with a single
// conditional insert, so two racing link attempts resolve to exactly one
// persisted link. Re-linking an identity the account already owns succeeds
// without touching the row.
func (s *PostgresStore) LinkIdentity(ctx context.Context, accountID, platform, platformUserID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO identity_links (platform, platform_user_id, account_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (platform, platform_user_id) DO NOTHING
		`, platform, platformUserID, accountID)
		if err != nil {
			return wrapErr("link identity", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return wrapErr("link identity rows", err)
		}
		if affected > 0 {
			return nil
		}

		var owner string
		err = s.db.QueryRowContext(ctx, `
			SELECT account_id FROM identity_links
			WHERE platform=$1 AND platform_user_id=$2
		`, platform, platformUserID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			// The conflicting link was unlinked between our insert and this
			// read; retry the insert once.
			continue
		}
		if err != nil {
			return wrapErr("link identity owner", err)
		}
		if owner == accountID {
			return nil
		}
		return ErrCollision
	}
	return wrapErr("link identity", ErrStoreUnavailable)
}

func (s *PostgresStore) UnlinkIdentity(ctx context.Context, accountID, platform string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM identity_links WHERE account_id=$1 AND platform=$2
	`, accountID, platform)
	if err != nil {
		return wrapErr("unlink identity", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapErr("unlink identity rows", err)
	}
	if affected == 0 {
		return ErrNotOwner
	}
	return nil
}

// DeleteAccount removes the account; identity links go with it through the
// foreign key cascade.
func (s *PostgresStore) DeleteAccount(ctx context.Context, accountID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=$1`, accountID)
	if err != nil {
		return wrapErr("delete account", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapErr("delete account rows", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, accountID string) ([]IdentityLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, platform_user_id, account_id, created_at
		FROM identity_links
		WHERE account_id=$1
		ORDER BY platform ASC
	`, accountID)
	if err != nil {
		return nil, wrapErr("list identities", err)
	}
	defer rows.Close()

	items := make([]IdentityLink, 0)
	for rows.Next() {
		var item IdentityLink
		if err := rows.Scan(&item.Platform, &item.PlatformUserID, &item.AccountID, &item.CreatedAt); err != nil {
			return nil, wrapErr("scan identity", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate identities", err)
	}
	return items, nil
}

func (s *PostgresStore) CountAccounts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count)
	if err != nil {
		return 0, wrapErr("count accounts", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
