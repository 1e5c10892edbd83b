package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
)

const (
	accountColumns = `id, username, domain, uri, followers_uri, inbox_uri, shared_inbox_uri, display_name, public_key_pem, private_key_pem, created_at, last_fetched_at`

	sqlInsertAccount = `INSERT INTO accounts(` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpsertAccount = `INSERT INTO accounts(` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET followers_uri = excluded.followers_uri, inbox_uri = excluded.inbox_uri,
		shared_inbox_uri = excluded.shared_inbox_uri, display_name = excluded.display_name,
		public_key_pem = excluded.public_key_pem, last_fetched_at = excluded.last_fetched_at`
	sqlSelectAccountByURI       = `SELECT ` + accountColumns + ` FROM accounts WHERE uri = ?`
	sqlSelectAccountById        = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectLocalAccountByName = `SELECT ` + accountColumns + ` FROM accounts WHERE username = ? AND domain = ''`
	sqlSelectAccountByAcct      = `SELECT ` + accountColumns + ` FROM accounts WHERE username = ? AND domain = ?`

	sqlInsertFollow           = `INSERT OR IGNORE INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlDeleteFollow           = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowByURI      = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI      = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlSelectLocalFollowerIds = `SELECT follows.account_id FROM follows
		INNER JOIN accounts ON accounts.id = follows.account_id
		WHERE follows.target_account_id = ? AND follows.accepted = 1 AND accounts.domain = ''
		ORDER BY follows.created_at`
	sqlSelectRemoteFollowerInboxes = `SELECT DISTINCT CASE WHEN accounts.shared_inbox_uri != '' THEN accounts.shared_inbox_uri ELSE accounts.inbox_uri END
		FROM follows INNER JOIN accounts ON accounts.id = follows.account_id
		WHERE follows.target_account_id = ? AND follows.accepted = 1 AND accounts.domain != ''`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.Id, &acc.Username, &acc.Domain, &acc.URI, &acc.FollowersURI, &acc.InboxURI,
		&acc.SharedInbox, &acc.DisplayName, &acc.PublicKeyPem, &acc.PrivateKeyPem, &acc.CreatedAt, &acc.LastFetchedAt)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func accountArgs(acc *domain.Account) []any {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.LastFetchedAt.IsZero() {
		acc.LastFetchedAt = now
	}
	return []any{acc.Id, acc.Username, acc.Domain, acc.URI, acc.FollowersURI, acc.InboxURI,
		acc.SharedInbox, acc.DisplayName, acc.PublicKeyPem, acc.PrivateKeyPem, acc.CreatedAt, acc.LastFetchedAt}
}

func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, accountArgs(acc)...)
		return err
	})
}

// UpsertRemoteAccount stores a fetched remote actor, refreshing the cached
// copy when the URI is already known. acc.Id is set to the stored id.
func (db *DB) UpsertRemoteAccount(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlUpsertAccount, accountArgs(acc)...); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT id FROM accounts WHERE uri = ?`, acc.URI).Scan(&acc.Id)
	})
}

// FindAccountByURI returns nil and no error when the URI is unknown.
func (db *DB) FindAccountByURI(ctx context.Context, uri string) (*domain.Account, error) {
	acc, err := scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByURI, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acc, err
}

func (db *DB) FindAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	acc, err := scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountById, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acc, err
}

func (db *DB) FindLocalAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	acc, err := scanAccount(db.db.QueryRowContext(ctx, sqlSelectLocalAccountByName, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acc, err
}

// FindAccountByAcct looks up user or user@domain. The local domain may be
// given explicitly as localDomain.
func (db *DB) FindAccountByAcct(ctx context.Context, acct, localDomain string) (*domain.Account, error) {
	username, host, _ := strings.Cut(strings.TrimPrefix(acct, "@"), "@")
	if strings.EqualFold(host, localDomain) {
		host = ""
	}
	acc, err := scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByAcct, username, strings.ToLower(host)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acc, err
}

// LocalAccountIds keeps the ids that belong to local accounts, in input order.
func (db *DB) LocalAccountIds(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id FROM accounts WHERE domain = '' AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	found, err := db.queryIds(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	local := make(map[uuid.UUID]struct{}, len(found))
	for _, id := range found {
		local[id] = struct{}{}
	}
	out := make([]uuid.UUID, 0, len(found))
	for _, id := range ids {
		if _, ok := local[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// CreateFollow is a no-op when the relationship already exists.
func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow, follow.Id, follow.AccountId, follow.TargetAccountId, follow.URI, follow.Accepted, follow.CreatedAt)
		return err
	})
}

func (db *DB) DeleteFollow(ctx context.Context, accountId, targetAccountId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollow, accountId, targetAccountId)
		return err
	})
}

func (db *DB) DeleteFollowByURI(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

// AcceptFollowByURI marks an outgoing follow as accepted by the remote.
func (db *DB) AcceptFollowByURI(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

// LocalFollowerIds lists the local accounts with an accepted follow of accountId.
func (db *DB) LocalFollowerIds(ctx context.Context, accountId uuid.UUID) ([]uuid.UUID, error) {
	return db.queryIds(ctx, sqlSelectLocalFollowerIds, accountId)
}

// RemoteFollowerInboxes lists one inbox per remote follower, shared inboxes
// collapsed.
func (db *DB) RemoteFollowerInboxes(ctx context.Context, accountId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectRemoteFollowerInboxes, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		if inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, rows.Err()
}

func (db *DB) queryIds(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
