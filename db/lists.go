package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
)

const (
	sqlInsertList        = `INSERT INTO lists(id, account_id, title) VALUES (?, ?, ?)`
	sqlSelectListById    = `SELECT id, account_id, title FROM lists WHERE id = ?`
	sqlInsertListAccount = `INSERT OR IGNORE INTO list_accounts(list_id, account_id) VALUES (?, ?)`
	// Lists that contain the author and whose owner follows the author.
	sqlSelectListsContaining = `SELECT lists.id, lists.account_id, lists.title FROM lists
		INNER JOIN list_accounts ON list_accounts.list_id = lists.id
		INNER JOIN follows ON follows.account_id = lists.account_id AND follows.target_account_id = list_accounts.account_id
		WHERE list_accounts.account_id = ? AND follows.accepted = 1
		ORDER BY lists.id`

	sqlInsertPushSubscription        = `INSERT INTO push_subscriptions(id, account_id, endpoint, active, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectActivePushSubscriptions = `SELECT id, account_id, endpoint, active, created_at FROM push_subscriptions WHERE account_id = ? AND active = 1 ORDER BY created_at`
	sqlSelectPushSubscriptionById    = `SELECT id, account_id, endpoint, active, created_at FROM push_subscriptions WHERE id = ?`
	sqlDeactivatePushSubscription    = `UPDATE push_subscriptions SET active = 0 WHERE id = ?`
)

func (db *DB) CreateList(ctx context.Context, list *domain.List, members ...uuid.UUID) error {
	if list.Id == uuid.Nil {
		list.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertList, list.Id, list.AccountId, list.Title); err != nil {
			return err
		}
		for _, member := range members {
			if _, err := tx.Exec(sqlInsertListAccount, list.Id, member); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindListById returns nil and no error when the list does not exist.
func (db *DB) FindListById(ctx context.Context, id uuid.UUID) (*domain.List, error) {
	var l domain.List
	err := db.db.QueryRowContext(ctx, sqlSelectListById, id).Scan(&l.Id, &l.AccountId, &l.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (db *DB) AddListAccount(ctx context.Context, listId, accountId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertListAccount, listId, accountId)
		return err
	})
}

// ListsContaining returns the lists that should receive statuses by authorId.
func (db *DB) ListsContaining(ctx context.Context, authorId uuid.UUID) ([]domain.List, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectListsContaining, authorId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []domain.List
	for rows.Next() {
		var l domain.List
		if err := rows.Scan(&l.Id, &l.AccountId, &l.Title); err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (db *DB) CreatePushSubscription(ctx context.Context, sub *domain.PushSubscription) error {
	if sub.Id == uuid.Nil {
		sub.Id = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPushSubscription, sub.Id, sub.AccountId, sub.Endpoint, sub.Active, sub.CreatedAt)
		return err
	})
}

func (db *DB) ActivePushSubscriptions(ctx context.Context, accountId uuid.UUID) ([]domain.PushSubscription, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectActivePushSubscriptions, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.PushSubscription
	for rows.Next() {
		var sub domain.PushSubscription
		if err := rows.Scan(&sub.Id, &sub.AccountId, &sub.Endpoint, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (db *DB) FindPushSubscription(ctx context.Context, id uuid.UUID) (*domain.PushSubscription, error) {
	var sub domain.PushSubscription
	err := db.db.QueryRowContext(ctx, sqlSelectPushSubscriptionById, id).Scan(&sub.Id, &sub.AccountId, &sub.Endpoint, &sub.Active, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeactivatePushSubscription is used when the push endpoint reports the
// subscription gone.
func (db *DB) DeactivatePushSubscription(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeactivatePushSubscription, id)
		return err
	})
}
