package db

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"
)

const (
	// Local and cached remote accounts. An empty domain marks a local account.
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		uri TEXT UNIQUE NOT NULL,
		followers_uri TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateStatusesTable = `CREATE TABLE IF NOT EXISTS statuses (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL,
		reblog_of_id TEXT,
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateMentionsTable = `CREATE TABLE IF NOT EXISTS mentions (
		status_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		silent INTEGER DEFAULT 0,
		position INTEGER NOT NULL,
		UNIQUE(status_id, account_id)
	)`

	sqlCreateStatusTagsTable = `CREATE TABLE IF NOT EXISTS status_tags (
		status_id TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE(status_id, name)
	)`

	sqlCreateListsTable = `CREATE TABLE IF NOT EXISTS lists (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		title TEXT NOT NULL
	)`

	sqlCreateListAccountsTable = `CREATE TABLE IF NOT EXISTS list_accounts (
		list_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		UNIQUE(list_id, account_id)
	)`

	sqlCreatePushSubscriptionsTable = `CREATE TABLE IF NOT EXISTS push_subscriptions (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		active INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateProvidersTable = `CREATE TABLE IF NOT EXISTS providers (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		remote_identifier TEXT NOT NULL,
		provider_public_key_pem TEXT NOT NULL,
		server_private_key_pem TEXT NOT NULL,
		confirmed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAccessTokensTable = `CREATE TABLE IF NOT EXISTS access_tokens (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		token TEXT UNIQUE NOT NULL,
		revoked INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateHomeFeedsTable = `CREATE TABLE IF NOT EXISTS home_feeds (
		account_id TEXT NOT NULL,
		status_id TEXT NOT NULL,
		inserted_at INTEGER NOT NULL,
		UNIQUE(account_id, status_id)
	)`

	sqlCreateListFeedsTable = `CREATE TABLE IF NOT EXISTS list_feeds (
		list_id TEXT NOT NULL,
		status_id TEXT NOT NULL,
		inserted_at INTEGER NOT NULL,
		UNIQUE(list_id, status_id)
	)`

	// next_retry_at is unix milliseconds so comparisons are numeric.
	sqlCreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		status_id TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		attempts INTEGER DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, dedupe_key)
	)`

	// Inbound activity ids already handled.
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		uri TEXT NOT NULL PRIMARY KEY,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
		CREATE INDEX IF NOT EXISTS idx_statuses_account_id ON statuses(account_id);
		CREATE INDEX IF NOT EXISTS idx_list_accounts_account_id ON list_accounts(account_id);
		CREATE INDEX IF NOT EXISTS idx_push_subscriptions_account_id ON push_subscriptions(account_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_next_retry ON jobs(next_retry_at);
	`
)

var tables = []struct {
	name string
	sql  string
}{
	{"accounts", sqlCreateAccountsTable},
	{"follows", sqlCreateFollowsTable},
	{"statuses", sqlCreateStatusesTable},
	{"mentions", sqlCreateMentionsTable},
	{"status_tags", sqlCreateStatusTagsTable},
	{"lists", sqlCreateListsTable},
	{"list_accounts", sqlCreateListAccountsTable},
	{"push_subscriptions", sqlCreatePushSubscriptionsTable},
	{"providers", sqlCreateProvidersTable},
	{"access_tokens", sqlCreateAccessTokensTable},
	{"home_feeds", sqlCreateHomeFeedsTable},
	{"list_feeds", sqlCreateListFeedsTable},
	{"jobs", sqlCreateJobsTable},
	{"activities", sqlCreateActivitiesTable},
}

// Migrate creates every table and index that does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if err := createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(sqlCreateIndices); err != nil {
			log.Warn().Err(err).Msg("Database: failed to create indices")
		}
		return nil
	})
}

func createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		log.Error().Err(err).Str("table", tableName).Msg("Database: error creating table")
		return err
	}
	log.Debug().Str("table", tableName).Msg("Database: table created or already exists")
	return nil
}
