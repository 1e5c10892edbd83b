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
	statusColumns = `id, account_id, uri, text, visibility, reblog_of_id, in_reply_to_uri, created_at`

	sqlInsertStatus      = `INSERT INTO statuses(` + statusColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectStatusById  = `SELECT ` + statusColumns + ` FROM statuses WHERE id = ?`
	sqlSelectStatusByURI = `SELECT ` + statusColumns + ` FROM statuses WHERE uri = ?`
	sqlUpdateVisibility  = `UPDATE statuses SET visibility = ? WHERE id = ?`
	sqlDeleteStatus      = `DELETE FROM statuses WHERE id = ?`
	sqlDeleteMentions    = `DELETE FROM mentions WHERE status_id = ?`
	sqlDeleteStatusTags  = `DELETE FROM status_tags WHERE status_id = ?`
	sqlInsertMention     = `INSERT OR IGNORE INTO mentions(status_id, account_id, silent, position) VALUES (?, ?, ?, (SELECT COUNT(*) FROM mentions WHERE status_id = ?))`
	sqlSelectMentions    = `SELECT status_id, account_id, silent FROM mentions WHERE status_id = ? ORDER BY position`
	sqlInsertStatusTag   = `INSERT OR IGNORE INTO status_tags(status_id, name) VALUES (?, ?)`
	sqlSelectStatusTags  = `SELECT name FROM status_tags WHERE status_id = ? ORDER BY rowid`
	sqlInsertActivity    = `INSERT OR IGNORE INTO activities(uri, activity_type, actor_uri, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteActivity    = `DELETE FROM activities WHERE uri = ?`

	sqlSelectPublicStatusIds = `SELECT id FROM statuses WHERE account_id = ? AND visibility = 'public' AND reblog_of_id IS NULL
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	sqlCountPublicStatuses = `SELECT COUNT(*) FROM statuses WHERE account_id = ? AND visibility = 'public' AND reblog_of_id IS NULL`

	sqlSelectLocalTaggedIds = `SELECT s.id FROM statuses s
		JOIN status_tags t ON t.status_id = s.id
		JOIN accounts a ON a.id = s.account_id
		WHERE t.name = ? AND a.domain = '' AND s.visibility = 'public' AND s.reblog_of_id IS NULL
		ORDER BY s.created_at DESC, s.rowid DESC LIMIT ?`
)

// CreateStatus stores the status together with its mentions and tags.
// Mentions are a set per account; repeated ones are ignored.
func (db *DB) CreateStatus(ctx context.Context, st *domain.Status) error {
	if st.Id == uuid.Nil {
		st.Id = uuid.New()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	if !st.Visibility.Valid() {
		return errors.New("status visibility must be set")
	}

	var reblog uuid.NullUUID
	if st.ReblogOfId != nil {
		reblog = uuid.NullUUID{UUID: *st.ReblogOfId, Valid: true}
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertStatus, st.Id, st.AccountId, st.URI, st.Text, string(st.Visibility), reblog, st.InReplyTo, st.CreatedAt)
		if err != nil {
			return err
		}
		if err := insertMentions(tx, st.Id, st.Mentions); err != nil {
			return err
		}
		for _, tag := range st.Tags {
			if _, err := tx.Exec(sqlInsertStatusTag, st.Id, tag); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveAudience appends mentions and records the final visibility after
// audience processing.
func (db *DB) SaveAudience(ctx context.Context, statusId uuid.UUID, mentions []domain.Mention, visibility domain.Visibility) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if err := insertMentions(tx, statusId, mentions); err != nil {
			return err
		}
		_, err := tx.Exec(sqlUpdateVisibility, string(visibility), statusId)
		return err
	})
}

func insertMentions(tx *sql.Tx, statusId uuid.UUID, mentions []domain.Mention) error {
	for _, m := range mentions {
		if _, err := tx.Exec(sqlInsertMention, statusId, m.AccountId, m.Silent, statusId); err != nil {
			return err
		}
	}
	return nil
}

// FindStatusById loads the status with its author, mentions and tags. It
// returns nil and no error when the status does not exist.
func (db *DB) FindStatusById(ctx context.Context, id uuid.UUID) (*domain.Status, error) {
	return db.findStatus(ctx, sqlSelectStatusById, id)
}

func (db *DB) FindStatusByURI(ctx context.Context, uri string) (*domain.Status, error) {
	return db.findStatus(ctx, sqlSelectStatusByURI, uri)
}

func (db *DB) findStatus(ctx context.Context, query string, arg any) (*domain.Status, error) {
	var st domain.Status
	var visibility string
	var reblog uuid.NullUUID
	err := db.db.QueryRowContext(ctx, query, arg).Scan(&st.Id, &st.AccountId, &st.URI, &st.Text, &visibility, &reblog, &st.InReplyTo, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Visibility = domain.Visibility(visibility)
	if reblog.Valid {
		st.ReblogOfId = &reblog.UUID
	}

	if st.Mentions, err = db.MentionsForStatus(ctx, st.Id); err != nil {
		return nil, err
	}
	if st.Tags, err = db.tagsForStatus(ctx, st.Id); err != nil {
		return nil, err
	}
	if st.Account, err = db.FindAccountById(ctx, st.AccountId); err != nil {
		return nil, err
	}
	return &st, nil
}

func (db *DB) MentionsForStatus(ctx context.Context, statusId uuid.UUID) ([]domain.Mention, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectMentions, statusId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mentions []domain.Mention
	for rows.Next() {
		var m domain.Mention
		if err := rows.Scan(&m.StatusId, &m.AccountId, &m.Silent); err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func (db *DB) tagsForStatus(ctx context.Context, statusId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectStatusTags, statusId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (db *DB) DeleteStatus(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{sqlDeleteMentions, sqlDeleteStatusTags, sqlDeleteStatus} {
			if _, err := tx.Exec(q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordActivity remembers an inbound activity id and reports whether it
// was seen for the first time.
func (db *DB) RecordActivity(ctx context.Context, uri, activityType, actorURI string) (bool, error) {
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertActivity, uri, activityType, actorURI, time.Now())
		if err != nil {
			return err
		}
		inserted, err = rowsAffected(res)
		return err
	})
	return inserted, err
}

// ForgetActivity drops a recorded activity id so a redelivery is
// processed again.
func (db *DB) ForgetActivity(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, uri)
		return err
	})
}

// PublicStatuses pages through the public statuses of an account, newest
// first.
func (db *DB) PublicStatuses(ctx context.Context, accountId uuid.UUID, limit, offset int) ([]*domain.Status, error) {
	ids, err := db.queryIds(ctx, sqlSelectPublicStatusIds, accountId, limit, offset)
	if err != nil {
		return nil, err
	}
	statuses := make([]*domain.Status, 0, len(ids))
	for _, id := range ids {
		st, err := db.FindStatusById(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

// LocalTaggedStatuses returns the newest public statuses of local accounts
// carrying tag.
func (db *DB) LocalTaggedStatuses(ctx context.Context, tag string, limit int) ([]*domain.Status, error) {
	ids, err := db.queryIds(ctx, sqlSelectLocalTaggedIds, strings.ToLower(tag), limit)
	if err != nil {
		return nil, err
	}
	statuses := make([]*domain.Status, 0, len(ids))
	for _, id := range ids {
		st, err := db.FindStatusById(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

func (db *DB) CountPublicStatuses(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountPublicStatuses, accountId).Scan(&n)
	return n, err
}
