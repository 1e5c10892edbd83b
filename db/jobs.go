package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
)

const (
	sqlInsertJob = `INSERT OR IGNORE INTO jobs(id, kind, dedupe_key, target_id, status_id, inbox_uri, payload, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	sqlSelectPendingJobs = `SELECT id, kind, dedupe_key, target_id, status_id, inbox_uri, payload, attempts, next_retry_at, created_at
		FROM jobs WHERE next_retry_at <= ? ORDER BY next_retry_at, created_at LIMIT ?`
	sqlUpdateJobAttempt = `UPDATE jobs SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteJob        = `DELETE FROM jobs WHERE id = ?`
	sqlCountJobs        = `SELECT COUNT(*) FROM jobs`

	sqlInsertHomeFeed = `INSERT OR IGNORE INTO home_feeds(account_id, status_id, inserted_at) VALUES (?, ?, ?)`
	sqlInsertListFeed = `INSERT OR IGNORE INTO list_feeds(list_id, status_id, inserted_at) VALUES (?, ?, ?)`
	sqlSelectHomeFeed = `SELECT status_id FROM home_feeds WHERE account_id = ? ORDER BY inserted_at DESC, rowid DESC LIMIT ?`
	sqlSelectListFeed = `SELECT status_id FROM list_feeds WHERE list_id = ? ORDER BY inserted_at DESC, rowid DESC LIMIT ?`
)

// EnqueueFeed queues a home or list feed insert. Queuing the same
// (target, status) twice is a no-op.
func (db *DB) EnqueueFeed(ctx context.Context, targetId, statusId uuid.UUID, kind domain.FeedKind) error {
	jobKind := domain.JobHomeFeed
	if kind == domain.FeedList {
		jobKind = domain.JobListFeed
	}
	_, err := db.enqueue(ctx, &domain.Job{
		Kind:      jobKind,
		DedupeKey: targetId.String() + ":" + statusId.String(),
		TargetId:  targetId,
		StatusId:  statusId,
	})
	return err
}

func (db *DB) EnqueuePush(ctx context.Context, statusId, subscriptionId uuid.UUID) error {
	_, err := db.enqueue(ctx, &domain.Job{
		Kind:      domain.JobPush,
		DedupeKey: subscriptionId.String() + ":" + statusId.String(),
		TargetId:  subscriptionId,
		StatusId:  statusId,
	})
	return err
}

// EnqueueInbox queues delivery of a serialized activity to a remote inbox.
func (db *DB) EnqueueInbox(ctx context.Context, inboxURI, activityId string, statusId uuid.UUID, payload []byte) error {
	_, err := db.enqueue(ctx, &domain.Job{
		Kind:      domain.JobInbox,
		DedupeKey: inboxURI + " " + activityId,
		StatusId:  statusId,
		InboxURI:  inboxURI,
		Payload:   string(payload),
	})
	return err
}

func (db *DB) enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRetryAt.IsZero() {
		job.NextRetryAt = now
	}

	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertJob, job.Id, string(job.Kind), job.DedupeKey, nullableId(job.TargetId), nullableId(job.StatusId),
			job.InboxURI, job.Payload, job.NextRetryAt.UnixMilli(), job.CreatedAt)
		if err != nil {
			return err
		}
		inserted, err = rowsAffected(res)
		return err
	})
	return inserted, err
}

func nullableId(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// PendingJobs returns up to limit jobs that are due at now.
func (db *DB) PendingJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingJobs, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		var kind, targetId, statusId string
		var nextRetry int64
		if err := rows.Scan(&job.Id, &kind, &job.DedupeKey, &targetId, &statusId, &job.InboxURI, &job.Payload,
			&job.Attempts, &nextRetry, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Kind = domain.JobKind(kind)
		job.TargetId, _ = uuid.Parse(targetId)
		job.StatusId, _ = uuid.Parse(statusId)
		job.NextRetryAt = time.UnixMilli(nextRetry)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (db *DB) RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateJobAttempt, attempts, next.UnixMilli(), id)
		return err
	})
}

func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteJob, id)
		return err
	})
}

func (db *DB) CountJobs(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountJobs).Scan(&n)
	return n, err
}

// InsertHomeFeed adds statusId to the account's home feed and reports
// whether it was new there.
func (db *DB) InsertHomeFeed(ctx context.Context, accountId, statusId uuid.UUID) (bool, error) {
	return db.insertFeed(ctx, sqlInsertHomeFeed, accountId, statusId)
}

func (db *DB) InsertListFeed(ctx context.Context, listId, statusId uuid.UUID) (bool, error) {
	return db.insertFeed(ctx, sqlInsertListFeed, listId, statusId)
}

func (db *DB) insertFeed(ctx context.Context, query string, ownerId, statusId uuid.UUID) (bool, error) {
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, ownerId, statusId, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		inserted, err = rowsAffected(res)
		return err
	})
	return inserted, err
}

func (db *DB) HomeFeed(ctx context.Context, accountId uuid.UUID, limit int) ([]uuid.UUID, error) {
	return db.queryIds(ctx, sqlSelectHomeFeed, accountId, limit)
}

func (db *DB) ListFeed(ctx context.Context, listId uuid.UUID, limit int) ([]uuid.UUID, error) {
	return db.queryIds(ctx, sqlSelectListFeed, listId, limit)
}
