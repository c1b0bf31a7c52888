// Package queue is a database-backed job queue with singleton de-duplication,
// priorities, leases and retry backoff. Jobs live in the same database as the
// domain tables, so enqueueing participates in the caller's transactional
// world and a restarted process picks up exactly where it stopped.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Job states. Terminal states clear singleton_key so the key can be reused
// by the next occurrence of the same logical task.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateExpired   = "expired"
	StateCancelled = "cancelled"
)

const (
	DefaultRetryLimit = 2
	DefaultRetryDelay = 30 * time.Second
	DefaultExpireIn   = 15 * time.Minute
	defaultArchive    = 24 * time.Hour
)

// Job is one row of the job table. RetryDelay and ExpireIn are stored in
// whole seconds.
type Job struct {
	ID           string          `db:"id"`
	QueueName    string          `db:"queue_name"`
	Payload      json.RawMessage `db:"payload"`
	Priority     int             `db:"priority"`
	State        string          `db:"state"`
	RetryCount   int             `db:"retry_count"`
	RetryLimit   int             `db:"retry_limit"`
	RetryDelay   int             `db:"retry_delay"`
	RetryBackoff bool            `db:"retry_backoff"`
	ExpireIn     int             `db:"expire_in"`
	SingletonKey *string         `db:"singleton_key"`
	StartAfter   time.Time       `db:"start_after"`
	StartedAt    *time.Time      `db:"started_at"`
	FinishedAt   *time.Time      `db:"finished_at"`
	LastError    *string         `db:"last_error"`
	CreatedAt    time.Time       `db:"created_at"`
}

// ExpiresAt is the lease deadline of an active job.
func (j *Job) ExpiresAt() time.Time {
	if j.StartedAt == nil {
		return time.Time{}
	}
	return j.StartedAt.Add(time.Duration(j.ExpireIn) * time.Second)
}

// Options tune one enqueued job. Zero values take queue defaults.
type Options struct {
	// Priority orders claims within a queue, highest first.
	Priority int
	// StartAfter delays the first claim.
	StartAfter time.Duration
	// RetryLimit caps retries after the first attempt.
	RetryLimit int
	// RetryDelay spaces retries; with RetryBackoff it doubles per attempt.
	RetryDelay   time.Duration
	RetryBackoff bool
	// ExpireIn bounds one attempt; an overrun lease is re-queued by Sweep.
	ExpireIn time.Duration
	// SingletonKey admits at most one non-terminal job per (queue, key).
	SingletonKey string
}

// Queue issues and manages jobs. It shares the caller's *sqlx.DB so queue and
// domain writes hit the same database.
type Queue struct {
	db *sqlx.DB
	// ArchiveAfter is how long terminal jobs are kept before Sweep deletes
	// them.
	ArchiveAfter time.Duration
}

func New(db *sqlx.DB) *Queue {
	return &Queue{db: db, ArchiveAfter: defaultArchive}
}

// Enqueue adds a job. When a SingletonKey is given and another non-terminal
// job holds it, nothing is inserted and enqueued is false; the caller's work
// is already scheduled.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any, opts Options) (id string, enqueued bool, err error) {
	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return "", false, fmt.Errorf("marshalling job payload: %w", err)
		}
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ExpireIn <= 0 {
		opts.ExpireIn = DefaultExpireIn
	}
	var singleton any
	if opts.SingletonKey != "" {
		singleton = opts.SingletonKey
	}

	var now = nowUTC()
	var jobID string
	err = q.db.QueryRowxContext(ctx, q.db.Rebind(`
		INSERT INTO job (
			id, queue_name, payload, priority, state, retry_count, retry_limit,
			retry_delay, retry_backoff, expire_in, singleton_key, start_after, created_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue_name, singleton_key) DO NOTHING
		RETURNING id`),
		uuid.NewString(), queueName, jsonArg(body), opts.Priority, StatePending,
		opts.RetryLimit, int(opts.RetryDelay/time.Second), opts.RetryBackoff,
		int(opts.ExpireIn/time.Second), singleton, now.Add(opts.StartAfter), now,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("enqueuing job: %w", err)
	}
	return jobID, true, nil
}

// Claim leases the highest-priority due job of a queue, or returns nil when
// none is due. The inner select and the guarded update make concurrent
// claimers converge without row locks: the loser's update matches zero rows.
func (q *Queue) Claim(ctx context.Context, queueName string) (*Job, error) {
	var now = nowUTC()
	var j Job
	var err = q.db.GetContext(ctx, &j, q.db.Rebind(`
		UPDATE job SET state = ?, started_at = ?
		WHERE id = (
			SELECT id FROM job
			WHERE queue_name = ? AND state = ? AND start_after <= ?
			ORDER BY priority DESC, created_at, id
			LIMIT 1
		) AND state = ?
		RETURNING *`),
		StateActive, now, queueName, StatePending, now, StatePending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// Complete finishes an active job and releases its singleton key.
func (q *Queue) Complete(ctx context.Context, id string) error {
	var res, err = q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE job SET state = ?, finished_at = ?, singleton_key = NULL
		WHERE id = ? AND state = ?`),
		StateCompleted, nowUTC(), id, StateActive)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing job %s: not active", id)
	}
	return nil
}

// Fail records a failed attempt. With retry budget left the job returns to
// pending after its delay (doubled per attempt when backoff is on) and
// retried is true; otherwise it fails terminally.
func (q *Queue) Fail(ctx context.Context, id, cause string) (retried bool, err error) {
	err = q.inTx(ctx, func(tx *sqlx.Tx) error {
		var j Job
		var err = tx.GetContext(ctx, &j, q.db.Rebind(`SELECT * FROM job WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failing job %s: not found", id)
		} else if err != nil {
			return fmt.Errorf("loading job: %w", err)
		}
		if j.State != StateActive {
			return fmt.Errorf("failing job %s: state is %s, not active", id, j.State)
		}

		if j.RetryCount < j.RetryLimit {
			_, err = tx.ExecContext(ctx, q.db.Rebind(`
				UPDATE job SET state = ?, retry_count = retry_count + 1,
					start_after = ?, started_at = NULL, last_error = ?
				WHERE id = ?`),
				StatePending, nowUTC().Add(retryDelay(&j)), cause, id)
			retried = true
		} else {
			_, err = tx.ExecContext(ctx, q.db.Rebind(`
				UPDATE job SET state = ?, retry_count = retry_count + 1,
					finished_at = ?, last_error = ?, singleton_key = NULL
				WHERE id = ?`),
				StateFailed, nowUTC(), cause, id)
		}
		if err != nil {
			return fmt.Errorf("failing job: %w", err)
		}
		return nil
	})
	return retried, err
}

// FailPermanently fails an active job without consuming its retry budget,
// for errors that a retry can never fix.
func (q *Queue) FailPermanently(ctx context.Context, id, cause string) error {
	var res, err = q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE job SET state = ?, finished_at = ?, last_error = ?, singleton_key = NULL
		WHERE id = ? AND state = ?`),
		StateFailed, nowUTC(), cause, id, StateActive)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failing job %s: not active", id)
	}
	return nil
}

// CancelPending withdraws a not-yet-claimed job by its singleton key.
// Returns false when no pending job held the key.
func (q *Queue) CancelPending(ctx context.Context, queueName, singletonKey string) (bool, error) {
	var res, err = q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE job SET state = ?, finished_at = ?, singleton_key = NULL
		WHERE queue_name = ? AND singleton_key = ? AND state = ?`),
		StateCancelled, nowUTC(), queueName, singletonKey, StatePending)
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	var n, _ = res.RowsAffected()
	return n > 0, nil
}

// Job returns one job by id.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	var j Job
	var err = q.db.GetContext(ctx, &j, q.db.Rebind(`SELECT * FROM job WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", id)
	} else if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return &j, nil
}

// Sweep re-queues or expires jobs whose lease ran out, and deletes terminal
// jobs older than ArchiveAfter. Run it periodically; it is safe to run from
// several processes.
func (q *Queue) Sweep(ctx context.Context) (expired, archived int, err error) {
	var now = nowUTC()
	var active []Job
	if err = q.db.SelectContext(ctx, &active, q.db.Rebind(
		`SELECT * FROM job WHERE state = ?`), StateActive); err != nil {
		return 0, 0, fmt.Errorf("listing active jobs: %w", err)
	}
	for i := range active {
		var j = &active[i]
		if j.StartedAt == nil || now.Before(j.ExpiresAt()) {
			continue
		}
		if j.RetryCount < j.RetryLimit {
			_, err = q.db.ExecContext(ctx, q.db.Rebind(`
				UPDATE job SET state = ?, retry_count = retry_count + 1,
					start_after = ?, started_at = NULL, last_error = ?
				WHERE id = ? AND state = ?`),
				StatePending, now.Add(retryDelay(j)), "lease expired", j.ID, StateActive)
		} else {
			_, err = q.db.ExecContext(ctx, q.db.Rebind(`
				UPDATE job SET state = ?, retry_count = retry_count + 1,
					finished_at = ?, last_error = ?, singleton_key = NULL
				WHERE id = ? AND state = ?`),
				StateExpired, now, "lease expired", j.ID, StateActive)
		}
		if err != nil {
			return expired, archived, fmt.Errorf("expiring job: %w", err)
		}
		expired++
	}

	var q2 string
	var args []any
	q2, args, err = sqlx.In(`
		DELETE FROM job WHERE state IN (?) AND finished_at < ?`,
		[]string{StateCompleted, StateFailed, StateExpired, StateCancelled},
		now.Add(-q.ArchiveAfter))
	if err != nil {
		return expired, 0, fmt.Errorf("binding archive delete: %w", err)
	}
	res, err := q.db.ExecContext(ctx, q.db.Rebind(q2), args...)
	if err != nil {
		return expired, 0, fmt.Errorf("archiving jobs: %w", err)
	}
	var n, _ = res.RowsAffected()
	return expired, int(n), nil
}

// Depth is one (queue, state) population count.
type Depth struct {
	QueueName string `db:"queue_name"`
	State     string `db:"state"`
	Count     int    `db:"n"`
}

// Depths reports queue populations, for gauges.
func (q *Queue) Depths(ctx context.Context) ([]Depth, error) {
	var out []Depth
	var err = q.db.SelectContext(ctx, &out, `
		SELECT queue_name, state, COUNT(*) AS n FROM job GROUP BY queue_name, state`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	return out, nil
}

func (q *Queue) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var tx, err = q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func retryDelay(j *Job) time.Duration {
	var d = time.Duration(j.RetryDelay) * time.Second
	if j.RetryBackoff {
		var shift = uint(j.RetryCount)
		if shift > 16 {
			shift = 16
		}
		d *= time.Duration(1 << shift)
	}
	return d
}

func nowUTC() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// jsonArg binds a JSON document as TEXT, not bytes, so both drivers store it
// in the column's declared type.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
