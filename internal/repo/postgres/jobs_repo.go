package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/observability"
	"github.com/marcusrw/posbridge/internal/utils"
)

const (
	claimBatchMax   = 200
	leaseTTL        = 2 * time.Minute
	enqueueLockWait = 5 * time.Second
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type JobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, prom: prom}
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const jobColumns = `
	id, type, priority, payload, idempotency_key, status,
	attempts, max_attempts, next_run_at, last_error,
	lease_until, heartbeat_at, started_at, finished_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (job.Job, error) {
	var j job.Job
	var status string

	err := row.Scan(
		&j.ID, &j.Type, &j.Priority, &j.Payload, &j.IdempotencyKey, &status,
		&j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.LastError,
		&j.LeaseUntil, &j.HeartbeatAt, &j.StartedAt, &j.FinishedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)

	if err != nil {
		return job.Job{}, err
	}

	j.Status = job.Status(status)
	return j, nil
}

// Enqueue inserts a new pending job. When an idempotency key is supplied
// and a job with that key already exists, the existing job is returned
// without inserting; concurrent enqueues with the same key are serialized
// by an advisory lock on a hash of the key.
func (r *JobsRepo) Enqueue(ctx context.Context, req job.CreateRequest) (job.Job, error) {
	if req.IdempotencyKey != nil && len(*req.IdempotencyKey) > job.MaxIdempotencyKeyLen {
		return job.Job{}, job.ErrIdempotencyKeyLong
	}

	if req.IdempotencyKey == nil {
		return r.insert(ctx, req)
	}

	key := *req.IdempotencyKey

	var out job.Job
	var ierr error

	_, err := WithLock(ctx, r.pool, "enqueue:"+key, enqueueLockWait, func() error {
		existing, gerr := r.GetByIdempotencyKey(ctx, key)

		if gerr == nil {
			out = existing
			return nil
		}
		if !errors.Is(gerr, job.ErrJobNotFound) {
			return gerr
		}

		out, ierr = r.insert(ctx, req)

		// Lock acquisition is best-effort; a concurrent insert can still
		// win the unique index. Treat that as "already enqueued".
		if ierr != nil && IsUniqueViolation(ierr) {
			out, ierr = r.GetByIdempotencyKey(ctx, key)
		}
		return ierr
	})

	if err != nil {
		return job.Job{}, err
	}
	return out, nil
}

func (r *JobsRepo) insert(ctx context.Context, req job.CreateRequest) (job.Job, error) {
	priority := job.ClampPriority(req.Priority)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}

	var nextRunAt *time.Time
	if !req.NextRunAt.IsZero() {
		t := req.NextRunAt.UTC()
		nextRunAt = &t
	}

	var j job.Job
	op := "jobs.enqueue"

	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
			INSERT INTO jobs (
				type, priority, payload, idempotency_key, status,
				attempts, max_attempts, next_run_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, NOW(), NOW())
			RETURNING `+jobColumns, req.Type, priority, req.Payload, req.IdempotencyKey, maxAttempts, nextRunAt)

		var serr error
		j, serr = scanJob(row)
		return serr
	})

	if err != nil {
		return job.Job{}, err
	}

	r.appendLog(ctx, r.pool, j.ID, job.LogInfo, "job.created", correlationFromPayload(req.Payload))
	return j, nil
}

// correlationFromPayload pulls a caller-provided trace id out of the
// payload, when present, so the audit trail can be stitched together.
func correlationFromPayload(payload json.RawMessage) *string {
	if len(payload) == 0 {
		return nil
	}

	var probe struct {
		TraceID   string `json:"traceId"`
		RequestID string `json:"requestId"`
	}

	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}

	if probe.TraceID != "" {
		return &probe.TraceID
	}
	if probe.RequestID != "" {
		return &probe.RequestID
	}
	return nil
}

func (r *JobsRepo) GetByIdempotencyKey(ctx context.Context, key string) (job.Job, error) {
	var j job.Job
	op := "jobs.get_by_idempotency_key"

	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)

		var serr error
		j, serr = scanJob(row)
		return serr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}

	return j, nil
}

func (r *JobsRepo) GetByID(ctx context.Context, id int64) (job.Job, error) {
	var j job.Job
	op := "jobs.get_by_id"

	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id)

		var serr error
		j, serr = scanJob(row)
		return serr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}

	return j, nil
}

// ClaimBatch atomically claims up to limit eligible pending jobs using the
// SKIP LOCKED pattern: rows locked by concurrent claimers are skipped, so
// no two workers ever receive the same job. Claimed rows move to working
// with a fresh lease.
func (r *JobsRepo) ClaimBatch(ctx context.Context, limit int, jobType string) ([]job.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > claimBatchMax {
		limit = claimBatchMax
	}

	typeFilter := ""
	args := []any{limit, int64(leaseTTL.Seconds())}

	if jobType != "" {
		typeFilter = "AND type = $3"
		args = append(args, jobType)
	}

	q := fmt.Sprintf(`
		WITH next AS (
			SELECT id
			FROM jobs
			WHERE status = 'pending'
			  AND (next_run_at IS NULL OR next_run_at <= NOW())
			  %s
			ORDER BY priority ASC, COALESCE(updated_at, created_at) ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE jobs
		SET status = 'working',
		    started_at = NOW(),
		    lease_until = NOW() + ($2 * INTERVAL '1 second'),
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (SELECT id FROM next)
		RETURNING %s`, typeFilter, jobColumns)

	var claimed []job.Job
	op := "jobs.claim_batch"

	err := r.observe(op, func() error {
		rows, qerr := r.pool.Query(ctx, q, args...)

		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			j, serr := scanJob(rows)

			if serr != nil {
				return serr
			}
			claimed = append(claimed, j)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	for _, j := range claimed {
		r.appendLog(ctx, r.pool, j.ID, job.LogInfo, "job.claimed", nil)
	}

	return claimed, nil
}

// Heartbeat extends the lease while the job is still working.
// Silent no-op in any other status.
func (r *JobsRepo) Heartbeat(ctx context.Context, id int64) error {
	op := "jobs.heartbeat"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE jobs
			SET heartbeat_at = NOW(),
			    lease_until = NOW() + ($2 * INTERVAL '1 second')
			WHERE id = $1 AND status = 'working'
		`, id, int64(leaseTTL.Seconds()))
		return err
	})
}

// Complete moves working -> done. Calling it on an already-done job is a
// no-op, which makes handler replays safe.
func (r *JobsRepo) Complete(ctx context.Context, id int64) error {
	var tag pgconn.CommandTag
	var err error
	op := "jobs.complete"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
			UPDATE jobs
			SET status = 'done',
			    finished_at = NOW(),
			    lease_until = NULL,
			    last_error = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'working'
		`, id)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() > 0 {
		r.appendLog(ctx, r.pool, id, job.LogInfo, "job.completed", nil)
	}
	return nil
}

// RetryBackoff computes the delay before the next attempt:
// 2^attempts minutes plus uniform jitter in [0, 30] seconds.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10
	}

	base := time.Duration(1<<uint(attempts)) * time.Minute
	jitter := time.Duration(rand.Intn(31)) * time.Second

	return base + jitter
}

// Fail increments attempts and either reschedules the job with exponential
// backoff or, once attempts reach the budget, mirrors it into the dead
// letter table and marks it failed. Runs in one deadlock-retried transaction.
func (r *JobsRepo) Fail(ctx context.Context, id int64, errMsg string) error {
	op := "jobs.fail"

	return r.observe(op, func() error {
		return withTx(ctx, r.pool, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)

			j, serr := scanJob(row)

			if serr != nil {
				if errors.Is(serr, pgx.ErrNoRows) {
					return job.ErrJobNotFound
				}
				return serr
			}

			attempts := j.Attempts + 1

			if attempts >= j.MaxAttempts {
				if derr := upsertDeadLetter(ctx, tx, j, attempts, errMsg); derr != nil {
					return derr
				}

				_, uerr := tx.Exec(ctx, `
					UPDATE jobs
					SET status = 'failed',
					    attempts = $2,
					    last_error = $3,
					    lease_until = NULL,
					    finished_at = NOW(),
					    updated_at = NOW()
					WHERE id = $1
				`, id, attempts, errMsg)

				if uerr != nil {
					return uerr
				}

				r.appendLog(ctx, tx, id, job.LogError, "job.failed.final", nil)
				return nil
			}

			nextRunAt := time.Now().UTC().Add(RetryBackoff(attempts))

			_, uerr := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'pending',
				    attempts = $2,
				    next_run_at = $3,
				    last_error = $4,
				    lease_until = NULL,
				    updated_at = NOW()
				WHERE id = $1
			`, id, attempts, nextRunAt, errMsg)

			if uerr != nil {
				return uerr
			}

			r.appendLog(ctx, tx, id, job.LogWarning, "job.retry", nil)
			return nil
		})
	})
}

// TypeCounts feeds the dispatcher's selection table.
type TypeCounts struct {
	Pending int
	Working int
}

func (r *JobsRepo) CountsByType(ctx context.Context) (map[string]TypeCounts, error) {
	out := make(map[string]TypeCounts)
	op := "jobs.counts_by_type"

	err := r.observe(op, func() error {
		rows, qerr := r.pool.Query(ctx, `
			SELECT type,
			       COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			       COUNT(*) FILTER (WHERE status IN ('working', 'running')) AS working
			FROM jobs
			WHERE status IN ('pending', 'working', 'running')
			GROUP BY type
		`)

		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			var t string
			var c TypeCounts

			if serr := rows.Scan(&t, &c.Pending, &c.Working); serr != nil {
				return serr
			}
			out[t] = c
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// StatusSummary powers the admin status endpoint.
type StatusSummary struct {
	Pending         int        `json:"pending"`
	Working         int        `json:"working"`
	Failed          int        `json:"failed"`
	DoneLastMinute  int        `json:"doneLastMinute"`
	LastStartedAt   *time.Time `json:"lastStartedAt,omitempty"`
	LastFinishedAt  *time.Time `json:"lastFinishedAt,omitempty"`
	DeadLetterCount int        `json:"deadLetterCount"`
}

func (r *JobsRepo) Summary(ctx context.Context) (StatusSummary, error) {
	var s StatusSummary
	op := "jobs.summary"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status = 'pending'),
				COUNT(*) FILTER (WHERE status = 'working'),
				COUNT(*) FILTER (WHERE status = 'failed'),
				COUNT(*) FILTER (WHERE status = 'done' AND finished_at > NOW() - INTERVAL '1 minute'),
				MAX(started_at),
				MAX(finished_at),
				(SELECT COUNT(*) FROM dead_letter_jobs)
			FROM jobs
		`).Scan(&s.Pending, &s.Working, &s.Failed, &s.DoneLastMinute,
			&s.LastStartedAt, &s.LastFinishedAt, &s.DeadLetterCount)
	})

	return s, err
}

// RequeueExpiredLeases returns working jobs whose lease lapsed without a
// heartbeat to pending so another worker can reclaim them.
func (r *JobsRepo) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	op := "jobs.requeue_expired_leases"

	err := r.observe(op, func() error {
		tag, qerr := r.pool.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending',
			    lease_until = NULL,
			    updated_at = NOW()
			WHERE status = 'working'
			  AND lease_until IS NOT NULL
			  AND lease_until < NOW()
		`)

		if qerr != nil {
			return qerr
		}
		n = tag.RowsAffected()
		return nil
	})

	return n, err
}

// ListCursor pages jobs newest-first with a keyset cursor, optionally
// filtered by status. Fetches limit+1 to learn whether more rows remain.
func (r *JobsRepo) ListCursor(
	ctx context.Context,
	status *string,
	limit int,
	afterUpdatedAt time.Time,
	afterID int64,
) (items []job.Job, nextCursor *string, hasMore bool, err error) {
	op := "jobs.list_cursor"

	var (
		conds   []string
		args    []any
		argsPos = 1
	)

	if status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", argsPos))
		args = append(args, *status)
		argsPos++
	}

	conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", argsPos, argsPos+1))
	args = append(args, afterUpdatedAt, afterID)
	argsPos += 2

	q := `SELECT` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conds, " AND ")
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", argsPos)
	args = append(args, limit+1)

	var rows pgx.Rows

	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]job.Job, 0, limit)

	for rows.Next() {
		j, serr := scanJob(rows)

		if serr != nil {
			return nil, nil, false, serr
		}
		out = append(out, j)
	}

	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]

		cur, encErr := utils.EncodeJobCursor(last.UpdatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}

// Audit appends a handler-authored log line to a job's audit trail.
// Best effort, like every other audit write.
func (r *JobsRepo) Audit(ctx context.Context, id int64, level job.LogLevel, msg string) {
	r.appendLog(ctx, r.pool, id, level, msg, nil)
}

// appendLog writes an audit row. Guarded: audit bookkeeping never fails
// the enclosing operation.
func (r *JobsRepo) appendLog(ctx context.Context, q querier, id int64, level job.LogLevel, msg string, correlationID *string) {
	_, _ = q.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, string(level), msg, correlationID)
}
