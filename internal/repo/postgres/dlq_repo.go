package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marcusrw/posbridge/internal/domain/job"
)

const redriveMax = 500

// upsertDeadLetter mirrors a job into the dead letter table. A repeat
// failure of an already dead-lettered job updates the message and attempt
// count instead of inserting twice.
func upsertDeadLetter(ctx context.Context, tx pgx.Tx, j job.Job, attempts int, message string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dead_letter_jobs (
			job_id, type, payload, idempotency_key,
			failure_class, message, attempts, job_created_at, moved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET message = EXCLUDED.message,
		    attempts = EXCLUDED.attempts,
		    moved_at = NOW()
	`, j.ID, j.Type, j.Payload, j.IdempotencyKey,
		classifyFailure(message), message, attempts, j.CreatedAt)

	return err
}

func classifyFailure(message string) string {
	switch {
	case message == "circuit_open":
		return "circuit_open"
	case message == "http_disabled":
		return "http_disabled"
	default:
		return "handler_error"
	}
}

func (r *JobsRepo) ListDeadLetters(ctx context.Context, limit int) ([]job.DeadLetter, error) {
	if limit <= 0 || limit > redriveMax {
		limit = redriveMax
	}

	var out []job.DeadLetter
	op := "dlq.list"

	err := r.observe(op, func() error {
		rows, qerr := r.pool.Query(ctx, `
			SELECT job_id, type, payload, idempotency_key,
			       failure_class, message, attempts, job_created_at, moved_at
			FROM dead_letter_jobs
			ORDER BY moved_at ASC
			LIMIT $1
		`, limit)

		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			var d job.DeadLetter

			if serr := rows.Scan(&d.JobID, &d.Type, &d.Payload, &d.IdempotencyKey,
				&d.FailureClass, &d.Message, &d.Attempts, &d.JobCreatedAt, &d.MovedAt); serr != nil {
				return serr
			}
			out = append(out, d)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// Redrive moves dead-lettered jobs back into the pending queue. Selection
// is either an explicit id list or the oldest N entries. Redriven jobs get
// next_run_at = now + 1 minute and one attempt handed back, the only place
// the attempts counter is allowed to decrease.
func (r *JobsRepo) Redrive(ctx context.Context, ids []int64, oldest int) (int64, error) {
	if oldest <= 0 || oldest > redriveMax {
		oldest = redriveMax
	}
	if len(ids) > redriveMax {
		ids = ids[:redriveMax]
	}

	var moved int64
	op := "dlq.redrive"

	err := r.observe(op, func() error {
		return withTx(ctx, r.pool, func(tx pgx.Tx) error {
			var (
				rows pgx.Rows
				qerr error
			)

			if len(ids) > 0 {
				rows, qerr = tx.Query(ctx, `
					SELECT job_id FROM dead_letter_jobs
					WHERE job_id = ANY($1)
					FOR UPDATE
				`, ids)
			} else {
				rows, qerr = tx.Query(ctx, `
					SELECT job_id FROM dead_letter_jobs
					ORDER BY moved_at ASC
					LIMIT $1
					FOR UPDATE
				`, oldest)
			}

			if qerr != nil {
				return qerr
			}

			var picked []int64

			for rows.Next() {
				var id int64

				if serr := rows.Scan(&id); serr != nil {
					rows.Close()
					return serr
				}
				picked = append(picked, id)
			}
			rows.Close()

			if rows.Err() != nil {
				return rows.Err()
			}

			if len(picked) == 0 {
				return nil
			}

			runAt := time.Now().UTC().Add(time.Minute)

			tag, uerr := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'pending',
				    attempts = GREATEST(0, attempts - 1),
				    next_run_at = $2,
				    last_error = NULL,
				    lease_until = NULL,
				    finished_at = NULL,
				    updated_at = NOW()
				WHERE id = ANY($1)
			`, picked, runAt)

			if uerr != nil {
				return uerr
			}

			if _, derr := tx.Exec(ctx, `DELETE FROM dead_letter_jobs WHERE job_id = ANY($1)`, picked); derr != nil {
				return derr
			}

			for _, id := range picked {
				r.appendLog(ctx, tx, id, job.LogInfo, "job.redrive", nil)
			}

			moved = tag.RowsAffected()
			return nil
		})
	})

	if err != nil {
		return 0, err
	}
	return moved, nil
}
