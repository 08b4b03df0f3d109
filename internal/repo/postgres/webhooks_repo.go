package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusrw/posbridge/internal/domain/webhook"
	"github.com/marcusrw/posbridge/internal/observability"
)

type WebhooksRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewWebhooksRepo(pool *pgxpool.Pool, prom *observability.Prom) *WebhooksRepo {
	return &WebhooksRepo{pool: pool, prom: prom}
}

func (r *WebhooksRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const eventColumns = `
	event_id, topic, status, raw_body, payload, headers, signature,
	source_ip, user_agent, attempts, queue_job_id, replayed_from,
	received_at, processed_at`

func scanEvent(row pgx.Row) (webhook.Event, error) {
	var e webhook.Event
	var status string

	err := row.Scan(
		&e.EventID, &e.Topic, &status, &e.RawBody, &e.Payload, &e.Headers, &e.Signature,
		&e.SourceIP, &e.UserAgent, &e.Attempts, &e.QueueJobID, &e.ReplayedFrom,
		&e.ReceivedAt, &e.ProcessedAt,
	)

	if err != nil {
		return webhook.Event{}, err
	}

	e.Status = webhook.Status(status)
	return e, nil
}

// Insert persists a freshly received event. The event id carries a unique
// constraint; inserting a duplicate returns inserted=false along with the
// stored row, which is how delivery retries from the provider dedupe.
func (r *WebhooksRepo) Insert(ctx context.Context, e webhook.Event) (webhook.Event, bool, error) {
	var stored webhook.Event
	inserted := true
	op := "webhooks.insert"

	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
			INSERT INTO webhook_events (
				event_id, topic, status, raw_body, payload, headers, signature,
				source_ip, user_agent, attempts, received_at
			) VALUES ($1, $2, 'received', $3, $4, $5, $6, $7, $8, 0, NOW())
			RETURNING `+eventColumns,
			e.EventID, e.Topic, e.RawBody, e.Payload, e.Headers, e.Signature,
			e.SourceIP, e.UserAgent)

		var serr error
		stored, serr = scanEvent(row)
		return serr
	})

	if err != nil {
		if !IsUniqueViolation(err) {
			return webhook.Event{}, false, err
		}

		existing, gerr := r.GetByEventID(ctx, e.EventID)

		if gerr != nil {
			return webhook.Event{}, false, gerr
		}
		return existing, false, nil
	}

	return stored, inserted, nil
}

func (r *WebhooksRepo) GetByEventID(ctx context.Context, eventID string) (webhook.Event, error) {
	var e webhook.Event
	op := "webhooks.get_by_event_id"

	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT`+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID)

		var serr error
		e, serr = scanEvent(row)
		return serr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return webhook.Event{}, webhook.ErrEventNotFound
		}
		return webhook.Event{}, err
	}

	return e, nil
}

// MarkProcessing stamps the queue handoff job id.
func (r *WebhooksRepo) MarkProcessing(ctx context.Context, eventID string, jobID int64) error {
	op := "webhooks.mark_processing"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE webhook_events
			SET status = 'processing',
			    queue_job_id = $2,
			    attempts = attempts + 1
			WHERE event_id = $1
		`, eventID, jobID)
		return err
	})
}

// MarkCompleted records a finished fan-out. processed_at only ever moves
// forward; a replayed delivery of a completed event keeps the first stamp.
func (r *WebhooksRepo) MarkCompleted(ctx context.Context, eventID string) error {
	op := "webhooks.mark_completed"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE webhook_events
			SET status = 'completed',
			    attempts = attempts + 1,
			    processed_at = COALESCE(processed_at, NOW())
			WHERE event_id = $1 AND status <> 'completed'
		`, eventID)
		return err
	})
}

func (r *WebhooksRepo) MarkFailed(ctx context.Context, eventID string) error {
	op := "webhooks.mark_failed"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE webhook_events
			SET status = 'failed',
			    attempts = attempts + 1
			WHERE event_id = $1
		`, eventID)
		return err
	})
}

// MarkReplayed flags a set of events for replay. Idempotent across
// repeated calls: already-replayed events keep their original stamp.
func (r *WebhooksRepo) MarkReplayed(ctx context.Context, eventIDs []string, reason string) (int64, error) {
	var n int64
	op := "webhooks.mark_replayed"

	err := r.observe(op, func() error {
		tag, qerr := r.pool.Exec(ctx, `
			UPDATE webhook_events
			SET status = 'replayed',
			    replayed_from = COALESCE(replayed_from, status || ':' || $2)
			WHERE event_id = ANY($1) AND status <> 'replayed'
		`, eventIDs, reason)

		if qerr != nil {
			return qerr
		}
		n = tag.RowsAffected()
		return nil
	})

	return n, err
}

// TouchSubscription bumps the counters for a topic. Bookkeeping: callers
// swallow the error.
func (r *WebhooksRepo) TouchSubscription(ctx context.Context, topic string) error {
	op := "webhooks.touch_subscription"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE webhook_subscriptions
			SET received_total = received_total + 1,
			    received_today = CASE
			        WHEN last_received_at IS NULL OR last_received_at::date < CURRENT_DATE THEN 1
			        ELSE received_today + 1
			    END,
			    last_received_at = NOW()
			WHERE topic = $1 AND active
		`, topic)
		return err
	})
}

// Ages reports how long ago the newest event arrived and was processed.
// The watchdog uses the gap between the two as its lag signal.
func (r *WebhooksRepo) Ages(ctx context.Context) (receivedAge, processedAge time.Duration, err error) {
	op := "webhooks.ages"

	err = r.observe(op, func() error {
		var lastReceived, lastProcessed *time.Time

		qerr := r.pool.QueryRow(ctx, `
			SELECT MAX(received_at), MAX(processed_at) FROM webhook_events
		`).Scan(&lastReceived, &lastProcessed)

		if qerr != nil {
			return qerr
		}

		now := time.Now().UTC()

		if lastReceived != nil {
			receivedAge = now.Sub(*lastReceived)
		} else {
			receivedAge = -1
		}

		if lastProcessed != nil {
			processedAge = now.Sub(*lastProcessed)
		} else {
			processedAge = -1
		}
		return nil
	})

	return receivedAge, processedAge, err
}
