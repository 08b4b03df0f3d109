package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusrw/posbridge/internal/observability"
)

// BucketsRepo stores minute-aligned integer counters. It backs both the
// IP rate limiter and the table-backed metrics sink.
type BucketsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewBucketsRepo(pool *pgxpool.Pool, prom *observability.Prom) *BucketsRepo {
	return &BucketsRepo{pool: pool, prom: prom}
}

func (r *BucketsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *BucketsRepo) IncrementBucket(ctx context.Context, key string, window time.Time, delta int64) error {
	op := "buckets.increment"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO rate_buckets (key, window_start, count)
			VALUES ($1, $2, $3)
			ON CONFLICT (key, window_start) DO UPDATE
			SET count = rate_buckets.count + EXCLUDED.count
		`, key, window.UTC().Truncate(time.Minute), delta)
		return err
	})
}

// Count returns the counter for one key/window pair, zero when absent.
func (r *BucketsRepo) Count(ctx context.Context, key string, window time.Time) (int64, error) {
	var n int64
	op := "buckets.count"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(count), 0) FROM rate_buckets
			WHERE key = $1 AND window_start = $2
		`, key, window.UTC().Truncate(time.Minute)).Scan(&n)
	})

	return n, err
}

// Prune drops buckets older than the retention horizon.
func (r *BucketsRepo) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	op := "buckets.prune"

	err := r.observe(op, func() error {
		tag, qerr := r.pool.Exec(ctx, `
			DELETE FROM rate_buckets WHERE window_start < NOW() - ($1 * INTERVAL '1 second')
		`, int64(olderThan.Seconds()))

		if qerr != nil {
			return qerr
		}
		n = tag.RowsAffected()
		return nil
	})

	return n, err
}
