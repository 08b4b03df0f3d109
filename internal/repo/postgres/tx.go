package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	txMaxRetries  = 3
	txSleepCap    = 1200 * time.Millisecond
	lockNamespace = 0x70627267 // keeps our advisory keys out of other apps' space
)

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

func isRetryableTxErr(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		// serialization failure / deadlock detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// withTx runs fn inside a transaction, retrying up to 3 times on
// deadlock or serialization failure with linearly increasing sleep
// plus jitter, capped at 1.2s per sleep.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	var lastErr error

	for attempt := 1; attempt <= txMaxRetries; attempt++ {
		tx, err := pool.Begin(ctx)

		if err != nil {
			return err
		}

		err = fn(tx)

		if err == nil {
			if cerr := tx.Commit(ctx); cerr == nil {
				return nil
			} else {
				err = cerr
			}
		}

		_ = tx.Rollback(ctx)

		if !isRetryableTxErr(err) {
			return err
		}

		lastErr = err

		sleep := time.Duration(attempt)*300*time.Millisecond +
			time.Duration(rand.Intn(200))*time.Millisecond
		if sleep > txSleepCap {
			sleep = txSleepCap
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

// lockKey folds a lock name into the bigint space pg advisory locks use.
func lockKey(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(lockNamespace)<<32 | int64(h.Sum32())
}

// WithLock runs fn under a named advisory lock. Failure to acquire within
// the timeout is not fatal: fn still runs, and acquired=false tells the
// caller single-flight could not be guaranteed.
func WithLock(ctx context.Context, pool *pgxpool.Pool, name string, timeout time.Duration, fn func() error) (acquired bool, err error) {
	key := lockKey(name)

	conn, err := pool.Acquire(ctx)

	if err != nil {
		return false, fn()
	}
	defer conn.Release()

	deadline := time.Now().Add(timeout)

	for {
		var got bool

		if qerr := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); qerr != nil {
			return false, fn()
		}

		if got {
			acquired = true
			break
		}

		if time.Now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	err = fn()

	if acquired {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	}

	return acquired, err
}

// TryLock acquires a named advisory lock without waiting. Used by the
// dispatcher's single-runner guard; the caller holds the connection for
// the life of the lock.
func TryLock(ctx context.Context, pool *pgxpool.Pool, name string) (*pgxpool.Conn, bool, error) {
	key := lockKey(name)

	conn, err := pool.Acquire(ctx)

	if err != nil {
		return nil, false, err
	}

	var got bool

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Release()
		return nil, false, err
	}

	if !got {
		conn.Release()
		return nil, false, nil
	}

	return conn, true, nil
}

// Unlock releases a lock taken with TryLock and returns the connection.
func Unlock(ctx context.Context, conn *pgxpool.Conn, name string) {
	_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(name))
	conn.Release()
}
