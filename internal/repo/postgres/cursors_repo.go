package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusrw/posbridge/internal/observability"
)

// CursorsRepo stores the per-stream opaque cursor used by the periodic
// pull jobs. Cursors only move forward; Set overwrites unconditionally
// because the vendor cursor format is opaque to us.
type CursorsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewCursorsRepo(pool *pgxpool.Pool, prom *observability.Prom) *CursorsRepo {
	return &CursorsRepo{pool: pool, prom: prom}
}

func (r *CursorsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *CursorsRepo) Get(ctx context.Context, stream string) (string, error) {
	var cur string
	op := "cursors.get"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT cursor FROM sync_cursors WHERE stream = $1`, stream).Scan(&cur)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}

	return cur, nil
}

func (r *CursorsRepo) Set(ctx context.Context, stream, cursor string) error {
	op := "cursors.set"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO sync_cursors (stream, cursor, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (stream) DO UPDATE
			SET cursor = EXCLUDED.cursor, updated_at = NOW()
		`, stream, cursor)
		return err
	})
}
