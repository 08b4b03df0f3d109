package dispatch

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusrw/posbridge/internal/repo/postgres"
)

// PgLocker backs the single-runner guard with a Postgres advisory lock
// held on a dedicated connection.
type PgLocker struct {
	Pool *pgxpool.Pool
}

func (l PgLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, ok, err := postgres.TryLock(ctx, l.Pool, name)

	if err != nil || !ok {
		return nil, ok, err
	}

	release := func() {
		postgres.Unlock(context.Background(), conn, name)
	}
	return release, true, nil
}

// CountAdapter bridges the jobs repo's count shape into the selector's.
type CountAdapter struct {
	Repo interface {
		CountsByType(ctx context.Context) (map[string]postgres.TypeCounts, error)
	}
}

func (a CountAdapter) CountsByType(ctx context.Context) (map[string]Counts, error) {
	raw, err := a.Repo.CountsByType(ctx)

	if err != nil {
		return nil, err
	}

	out := make(map[string]Counts, len(raw))

	for t, c := range raw {
		out[t] = Counts{Pending: c.Pending, Working: c.Working}
	}
	return out, nil
}
