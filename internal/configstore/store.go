package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusrw/posbridge/internal/cache"
)

// Store is the opaque key -> value configuration surface shared by every
// process. Reads go through a short per-process cache; writes update the
// cache in-process only, other processes pick the value up on their next
// uncached read.
type Store struct {
	pool  *pgxpool.Pool
	cache *cache.Cache
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:  pool,
		cache: cache.New(5 * time.Second),
	}
}

// Get reads a key, bypassing the cache. Returns ok=false when absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var val string

	err := s.pool.QueryRow(ctx,
		`SELECT value FROM app_config WHERE key = $1`, key).Scan(&val)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	s.cache.Set(key, val)
	return val, true, nil
}

// GetCached serves from the process cache when fresh.
func (s *Store) GetCached(ctx context.Context, key string) (string, bool, error) {
	if v, ok := s.cache.GetString(key); ok {
		return v, true, nil
	}

	return s.Get(ctx, key)
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)

	if err != nil {
		return err
	}

	s.cache.Set(key, value)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM app_config WHERE key = $1`, key)

	if err != nil {
		return err
	}

	s.cache.Delete(key)
	return nil
}

// GetBool treats a missing key as false.
func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	v, ok, err := s.GetCached(ctx, key)

	if err != nil || !ok {
		return false, err
	}

	b, perr := strconv.ParseBool(v)

	if perr != nil {
		return false, nil
	}
	return b, nil
}

// GetInt treats a missing or malformed key as fallback.
func (s *Store) GetInt(ctx context.Context, key string, fallback int) (int, error) {
	v, ok, err := s.GetCached(ctx, key)

	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}

	n, perr := strconv.Atoi(v)

	if perr != nil {
		return fallback, nil
	}
	return n, nil
}

func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	v, ok, err := s.Get(ctx, key)

	if err != nil || !ok {
		return false, err
	}

	if uerr := json.Unmarshal([]byte(v), out); uerr != nil {
		return false, uerr
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, val any) error {
	b, err := json.Marshal(val)

	if err != nil {
		return err
	}

	return s.Set(ctx, key, string(b))
}

// Invalidate drops a key from the process cache, forcing the next read
// to hit the database.
func (s *Store) Invalidate(key string) {
	s.cache.Delete(key)
}
