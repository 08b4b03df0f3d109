package redisclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// kickChannel is the pub/sub channel the API publishes on to wake idle
// runners immediately instead of waiting out their poll backoff.
const kickChannel = "posbridge:runner:kick"

type Client struct {
	redisdb *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) *Client {
	redisdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Client{redisdb: redisdb}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.redisdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.redisdb.Close()
}

// Raw exposes the underlying client for the rate limiter middleware.
func (c *Client) Raw() *redis.Client {
	return c.redisdb
}

// Kick wakes any runner blocked on WaitKick.
func (c *Client) Kick(ctx context.Context) error {
	return c.redisdb.Publish(ctx, kickChannel, "1").Err()
}

// WaitKick blocks until a kick arrives, the timeout passes, or ctx is
// cancelled. Returns true only for a real kick.
func (c *Client) WaitKick(ctx context.Context, timeout time.Duration) bool {
	sub := c.redisdb.Subscribe(ctx, kickChannel)
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := sub.ReceiveMessage(waitCtx)
	return err == nil
}
