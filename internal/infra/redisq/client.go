package redisq

import (
	"context"
	"fmt"
	"time"

	"ecomsimply/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
	now func() time.Time
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c, now: time.Now}
}

// Connect pings the server so misconfiguration fails at startup.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().
		Str("addr", c.Cfg.Addr).
		Str("events", c.Cfg.EventStreamKey).
		Str("dlq", c.Cfg.DLQStreamKey).
		Msg("connected to redis")
	return nil
}

func (c *Client) Close() error {
	return c.Rdb.Close()
}
