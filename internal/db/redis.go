package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings Redis. Used by the rate limiter and the
// API key cache.
func NewRedisClient(c config.RedisConfig) (*redis.Client, error) {
	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: dialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", c.Addr, err)
	}

	return rdb, nil
}
