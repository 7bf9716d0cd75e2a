// Package cache holds the Redis-backed mpi_id lookup cache. All methods
// are safe on a nil cache, which is how deployments without Redis run.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "mpi:id:"

type MPICache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// New connects to Redis and verifies the connection. redisURL follows
// the redis:// scheme.
func New(ctx context.Context, redisURL string, ttl time.Duration, log zerolog.Logger) (*MPICache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &MPICache{rdb: rdb, ttl: ttl, log: log}, nil
}

// Lookup returns the cached identity id for an mpi_id. A miss, a parse
// failure, or a Redis error all report !ok; the caller falls through to
// the store.
func (c *MPICache) Lookup(ctx context.Context, mpiID string) (uuid.UUID, bool) {
	if c == nil {
		return uuid.Nil, false
	}
	val, err := c.rdb.Get(ctx, keyPrefix+mpiID).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Msg("mpi cache lookup failed")
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *MPICache) Store(ctx context.Context, mpiID string, id uuid.UUID) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+mpiID, id.String(), c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("mpi cache store failed")
	}
}

func (c *MPICache) Invalidate(ctx context.Context, mpiID string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, keyPrefix+mpiID).Err(); err != nil {
		c.log.Warn().Err(err).Msg("mpi cache invalidate failed")
	}
}

func (c *MPICache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
