package tsreplay

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointer stores the checkpoint as a plain string key with no
// expiry (checkpoints must survive restarts indefinitely). Grounded on
// aminofox-zenlive's pkg/cache Redis backend's client usage.
type RedisCheckpointer struct {
	Client *redis.Client
	Key    string
}

func (c *RedisCheckpointer) Load(ctx context.Context) (int64, error) {
	s, err := c.Client.Get(ctx, c.Key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tsreplay: reading checkpoint key %q: %w", c.Key, err)
	}
	skip, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		logger.Warnf("tsreplay: checkpoint key %q has invalid content %q, starting from 0", c.Key, s)
		return 0, nil
	}
	return skip, nil
}

func (c *RedisCheckpointer) Save(ctx context.Context, skip int64) error {
	if err := c.Client.Set(ctx, c.Key, strconv.FormatInt(skip, 10), 0).Err(); err != nil {
		return fmt.Errorf("tsreplay: writing checkpoint key %q: %w", c.Key, err)
	}
	return nil
}
