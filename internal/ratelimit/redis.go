package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "oopsie:ratelimit:"

// Redis counts requests per key in fixed windows. INCR and EXPIRE run in one
// MULTI so concurrent API instances share an exact count.
type Redis struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, limit int, window time.Duration) *Redis {
	if client == nil || limit <= 0 || window <= 0 {
		return nil
	}
	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		key = "unknown"
	}

	now := l.now()
	windowIndex := now.UnixNano() / int64(l.window)
	windowEnd := time.Unix(0, (windowIndex+1)*int64(l.window))
	counterKey := l.prefix + key + ":" + strconv.FormatInt(windowIndex, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	if count > l.limit {
		return Decision{RetryAfter: windowEnd.Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - count}, nil
}
