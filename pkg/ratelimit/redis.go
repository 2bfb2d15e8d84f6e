package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a sliding-window rate limiter backed by a shared Redis
// instance, for multi-replica deployments where the window must be global.
// Each user maps to a sorted set of event timestamps scored by unix nanos.
type RedisStore struct {
	client *redis.Client
	window time.Duration
	limit  int
}

// NewRedisStore connects to Redis at the given URL and verifies reachability.
func NewRedisStore(ctx context.Context, url string, window time.Duration, limit int) (*RedisStore, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultMaxPerWindow
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return &RedisStore{client: client, window: window, limit: limit}, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CheckAndRecord implements Store.
func (s *RedisStore) CheckAndRecord(ctx context.Context, userID string, now time.Time) (Result, error) {
	key := "ratelimit:" + userID
	cutoff := now.Add(-s.window)

	// Trim the window, then count what remains.
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit window query: %w", err)
	}

	if int(countCmd.Val()) >= s.limit {
		retryAfter := s.window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = oldestAt.Sub(cutoff)
		}
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	record := s.client.TxPipeline()
	record.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	record.Expire(ctx, key, s.window+time.Second)
	if _, err := record.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit record: %w", err)
	}
	return Result{Allowed: true}, nil
}
