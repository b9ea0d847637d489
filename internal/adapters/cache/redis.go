package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// slidingWindowScript trims entries older than the window, then admits the member if the window has room.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= limit then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisIssuanceLimiter keeps one sorted set per user, scored by referral creation time in milliseconds.
type RedisIssuanceLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisIssuanceLimiter(client *redis.Client, limit int, window time.Duration) *RedisIssuanceLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RedisIssuanceLimiter{client: client, limit: limit, window: window}
}

func issuanceKey(userID string) string { return "referral:issuance:" + userID }

func (l *RedisIssuanceLimiter) Acquire(ctx context.Context, userID string, now time.Time) (string, bool, error) {
	token := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	admitted, err := slidingWindowScript.Run(ctx, l.client, []string{issuanceKey(userID)},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, token).Int()
	if err != nil {
		return "", false, fmt.Errorf("issuance limiter: %w", err)
	}
	if admitted != 1 {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisIssuanceLimiter) Release(ctx context.Context, userID, token string) error {
	if token == "" {
		return nil
	}
	return l.client.ZRem(ctx, issuanceKey(userID), token).Err()
}

func (l *RedisIssuanceLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
