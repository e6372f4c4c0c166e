package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript атомарно чистит окно, проверяет лимит и записывает допуск.
// KEYS[1] — ключ окна; ARGV: now_ms, window_ms, limit, member.
// Возвращает 0 при допуске, иначе время самой старой записи окна в мс.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return tonumber(oldest[2])
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 0
`)

// RedisLimiter — скользящее окно в Redis, общее для всех процессов воркеров.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter создаёт лимитер с ключами {prefix}:ratelimit:{user_id}.
func NewRedisLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// SetClock подменяет источник текущего времени.
func (l *RedisLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// RegisterJob выполняет проверку и запись одним скриптом.
func (l *RedisLimiter) RegisterJob(ctx context.Context, userID int64) error {
	now := l.now()
	nowMs := now.UnixMilli()
	key := l.prefix + ":ratelimit:" + strconv.FormatInt(userID, 10)

	oldest, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		nowMs, l.window.Milliseconds(), l.limit, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Int64()
	if err != nil {
		return fmt.Errorf("ошибка проверки лимита в Redis: %w", err)
	}
	if oldest == 0 {
		return nil
	}

	return &RateLimitExceeded{
		UserID:     userID,
		Limit:      l.limit,
		Window:     l.window,
		RetryAfter: time.UnixMilli(oldest).Add(l.window).Sub(now),
	}
}
