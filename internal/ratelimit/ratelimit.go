// Пакет ratelimit — ограничение числа задач пользователя в скользящем окне.
//
// Две реализации интерфейса Limiter:
//   - MemoryLimiter — в памяти процесса (один процесс воркеров)
//   - RedisLimiter — sorted set в Redis, общий для всех процессов воркеров
//
// Отказ не записывается в окно: отклонённая попытка не продлевает блокировку.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter — ограничитель допуска задач.
type Limiter interface {
	// RegisterJob записывает допуск задачи пользователя или возвращает
	// *RateLimitExceeded, если лимит окна исчерпан.
	RegisterJob(ctx context.Context, userID int64) error
}

// RateLimitExceeded — лимит задач пользователя в окне исчерпан.
type RateLimitExceeded struct {
	UserID int64
	Limit  int
	Window time.Duration
	// RetryAfter — через сколько освободится место в окне
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("превышено количество задач: пользователь %d, лимит %d за %s", e.UserID, e.Limit, e.Window)
}

// MemoryLimiter — скользящее окно в памяти процесса.
// Потокобезопасен.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[int64][]time.Time
}

// NewMemoryLimiter создаёт лимитер на limit задач за window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[int64][]time.Time),
	}
}

// SetClock подменяет источник текущего времени.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// RegisterJob отбрасывает записи старше окна и проверяет лимит.
func (l *MemoryLimiter) RegisterJob(_ context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	history := l.buckets[userID]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.buckets[userID] = kept
		return &RateLimitExceeded{
			UserID:     userID,
			Limit:      l.limit,
			Window:     l.window,
			RetryAfter: kept[0].Add(l.window).Sub(now),
		}
	}

	l.buckets[userID] = append(kept, now)
	return nil
}
