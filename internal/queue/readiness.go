package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReadinessChecker — проверка готовности Redis для health endpoint.
type ReadinessChecker struct {
	rdb redis.UniversalClient
}

// NewReadinessChecker создаёт проверку готовности Redis.
func NewReadinessChecker(rdb redis.UniversalClient) *ReadinessChecker {
	return &ReadinessChecker{rdb: rdb}
}

// CheckReady проверяет подключение к Redis через PING.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
