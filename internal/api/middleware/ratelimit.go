// ratelimit.go — ограничение частоты запросов к API (token bucket на клиента).
// Ключ — идентификатор пользователя, если он уже определён, иначе адрес клиента.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/clipsafe/internal/api/errors"
)

// maxTrackedClients — сколько клиентов держит ограничитель одновременно.
const maxTrackedClients = 10000

// RateLimiter — набор token bucket по клиентам.
type RateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter создаёт ограничитель: rps запросов в секунду с запасом burst.
// Бездействующие клиенты забываются через idleTTL.
func NewRateLimiter(rps float64, burst int, idleTTL time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, idleTTL),
	}
}

// Allow расходует токен клиента key.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()
	return b.Allow()
}

// Middleware отвечает 429, когда клиент исчерпал запас запросов.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				apierrors.RateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if id, ok := UserIDFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id, 10)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
