// cache.go — LRU-кэш снимков задач в конечном статусе с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsafe_job_cache_hits_total",
		Help: "Общее количество попаданий в кэш задач.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsafe_job_cache_misses_total",
		Help: "Общее количество промахов кэша задач.",
	})
)

// JobCache — кэш задач, из которых больше нет переходов.
// Каждый процесс API держит собственный кэш.
type JobCache struct {
	cache *expirable.LRU[string, model.Job]
}

// NewJobCache создаёт кэш с указанным максимальным размером и TTL записи.
func NewJobCache(maxSize int, ttl time.Duration) *JobCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &JobCache{cache: expirable.NewLRU[string, model.Job](maxSize, nil, ttl)}
}

// Get возвращает копию задачи из кэша.
func (c *JobCache) Get(id string) (*model.Job, bool) {
	job, ok := c.cache.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return &job, true
}

// Set кэширует задачу, если её статус конечный. Возвращает true, если запись добавлена.
func (c *JobCache) Set(job *model.Job) bool {
	if job == nil || !job.Status.IsTerminal() {
		return false
	}
	c.cache.Add(job.ID, *job)
	return true
}

// Len возвращает число записей.
func (c *JobCache) Len() int {
	return c.cache.Len()
}
