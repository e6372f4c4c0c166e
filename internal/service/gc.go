// gc.go — сервис фоновой очистки артефактов с истёкшим сроком хранения.
//
// Периодически вызывает CleanupExpired хранилища артефактов: удаляет
// истёкшие файлы, их удалённые копии и опустевшие директории задач.
//
// Запускается как горутина с периодическим тикером (CLIPSAFE_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/clipsafe/internal/storage/artifact"
)

// Prometheus метрики GC
var (
	// gcRunsTotal — количество запусков GC.
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsafe_gc_runs_total",
		Help: "Общее количество запусков GC",
	})

	// gcArtifactsEvictedTotal — количество удалённых артефактов.
	gcArtifactsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsafe_gc_artifacts_evicted_total",
		Help: "Общее количество артефактов, удалённых по сроку хранения",
	})

	// gcDirsRemovedTotal — количество удалённых директорий задач.
	gcDirsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsafe_gc_dirs_removed_total",
		Help: "Общее количество удалённых директорий задач",
	})

	// gcDurationSeconds — длительность выполнения GC.
	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipsafe_gc_duration_seconds",
		Help:    "Длительность выполнения GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ExpiredCleaner — хранилище, умеющее удалять истёкшие артефакты.
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) (*artifact.CleanupResult, error)
}

// GCResult — результат одного запуска GC.
type GCResult struct {
	// EvictedCount — количество удалённых артефактов
	EvictedCount int
	// RemovedDirs — количество удалённых директорий задач
	RemovedDirs int
	// Errors — количество ошибок при обработке директорий
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// GCService — сервис фоновой очистки артефактов.
type GCService struct {
	store    ExpiredCleaner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCService создаёт сервис GC.
func NewGCService(store ExpiredCleaner, interval time.Duration, logger *slog.Logger) *GCService {
	return &GCService{
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "gc")),
	}
}

// Start запускает фоновую горутину GC с периодическим тикером.
// Вызывается один раз при старте приложения.
func (gc *GCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel
	gc.done = make(chan struct{})

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.interval.String()),
	)
}

// Stop останавливает фоновый процесс GC и дожидается завершения текущего прохода.
func (gc *GCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
		<-gc.done
	}
	gc.logger.Info("GC остановлен")
}

// run — основной цикл фоновой горутины.
func (gc *GCService) run(ctx context.Context) {
	defer close(gc.done)

	// Первый запуск — сразу после старта
	gc.RunOnce(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл GC.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (gc *GCService) RunOnce(ctx context.Context) *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}

	gc.logger.Debug("GC запуск начат")

	res, err := gc.store.CleanupExpired(ctx)
	if res != nil {
		result.EvictedCount = res.Evicted
		result.RemovedDirs = res.RemovedDirs
		result.Errors = res.Errors
	}
	if err != nil {
		result.Errors++
		gc.logger.Error("GC: ошибка очистки",
			slog.String("error", err.Error()),
		)
	}

	result.Duration = time.Since(start)

	// Обновляем Prometheus метрики
	gcRunsTotal.Inc()
	gcArtifactsEvictedTotal.Add(float64(result.EvictedCount))
	gcDirsRemovedTotal.Add(float64(result.RemovedDirs))
	gcDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC завершён",
		slog.Int("evicted", result.EvictedCount),
		slog.Int("removed_dirs", result.RemovedDirs),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
