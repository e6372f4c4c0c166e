// Пакет worker — цикл обработки задач из общей очереди.
//
// Каждая задача проходит этапы строго последовательно:
// лимитер → processing → скачивание (с повторами) → ffmpeg → сохранение → completed.
// Ошибка любого этапа переводит задачу в failed с причиной для пользователя,
// цикл при этом продолжает работу. Временная директория задачи удаляется всегда.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/clipsafe/internal/domain/jobstate"
	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/fetcher"
	"github.com/bigkaa/clipsafe/internal/media"
	"github.com/bigkaa/clipsafe/internal/queue"
	"github.com/bigkaa/clipsafe/internal/ratelimit"
	"github.com/bigkaa/clipsafe/internal/storage/artifact"
)

// JobQueue — операции очереди, нужные воркеру. *queue.Queue удовлетворяет интерфейсу.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*model.Job, error)
	SetStatus(ctx context.Context, id string, status model.JobStatus, opts ...queue.StatusOption) (*model.Job, error)
}

// Processor — выполнение операции над исходным файлом.
type Processor interface {
	Process(ctx context.Context, job *model.Job, sourcePath, outputDir string) (*media.Result, error)
}

// ArtifactSaver — сохранение результата.
type ArtifactSaver interface {
	SaveResult(ctx context.Context, jobID, localPath string) (*artifact.StoredArtifact, error)
}

// TempStore — временные директории задач.
type TempStore interface {
	TempDir(jobID string) (string, error)
	RemoveTemp(jobID string) error
}

// Archiver — запись задачи в конечном статусе в архив.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *model.Job) error
}

// Deps — зависимости воркера. Archive может быть nil.
type Deps struct {
	Queue     JobQueue
	Limiter   ratelimit.Limiter
	Source    fetcher.Source
	Processor Processor
	Artifacts ArtifactSaver
	Temp      TempStore
	Archive   Archiver
}

// Options — параметры цикла.
type Options struct {
	// PollTimeout — предельное ожидание задачи в очереди за одну итерацию
	PollTimeout time.Duration
	// Retries — число попыток скачивания источника
	Retries int
	// ErrorBackoff — пауза после ошибки чтения очереди
	ErrorBackoff time.Duration
	// StatusAttempts — попытки записи статуса задачи
	StatusAttempts int
	// StatusBackoff — пауза перед повтором записи статуса, растёт линейно
	StatusBackoff time.Duration
}

// Worker — обработчик задач.
type Worker struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	logger *slog.Logger
	events *slog.Logger
}

// New создаёт воркер.
func New(deps Deps, opts Options, logger *slog.Logger) *Worker {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = fetcher.DefaultRetries
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.StatusAttempts <= 0 {
		opts.StatusAttempts = 3
	}
	if opts.StatusBackoff <= 0 {
		opts.StatusBackoff = 200 * time.Millisecond
	}
	return &Worker{
		deps:   deps,
		opts:   opts,
		now:    time.Now,
		logger: logger.With(slog.String("component", "worker")),
		events: logger.With(slog.String("component", "analytics")),
	}
}

// Run обрабатывает задачи до отмены ctx. Возвращает nil при штатной остановке.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Воркер запущен", slog.Duration("poll_timeout", w.opts.PollTimeout))
	defer w.logger.Info("Воркер остановлен")

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.deps.Queue.Dequeue(ctx, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Ошибка чтения очереди", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.ErrorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.ProcessJob(ctx, job)
	}
}

// RunN запускает n независимых циклов и ждёт их завершения.
func (w *Worker) RunN(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.logger.Debug("Запуск цикла", slog.Int("index", i))
			_ = w.Run(ctx)
		}()
	}
	wg.Wait()
}

// ProcessJob проводит одну задачу через все этапы до конечного статуса.
func (w *Worker) ProcessJob(ctx context.Context, job *model.Job) {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Int64("user_id", job.UserID),
	)
	// Задача из очереди доводится до конечного статуса и при остановке процесса:
	// этапы ограничены собственными таймаутами
	ctx = context.WithoutCancel(ctx)

	if err := w.deps.Limiter.RegisterJob(ctx, job.UserID); err != nil {
		log.Info("Задача отклонена лимитером", slog.String("error", err.Error()))
		jobsCompleted.WithLabelValues(string(job.Type), "rejected").Inc()
		w.finish(ctx, log, job.ID, model.StatusFailed, queue.WithError(UserReason(err)))
		return
	}

	if _, err := w.setStatus(ctx, job.ID, model.StatusProcessing); err != nil {
		log.Error("Не удалось перевести задачу в processing", slog.String("error", err.Error()))
		return
	}

	start := w.now()
	trackStart(job.Type)
	w.events.Info("job_started",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("source_kind", string(job.SourceKind)),
	)

	defer func() {
		if err := w.deps.Temp.RemoveTemp(job.ID); err != nil {
			log.Warn("Не удалось удалить временные файлы", slog.String("error", err.Error()))
		}
	}()

	stored, res, err := w.runStages(ctx, log, job)
	duration := w.now().Sub(start)

	if err != nil {
		log.Error("Задача завершилась ошибкой",
			slog.String("error", err.Error()),
			slog.Duration("duration", duration),
		)
		trackEnd(job.Type, model.StatusFailed, duration)
		w.events.Info("job_finished",
			slog.String("job_id", job.ID),
			slog.String("status", string(model.StatusFailed)),
			slog.Duration("duration", duration),
		)
		w.finish(ctx, log, job.ID, model.StatusFailed, queue.WithError(UserReason(err)))
		return
	}

	expires := stored.ExpiresAt
	w.finish(ctx, log, job.ID, model.StatusCompleted,
		queue.WithResultPath(stored.Path),
		queue.WithParams(func(p *model.Params) {
			p.PublicURL = stored.PublicURL
			p.ExpiresAt = &expires
			p.Warning = res.Warning
		}),
	)
	trackEnd(job.Type, model.StatusCompleted, duration)
	w.events.Info("job_finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(model.StatusCompleted)),
		slog.Duration("duration", duration),
	)
	log.Info("Задача выполнена",
		slog.String("path", stored.Path),
		slog.Duration("duration", duration),
	)
}

// runStages: скачивание → обработка → сохранение.
func (w *Worker) runStages(ctx context.Context, log *slog.Logger, job *model.Job) (*artifact.StoredArtifact, *media.Result, error) {
	source, err := fetcher.DownloadWithRetry(ctx, w.deps.Source, job, w.opts.Retries, log)
	if err != nil {
		return nil, nil, err
	}

	tmp, err := w.deps.Temp.TempDir(job.ID)
	if err != nil {
		return nil, nil, err
	}

	res, err := w.deps.Processor.Process(ctx, job, source, filepath.Join(tmp, "out"))
	if err != nil {
		var pe *media.ProcessingError
		if errors.As(err, &pe) && pe.Stderr != "" {
			log.Debug("Диагностика ffmpeg", slog.String("stderr", pe.Stderr))
		}
		return nil, nil, err
	}
	if res.Warning != "" {
		log.Warn("Предупреждение обработки", slog.String("warning", res.Warning))
	}

	stored, err := w.deps.Artifacts.SaveResult(ctx, job.ID, res.Path)
	if err != nil {
		return nil, nil, err
	}
	return stored, res, nil
}

// finish записывает конечный статус и архивирует задачу.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, id string, status model.JobStatus, opts ...queue.StatusOption) {
	job, err := w.setStatus(ctx, id, status, opts...)
	if err != nil {
		log.Error("Не удалось записать конечный статус",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	if w.deps.Archive == nil {
		return
	}
	if err := w.deps.Archive.ArchiveJob(ctx, job); err != nil {
		log.Warn("Не удалось записать задачу в архив", slog.String("error", err.Error()))
	}
}

// setStatus записывает статус с повторами: ошибка Redis не должна оставить задачу
// в queued или processing. Ошибки перехода (jobstate) и пропавшая запись не повторяются.
func (w *Worker) setStatus(ctx context.Context, id string, status model.JobStatus, opts ...queue.StatusOption) (*model.Job, error) {
	var lastErr error
	for attempt := 1; attempt <= w.opts.StatusAttempts; attempt++ {
		job, err := w.deps.Queue.SetStatus(ctx, id, status, opts...)
		if err == nil {
			return job, nil
		}
		lastErr = err

		var te *jobstate.TransitionError
		if errors.As(err, &te) || errors.Is(err, queue.ErrNotFound) || attempt == w.opts.StatusAttempts {
			break
		}
		w.logger.Warn("Ошибка записи статуса, повтор",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * w.opts.StatusBackoff):
		}
	}
	return nil, lastErr
}
