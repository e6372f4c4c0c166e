// Пакет queue — очередь задач на Redis.
//
// Раскладка ключей ({p} — префикс, по умолчанию clipsafe):
//   - {p}:job:{id} — JSON-запись задачи
//   - {p}:queue — общий список id задач к обработке (RPUSH / BLPOP)
//   - {p}:user:{uid}:drafts — черновики пользователя, не более 5, старые вытесняются
//   - {p}:user:{uid}:history — последние 20 поставленных задач, новые в начале
//
// Изменения записи задачи выполняются через WATCH/MULTI: из нескольких
// конкурентных изменений одной задачи проходит ровно одно, остальные перечитывают запись.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/clipsafe/internal/domain/jobstate"
	"github.com/bigkaa/clipsafe/internal/domain/model"
)

const (
	// MaxDrafts — ёмкость списка черновиков пользователя.
	MaxDrafts = 5
	// MaxHistory — ёмкость истории пользователя.
	MaxHistory = 20

	// maxTxRetries — число повторов оптимистичной транзакции при конфликте.
	maxTxRetries = 16
)

var (
	// ErrNotFound — задача не найдена.
	ErrNotFound = errors.New("задача не найдена")
	// ErrNoDraft — у пользователя нет черновика.
	ErrNoDraft = errors.New("нет активного черновика")
	// ErrPendingConfirmation — права на материал не подтверждены, черновик остаётся в списке.
	ErrPendingConfirmation = errors.New("требуется подтверждение прав на материал")
	// ErrConflict — не удалось применить изменение из-за постоянных конкурентных правок.
	ErrConflict = errors.New("конфликт конкурентного изменения задачи")
)

// Queue — очередь задач и индексы пользователей.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт очередь поверх клиента Redis.
func New(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *Queue {
	if prefix == "" {
		prefix = "clipsafe"
	}
	return &Queue{
		rdb:    rdb,
		prefix: prefix,
		now:    time.Now,
		logger: logger.With(slog.String("component", "queue")),
	}
}

// SetClock подменяет источник текущего времени.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Connect разбирает redis:// URL, создаёт клиента и проверяет соединение.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора URL Redis: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis недоступен: %w", err)
	}
	return client, nil
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

func (q *Queue) queueKey() string {
	return q.prefix + ":queue"
}

func (q *Queue) draftsKey(userID int64) string {
	return q.prefix + ":user:" + strconv.FormatInt(userID, 10) + ":drafts"
}

func (q *Queue) historyKey(userID int64) string {
	return q.prefix + ":user:" + strconv.FormatInt(userID, 10) + ":history"
}

// EnqueueDraft сохраняет задачу в статусе draft и добавляет её в черновики пользователя.
// При переполнении вытесняется самый старый черновик.
func (q *Queue) EnqueueDraft(ctx context.Context, job *model.Job) (*model.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	job.Status = model.StatusDraft
	job.Touch(q.now())

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации задачи: %w", err)
	}

	draftsKey := q.draftsKey(job.UserID)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		pipe.RPush(ctx, draftsKey, job.ID)
		pipe.LTrim(ctx, draftsKey, -MaxDrafts, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения черновика %s: %w", job.ID, err)
	}

	q.logger.Info("Черновик сохранён",
		slog.String("job_id", job.ID),
		slog.Int64("user_id", job.UserID),
	)
	return job, nil
}

// AssignOperation назначает тип операции последнему черновику пользователя
// и ставит его в очередь. configure (может быть nil) заполняет параметры операции.
//
// Ошибки:
//   - ErrNoDraft — черновиков нет
//   - ErrPendingConfirmation — права не подтверждены; черновик и его статус не меняются
//
// При конкурентных вызовах черновик забирает ровно один вызывающий.
func (q *Queue) AssignOperation(ctx context.Context, userID int64, jobType model.JobType, configure func(*model.Params)) (*model.Job, error) {
	draftsKey := q.draftsKey(userID)
	historyKey := q.historyKey(userID)

	var assigned *model.Job
	err := q.withLatestDraft(ctx, userID, func(job *model.Job) ([]func(redis.Pipeliner), error) {
		if !job.Params.RightsConfirmed {
			return nil, ErrPendingConfirmation
		}

		job.Type = jobType
		if configure != nil {
			configure(&job.Params)
		}
		if err := jobstate.Transition(job, model.StatusQueued, q.now()); err != nil {
			return nil, err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации задачи: %w", err)
		}

		assigned = job
		return []func(redis.Pipeliner){func(pipe redis.Pipeliner) {
			pipe.LRem(ctx, draftsKey, 0, job.ID)
			pipe.Set(ctx, q.jobKey(job.ID), data, 0)
			pipe.RPush(ctx, q.queueKey(), job.ID)
			pipe.LPush(ctx, historyKey, job.ID)
			pipe.LTrim(ctx, historyKey, 0, MaxHistory-1)
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("Задача поставлена в очередь",
		slog.String("job_id", assigned.ID),
		slog.String("type", string(jobType)),
		slog.Int64("user_id", userID),
	)
	return assigned, nil
}

// CancelLatestDraft отменяет последний черновик пользователя.
func (q *Queue) CancelLatestDraft(ctx context.Context, userID int64) (*model.Job, error) {
	draftsKey := q.draftsKey(userID)

	var cancelled *model.Job
	err := q.withLatestDraft(ctx, userID, func(job *model.Job) ([]func(redis.Pipeliner), error) {
		if err := jobstate.Transition(job, model.StatusCancelled, q.now()); err != nil {
			return nil, err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации задачи: %w", err)
		}
		cancelled = job
		return []func(redis.Pipeliner){func(pipe redis.Pipeliner) {
			pipe.LRem(ctx, draftsKey, 0, job.ID)
			pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("Черновик отменён",
		slog.String("job_id", cancelled.ID),
		slog.Int64("user_id", userID),
	)
	return cancelled, nil
}

// ConfirmRights фиксирует ответ пользователя о правах на материал последнего черновика.
// confirmed=true отмечает права подтверждёнными, false отменяет черновик.
func (q *Queue) ConfirmRights(ctx context.Context, userID int64, confirmed bool) (*model.Job, error) {
	if !confirmed {
		return q.CancelLatestDraft(ctx, userID)
	}

	var updated *model.Job
	err := q.withLatestDraft(ctx, userID, func(job *model.Job) ([]func(redis.Pipeliner), error) {
		job.Params.RightsConfirmed = true
		job.Touch(q.now())
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации задачи: %w", err)
		}
		updated = job
		return []func(redis.Pipeliner){func(pipe redis.Pipeliner) {
			pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// draftAction — решение по черновику внутри транзакции.
// Возвращает команды для MULTI/EXEC или ошибку (транзакция не выполняется).
type draftAction func(job *model.Job) ([]func(redis.Pipeliner), error)

// withLatestDraft находит последний черновик пользователя и применяет к нему action
// под WATCH списка черновиков и ключа задачи: новый черновик, добавленный до EXEC,
// отменяет транзакцию, и попытка повторяется уже с ним. Ссылки на пропавшие
// или уже не черновые задачи удаляются из списка черновиков.
func (q *Queue) withLatestDraft(ctx context.Context, userID int64, action draftAction) error {
	draftsKey := q.draftsKey(userID)

	for range maxTxRetries {
		var (
			id      string
			stale   bool
			noDraft bool
		)
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			id, err = tx.LIndex(ctx, draftsKey, -1).Result()
			if errors.Is(err, redis.Nil) {
				noDraft = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("ошибка чтения черновиков: %w", err)
			}
			if err := tx.Watch(ctx, q.jobKey(id)).Err(); err != nil {
				return fmt.Errorf("ошибка WATCH задачи: %w", err)
			}

			job, err := q.load(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				stale = true
				return nil
			}
			if err != nil {
				return err
			}
			if job.Status != model.StatusDraft {
				stale = true
				return nil
			}

			cmds, err := action(job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, c := range cmds {
					c(pipe)
				}
				return nil
			})
			return err
		}, draftsKey)

		if err == nil && noDraft {
			return ErrNoDraft
		}
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return err
		case stale:
			q.logger.Warn("Устаревший черновик удалён из списка",
				slog.String("job_id", id),
				slog.Int64("user_id", userID),
			)
			if err := q.rdb.LRem(ctx, draftsKey, 0, id).Err(); err != nil {
				return fmt.Errorf("ошибка очистки черновиков: %w", err)
			}
			continue
		}
		return nil
	}
	return ErrConflict
}

// Dequeue ждёт задачу в общей очереди не дольше timeout.
// Возвращает (nil, nil) по таймауту или если запись задачи пропала.
// BLPOP выдаёт каждый id ровно одному получателю.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*model.Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.queueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ошибка чтения очереди: %w", err)
	}

	id := res[1]
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		q.logger.Warn("Задача из очереди не найдена", slog.String("job_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// StatusOption — дополнительные поля при смене статуса.
type StatusOption func(*model.Job)

// WithError записывает причину неудачи.
func WithError(msg string) StatusOption {
	return func(j *model.Job) { j.Error = msg }
}

// WithResultPath записывает путь к результату.
func WithResultPath(path string) StatusOption {
	return func(j *model.Job) { j.ResultPath = path }
}

// WithParams изменяет параметры задачи.
func WithParams(fn func(*model.Params)) StatusOption {
	return func(j *model.Job) { fn(&j.Params) }
}

// SetStatus переводит задачу в статус status по правилам автомата статусов.
func (q *Queue) SetStatus(ctx context.Context, id string, status model.JobStatus, opts ...StatusOption) (*model.Job, error) {
	return q.mutate(ctx, id, func(job *model.Job) error {
		if err := jobstate.Transition(job, status, q.now()); err != nil {
			return err
		}
		for _, opt := range opts {
			opt(job)
		}
		return nil
	})
}

// UpdateJob сохраняет задачу целиком и обновляет updated_at.
func (q *Queue) UpdateJob(ctx context.Context, job *model.Job) error {
	exists, err := q.rdb.Exists(ctx, q.jobKey(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("ошибка проверки задачи %s: %w", job.ID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	job.Touch(q.now())
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ошибка сериализации задачи: %w", err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("ошибка сохранения задачи %s: %w", job.ID, err)
	}
	return nil
}

// GetJob читает задачу по id.
func (q *Queue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return q.load(ctx, q.rdb, id)
}

// DeleteJob удаляет запись задачи и ссылку на неё из черновиков владельца.
func (q *Queue) DeleteJob(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.draftsKey(job.UserID), 0, id)
		pipe.Del(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления задачи %s: %w", id, err)
	}
	q.logger.Info("Задача удалена",
		slog.String("job_id", id),
		slog.Int64("user_id", job.UserID),
	)
	return nil
}

// ListRecentJobs возвращает до limit последних поставленных задач пользователя,
// новые первыми. Пропавшие записи пропускаются.
func (q *Queue) ListRecentJobs(ctx context.Context, userID int64, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}

	ids, err := q.rdb.LRange(ctx, q.historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения истории: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	values, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения задач: %w", err)
	}

	jobs := make([]*model.Job, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			q.logger.Warn("Повреждённая запись задачи",
				slog.String("job_id", ids[i]),
				slog.String("error", err.Error()),
			)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// QueueLength возвращает число задач, ожидающих обработки.
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueKey()).Result()
}

// mutate применяет fn к задаче под WATCH и сохраняет результат.
func (q *Queue) mutate(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	key := q.jobKey(id)
	for range maxTxRetries {
		var out *model.Job
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			job, err := q.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := fn(job); err != nil {
				return err
			}
			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("ошибка сериализации задачи: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			out = job
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// getter — клиент или транзакция Redis.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load читает и разбирает запись задачи.
func (q *Queue) load(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения задачи %s: %w", id, err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("ошибка разбора задачи %s: %w", id, err)
	}
	return &job, nil
}
