// jobs.go — операции над задачами пользователя для HTTP API:
// создание черновика, подтверждение прав, выбор операции, отмена, просмотр.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/queue"
	"github.com/bigkaa/clipsafe/internal/repository"
	"github.com/bigkaa/clipsafe/internal/urlcheck"
)

// Ошибки сервиса задач.
var (
	// ErrInvalidRequest — некорректные параметры запроса.
	ErrInvalidRequest = errors.New("некорректный запрос")
	// ErrJobNotFound — задача не найдена или принадлежит другому пользователю.
	ErrJobNotFound = errors.New("задача не найдена")
)

// DraftQueue — операции очереди, нужные API. *queue.Queue удовлетворяет интерфейсу.
type DraftQueue interface {
	EnqueueDraft(ctx context.Context, job *model.Job) (*model.Job, error)
	ConfirmRights(ctx context.Context, userID int64, confirmed bool) (*model.Job, error)
	AssignOperation(ctx context.Context, userID int64, jobType model.JobType, configure func(*model.Params)) (*model.Job, error)
	CancelLatestDraft(ctx context.Context, userID int64) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListRecentJobs(ctx context.Context, userID int64, limit int) ([]*model.Job, error)
}

// URLValidator — проверка ссылки перед созданием черновика.
type URLValidator interface {
	EnsureAllowedURL(ctx context.Context, rawURL string) urlcheck.Result
}

// ArchiveReader — чтение задач из архива, когда запись в очереди уже удалена.
type ArchiveReader interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// DraftRequest — источник нового черновика: либо SourceURL, либо SourceFileID.
type DraftRequest struct {
	SourceURL    string
	SourceFileID string
	FileName     string
	FileSize     int64
	MimeType     string
}

// OperationRequest — выбранная операция и её параметры.
// Таймкоды принимаются в формате ParseTimecode ("90", "01:30", "00:01:30.5").
type OperationRequest struct {
	Type      string
	Container string
	Start     string
	End       string
	Smart     bool
	Time      string
	Frame     *int
}

// JobService — сценарии пользователя поверх очереди задач.
type JobService struct {
	queue       DraftQueue
	validator   URLValidator
	cache       *JobCache
	archive     ArchiveReader
	maxFileSize int64
	logger      *slog.Logger
}

// NewJobService создаёт сервис. archive может быть nil.
func NewJobService(q DraftQueue, validator URLValidator, cache *JobCache, archive ArchiveReader, maxFileSize int64, logger *slog.Logger) *JobService {
	return &JobService{
		queue:       q,
		validator:   validator,
		cache:       cache,
		archive:     archive,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "job_service")),
	}
}

// CreateDraft проверяет источник и сохраняет черновик.
// Отказ проверки URL возвращается как *urlcheck.ValidationRejected.
func (s *JobService) CreateDraft(ctx context.Context, userID int64, req DraftRequest) (*model.Job, error) {
	hasURL := strings.TrimSpace(req.SourceURL) != ""
	hasFile := req.SourceFileID != ""
	if hasURL == hasFile {
		return nil, fmt.Errorf("%w: нужен ровно один источник: source_url или source_file_id", ErrInvalidRequest)
	}

	var job *model.Job
	if hasURL {
		rawURL := strings.TrimSpace(req.SourceURL)
		if c := urlcheck.ClassifyURL(rawURL); c.Restricted {
			s.logger.Info("Ссылка на ограниченную платформу",
				slog.Int64("user_id", userID),
				slog.String("domain", c.Domain),
			)
			return nil, &urlcheck.ValidationRejected{Reason: urlcheck.ReasonRestricted}
		}
		res := s.validator.EnsureAllowedURL(ctx, rawURL)
		if err := res.Err(); err != nil {
			return nil, err
		}
		job = model.NewURLJob(userID, rawURL, res.Meta.AsMap())
	} else {
		if req.FileSize < 0 {
			return nil, fmt.Errorf("%w: отрицательный размер файла", ErrInvalidRequest)
		}
		if s.maxFileSize > 0 && req.FileSize > s.maxFileSize {
			return nil, &urlcheck.ValidationRejected{Reason: urlcheck.ReasonTooLarge}
		}
		job = model.NewFileJob(userID, req.SourceFileID, req.FileName, req.FileSize, req.MimeType)
	}

	return s.queue.EnqueueDraft(ctx, job)
}

// ConfirmRights передаёт ответ пользователя о правах на материал.
func (s *JobService) ConfirmRights(ctx context.Context, userID int64, confirmed bool) (*model.Job, error) {
	return s.queue.ConfirmRights(ctx, userID, confirmed)
}

// AssignOperation разбирает параметры операции и ставит последний черновик в очередь.
func (s *JobService) AssignOperation(ctx context.Context, userID int64, req OperationRequest) (*model.Job, error) {
	jobType, err := model.ParseJobType(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	configure, err := operationParams(jobType, req)
	if err != nil {
		return nil, err
	}
	return s.queue.AssignOperation(ctx, userID, jobType, configure)
}

// CancelLatestDraft отменяет последний черновик пользователя.
func (s *JobService) CancelLatestDraft(ctx context.Context, userID int64) (*model.Job, error) {
	return s.queue.CancelLatestDraft(ctx, userID)
}

// ListRecentJobs возвращает последние задачи пользователя.
func (s *JobService) ListRecentJobs(ctx context.Context, userID int64, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > queue.MaxHistory {
		limit = queue.MaxHistory
	}
	return s.queue.ListRecentJobs(ctx, userID, limit)
}

// GetJob возвращает задачу владельца. Задачи в конечном статусе обслуживаются из кэша,
// пропавшие из очереди ищутся в архиве.
func (s *JobService) GetJob(ctx context.Context, userID int64, id string) (*model.Job, error) {
	job, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *JobService) lookup(ctx context.Context, id string) (*model.Job, error) {
	if job, ok := s.cache.Get(id); ok {
		return job, nil
	}

	job, err := s.queue.GetJob(ctx, id)
	if errors.Is(err, queue.ErrNotFound) && s.archive != nil {
		job, err = s.archive.GetJob(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
	}
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	s.cache.Set(job)
	return job, nil
}

// operationParams проверяет параметры операции и возвращает функцию их записи в задачу.
func operationParams(t model.JobType, req OperationRequest) (func(*model.Params), error) {
	switch t {
	case model.TypeRemux:
		container := strings.ToLower(strings.TrimSpace(req.Container))
		if container == "" {
			container = "mp4"
		}
		if container != "mp4" && container != "mkv" {
			return nil, fmt.Errorf("%w: контейнер %q не поддерживается, допустимые: mp4, mkv", ErrInvalidRequest, req.Container)
		}
		return func(p *model.Params) { p.TargetContainer = container }, nil

	case model.TypeTrim:
		start, ok := urlcheck.ParseTimecode(req.Start)
		if !ok {
			return nil, fmt.Errorf("%w: некорректное начало фрагмента %q", ErrInvalidRequest, req.Start)
		}
		var end *float64
		if req.End != "" {
			v, ok := urlcheck.ParseTimecode(req.End)
			if !ok {
				return nil, fmt.Errorf("%w: некорректный конец фрагмента %q", ErrInvalidRequest, req.End)
			}
			end = &v
		}
		smart := req.Smart
		return func(p *model.Params) {
			p.StartSeconds = &start
			p.EndSeconds = end
			p.Smart = smart
		}, nil

	case model.TypePreview:
		var at *float64
		if req.Time != "" {
			v, ok := urlcheck.ParseTimecode(req.Time)
			if !ok {
				return nil, fmt.Errorf("%w: некорректная позиция кадра %q", ErrInvalidRequest, req.Time)
			}
			at = &v
		}
		var frame *int
		if req.Frame != nil {
			if *req.Frame < 0 {
				return nil, fmt.Errorf("%w: номер кадра не может быть отрицательным", ErrInvalidRequest)
			}
			n := *req.Frame
			frame = &n
		}
		return func(p *model.Params) {
			p.TimeSeconds = at
			p.FrameNumber = frame
		}, nil

	default:
		return nil, nil
	}
}
