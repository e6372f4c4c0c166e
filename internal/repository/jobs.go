package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

// JobRepository — таблица jobs.
type JobRepository interface {
	// Upsert вставляет задачу или обновляет запись с тем же id.
	Upsert(ctx context.Context, job *model.Job) error
	// GetByID возвращает задачу по id.
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// ListByUser возвращает задачи пользователя, новые первыми.
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Job, error)
}

type jobRepo struct {
	db DBTX
}

// NewJobRepository создаёт репозиторий задач.
func NewJobRepository(db DBTX) JobRepository {
	return &jobRepo{db: db}
}

const jobColumns = `id, user_id, type, status, src_kind, src_url, src_file_id,
	params, result_path, error, created_at, updated_at`

func (r *jobRepo) Upsert(ctx context.Context, job *model.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("ошибка сериализации параметров задачи: %w", err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			params = EXCLUDED.params,
			result_path = EXCLUDED.result_path,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		job.ID, job.UserID, string(job.Type), string(job.Status), string(job.SourceKind),
		nullable(job.SourceURL), nullable(job.SourceFileID), params,
		nullable(job.ResultPath), nullable(job.Error), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи задачи в архив: %w", err)
	}
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	return job, nil
}

func (r *jobRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка задач: %w", err)
	}
	defer rows.Close()

	var result []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения задачи: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job                               model.Job
		jobType, status, kind             string
		srcURL, srcFileID, result, errMsg *string
		params                            []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &jobType, &status, &kind, &srcURL, &srcFileID,
		&params, &result, &errMsg, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Type = model.JobType(jobType)
	job.Status = model.JobStatus(status)
	job.SourceKind = model.SourceKind(kind)
	job.SourceURL = deref(srcURL)
	job.SourceFileID = deref(srcFileID)
	job.ResultPath = deref(result)
	job.Error = deref(errMsg)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("повреждённые параметры задачи %s: %w", job.ID, err)
		}
	}
	return &job, nil
}
