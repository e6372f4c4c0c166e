package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

// FileRepository — таблица files.
type FileRepository interface {
	// Add записывает файл результата. Повтор для той же пары (job_id, path) — ErrConflict.
	Add(ctx context.Context, f *model.FileRecord) error
	// ListByJob возвращает файлы задачи.
	ListByJob(ctx context.Context, jobID string) ([]*model.FileRecord, error)
}

type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

func (r *fileRepo) Add(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO files (job_id, path, size, mime, hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		f.JobID, f.Path, f.Size, nullable(f.Mime), nullable(f.Hash),
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s задачи %s уже записан", ErrConflict, f.Path, f.JobID)
		}
		return fmt.Errorf("ошибка записи файла: %w", err)
	}
	return nil
}

func (r *fileRepo) ListByJob(ctx context.Context, jobID string) ([]*model.FileRecord, error) {
	query := `
		SELECT id, job_id, path, size, mime, hash, created_at
		FROM files
		WHERE job_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов задачи: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f := &model.FileRecord{}
		var mime, hash *string
		if err := rows.Scan(&f.ID, &f.JobID, &f.Path, &f.Size, &mime, &hash, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла: %w", err)
		}
		f.Mime = deref(mime)
		f.Hash = deref(hash)
		result = append(result, f)
	}
	return result, rows.Err()
}
