package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

// Archive записывает задачи в конечном статусе и их результаты в PostgreSQL.
type Archive struct {
	tx     *TxRunner
	jobs   JobRepository
	logger *slog.Logger
}

// NewArchive создаёт архив поверх пула подключений.
func NewArchive(tx *TxRunner, jobs JobRepository, logger *slog.Logger) *Archive {
	return &Archive{
		tx:     tx,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "archive")),
	}
}

// ArchiveJob сохраняет задачу и, если есть результат, запись о файле.
// Повторный вызов для той же задачи обновляет статус и не дублирует файл.
func (a *Archive) ArchiveJob(ctx context.Context, job *model.Job) error {
	var file *model.FileRecord
	if job.ResultPath != "" {
		f, err := DescribeFile(job.ID, job.ResultPath)
		if err != nil {
			a.logger.Warn("Не удалось прочитать файл результата",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			file = f
		}
	}

	err := a.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := NewJobRepository(tx).Upsert(ctx, job); err != nil {
			return err
		}
		if file == nil {
			return nil
		}
		return skipConflict(ctx, tx, "file_insert", func() error {
			return NewFileRepository(tx).Add(ctx, file)
		})
	})
	if err != nil {
		return err
	}

	a.logger.Debug("Задача записана в архив",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return nil
}

// GetJob возвращает задачу из архива.
func (a *Archive) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return a.jobs.GetByID(ctx, id)
}

// DescribeFile собирает размер, MIME-тип и SHA-256 файла результата.
func DescribeFile(jobID, path string) (*model.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &model.FileRecord{
		JobID: jobID,
		Path:  path,
		Size:  size,
		Mime:  mimeType,
		Hash:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}
