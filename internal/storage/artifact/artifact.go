// Пакет artifact — долговременное хранение результатов обработки с ограниченным сроком жизни.
//
// SaveResult переносит готовый файл в директорию задачи, при необходимости
// загружает копию в удалённое хранилище и записывает срок хранения в .metadata.json.
// CleanupExpired удаляет артефакты с истёкшим сроком и пустые директории задач.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/clipsafe/internal/storage/filestore"
	"github.com/bigkaa/clipsafe/internal/storage/remote"
	"github.com/bigkaa/clipsafe/internal/storage/sidecar"
)

// Options — параметры хранения и построения публичных ссылок.
type Options struct {
	// TTL — срок хранения артефакта
	TTL time.Duration
	// PublicBaseURL — явный базовый URL раздачи ({base}/{job_id}/{filename})
	PublicBaseURL string
	// S3PublicBase — публичный базовый URL бакета ({base}/{key})
	S3PublicBase string
	// S3Endpoint и S3Bucket — для построения ссылки на объект
	S3Endpoint string
	S3Bucket   string
}

// StoredArtifact — сохранённый результат.
type StoredArtifact struct {
	// Path — путь к файлу в директории задачи
	Path string
	// PublicURL — публичная ссылка, пусто если построить нельзя
	PublicURL string
	// RemoteKey — ключ копии в удалённом хранилище, пусто если копии нет
	RemoteKey string
	// ExpiresAt — момент истечения срока хранения (UTC)
	ExpiresAt time.Time
}

// CleanupResult — итог одного прохода очистки.
type CleanupResult struct {
	// Evicted — удалено записей (артефактов)
	Evicted int
	// RemovedDirs — удалено директорий задач
	RemovedDirs int
	// Errors — ошибки чтения/записи метаданных и файлов
	Errors int
}

// Store — хранилище артефактов.
type Store struct {
	files  *filestore.FileStore
	remote remote.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// mu сериализует чтение-изменение-запись .metadata.json внутри процесса
	mu sync.Mutex
}

// New создаёт хранилище артефактов. remote может быть remote.Nop{}.
func New(files *filestore.FileStore, rs remote.Store, opts Options, logger *slog.Logger) *Store {
	if rs == nil {
		rs = remote.Nop{}
	}
	return &Store{
		files:  files,
		remote: rs,
		opts:   opts,
		logger: logger.With(slog.String("component", "artifact_store")),
		now:    time.Now,
	}
}

// SetClock подменяет источник текущего времени.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SaveResult переносит файл localPath в директорию задачи и регистрирует его
// в .metadata.json. Ошибка загрузки в удалённое хранилище не прерывает
// сохранение: артефакт остаётся только локальным.
func (s *Store) SaveResult(ctx context.Context, jobID, localPath string) (*StoredArtifact, error) {
	target, err := s.files.MoveInto(jobID, localPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка переноса результата: %w", err)
	}
	filename := filepath.Base(target)
	expiresAt := s.now().UTC().Add(s.opts.TTL)

	var remoteKey *string
	if s.remote.Enabled() {
		key := jobID + "/" + filename
		if err := s.remote.Put(ctx, key, target); err != nil {
			s.logger.Error("Ошибка загрузки в удалённое хранилище",
				slog.String("job_id", jobID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		} else {
			remoteKey = &key
			s.logger.Info("Артефакт загружен в удалённое хранилище",
				slog.String("job_id", jobID),
				slog.String("key", key),
			)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(target)
	meta, err := sidecar.Read(dir)
	if err != nil {
		// Повреждённый файл метаданных заменяется новым
		s.logger.Warn("Файл метаданных повреждён, создаётся заново",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		meta = &sidecar.Metadata{}
	}
	meta.Upsert(sidecar.Entry{
		Filename:  filename,
		ExpiresAt: expiresAt.Format(time.RFC3339Nano),
		RemoteKey: remoteKey,
	})
	if err := sidecar.Write(dir, meta); err != nil {
		return nil, fmt.Errorf("ошибка записи метаданных: %w", err)
	}

	result := &StoredArtifact{
		Path:      target,
		PublicURL: s.publicURL(jobID, filename, remoteKey),
		ExpiresAt: expiresAt,
	}
	if remoteKey != nil {
		result.RemoteKey = *remoteKey
	}
	return result, nil
}

// publicURL строит ссылку по приоритету: явный базовый URL,
// публичный URL бакета, адрес endpoint/bucket, иначе пусто.
func (s *Store) publicURL(jobID, filename string, remoteKey *string) string {
	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + jobID + "/" + filename
	}
	if remoteKey == nil {
		return ""
	}
	if s.opts.S3PublicBase != "" {
		return strings.TrimRight(s.opts.S3PublicBase, "/") + "/" + *remoteKey
	}
	if s.opts.S3Bucket != "" {
		if s.opts.S3Endpoint != "" {
			return strings.TrimRight(s.opts.S3Endpoint, "/") + "/" + s.opts.S3Bucket + "/" + *remoteKey
		}
		return "https://" + s.opts.S3Bucket + ".s3.amazonaws.com/" + *remoteKey
	}
	return ""
}

// CleanupExpired удаляет артефакты, срок которых наступил (expires_at <= now).
// Ошибки удаления удалённых копий логируются и не мешают удалению локальных.
// Директории без .metadata.json не трогаются. Повторный вызов безопасен.
func (s *Store) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	dirs, err := s.files.JobDirs()
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	now := s.now().UTC()
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		s.cleanupDir(ctx, dir, now, result)
	}
	return result, nil
}

func (s *Store) cleanupDir(ctx context.Context, dir string, now time.Time, result *CleanupResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sidecar.Exists(dir) {
		return
	}
	meta, err := sidecar.Read(dir)
	if err != nil {
		s.logger.Error("Ошибка чтения метаданных",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	remaining := make([]sidecar.Entry, 0, len(meta.Results))
	for _, entry := range meta.Results {
		if expiresAt, ok := entry.Expiry(); ok && expiresAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		s.evict(ctx, dir, entry, result)
	}

	if len(remaining) == len(meta.Results) && len(remaining) > 0 {
		return
	}

	if len(remaining) > 0 {
		meta.Results = remaining
		if err := sidecar.Write(dir, meta); err != nil {
			s.logger.Error("Ошибка записи метаданных",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			result.Errors++
		}
		return
	}

	// Записей не осталось: удаляем метаданные, остаточные файлы и директорию
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("Ошибка удаления директории задачи",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}
	result.RemovedDirs++
	s.logger.Debug("Директория задачи удалена", slog.String("dir", dir))
}

func (s *Store) evict(ctx context.Context, dir string, entry sidecar.Entry, result *CleanupResult) {
	if entry.Filename != "" {
		path := filepath.Join(dir, filepath.Base(entry.Filename))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Ошибка удаления артефакта",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	if entry.RemoteKey != nil && *entry.RemoteKey != "" {
		if err := s.remote.Delete(ctx, *entry.RemoteKey); err != nil {
			s.logger.Warn("Ошибка удаления удалённой копии",
				slog.String("key", *entry.RemoteKey),
				slog.String("error", err.Error()),
			)
		}
	}
	result.Evicted++
	s.logger.Debug("Артефакт удалён по сроку",
		slog.String("dir", dir),
		slog.String("filename", entry.Filename),
	)
}
