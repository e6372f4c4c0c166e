// Пакет fetcher — получение исходного файла задачи.
// Оба вида источника (файл платформы и URL) скачиваются в
// {temp_root}/{job_id}/{имя}, поэтому дальнейшие этапы не зависят от вида источника.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/storage/filestore"
	"github.com/bigkaa/clipsafe/internal/urlcheck"
)

// chunkSize — размер блока потокового чтения тела ответа.
const chunkSize = 1 << 20

// Сообщения для пользователя.
const (
	msgURL         = "Не удалось скачать файл по ссылке"
	msgFile        = "Не удалось скачать файл"
	msgUnsupported = "Неподдерживаемый источник"
	msgTooLarge    = "Размер файла превышает лимит"
)

// FileDownloader — API скачивания файлов чат-платформы.
type FileDownloader interface {
	DownloadFile(ctx context.Context, fileID, dst string) error
}

// TempDirs — выдача временной директории задачи. *filestore.FileStore удовлетворяет интерфейсу.
type TempDirs interface {
	TempDir(jobID string) (string, error)
}

// Source — получение исходного файла задачи. Возвращает путь к файлу.
type Source interface {
	FetchJobSource(ctx context.Context, job *model.Job) (string, error)
}

// Fetcher — скачивание источников задач.
type Fetcher struct {
	dirs     TempDirs
	files    FileDownloader
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// Option — настройка Fetcher.
type Option func(*Fetcher)

// WithHTTPClient подменяет HTTP-клиент скачивания по URL.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New создаёт Fetcher. files может быть nil: тогда задачи с файлом платформы
// завершаются ошибкой KindUnsupported. maxBytes <= 0 — без ограничения размера.
// По умолчанию скачивание по URL идёт через клиент, не соединяющийся с непубличными адресами.
func New(dirs TempDirs, files FileDownloader, maxBytes int64, logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		dirs:     dirs,
		files:    files,
		client:   urlcheck.NewSafeClient(30 * time.Minute),
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "fetcher")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchJobSource скачивает источник задачи во временную директорию задачи.
// Все ошибки имеют тип *DownloadError.
func (f *Fetcher) FetchJobSource(ctx context.Context, job *model.Job) (string, error) {
	dir, err := f.dirs.TempDir(job.ID)
	if err != nil {
		return "", &DownloadError{Kind: KindIO, Message: msgFile, Err: err}
	}

	switch job.SourceKind {
	case model.SourceFile:
		return f.fetchFile(ctx, job, dir)
	case model.SourceURL:
		return f.fetchURL(ctx, job, dir)
	default:
		return "", &DownloadError{
			Kind:    KindUnsupported,
			Message: msgUnsupported,
			Err:     fmt.Errorf("вид источника %q", job.SourceKind),
		}
	}
}

func (f *Fetcher) fetchFile(ctx context.Context, job *model.Job, dir string) (string, error) {
	if f.files == nil || job.SourceFileID == "" {
		return "", &DownloadError{Kind: KindUnsupported, Message: msgUnsupported}
	}

	name := job.FileName
	if name == "" {
		name = job.ID + ".bin"
	}
	dst := filepath.Join(dir, filestore.SanitizeName(name))

	if err := f.files.DownloadFile(ctx, job.SourceFileID, dst); err != nil {
		return "", classify(msgFile, err)
	}
	if f.maxBytes > 0 {
		if info, err := os.Stat(dst); err == nil && info.Size() > f.maxBytes {
			os.Remove(dst)
			return "", &DownloadError{Kind: KindTooLarge, Message: msgTooLarge}
		}
	}

	f.logger.Info("Файл платформы скачан",
		slog.String("job_id", job.ID),
		slog.String("path", dst),
	)
	return dst, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, job *model.Job, dir string) (string, error) {
	u, err := url.Parse(job.SourceURL)
	if err != nil || u.Host == "" {
		return "", &DownloadError{Kind: KindUnsupported, Message: msgUnsupported, Err: err}
	}

	dst := filepath.Join(dir, filestore.SanitizeName(urlFileName(job, u)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", &DownloadError{Kind: KindUnsupported, Message: msgUnsupported, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", classify(msgURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DownloadError{Kind: KindStatus, StatusCode: resp.StatusCode, Message: msgURL}
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return "", &DownloadError{Kind: KindTooLarge, Message: msgTooLarge}
	}

	n, err := f.stream(resp.Body, dst)
	if err != nil {
		os.Remove(dst)
		return "", err
	}

	f.logger.Info("Файл по ссылке скачан",
		slog.String("job_id", job.ID),
		slog.String("host", u.Host),
		slog.Int64("bytes", n),
	)
	return dst, nil
}

// stream копирует тело блоками по chunkSize с проверкой предельного размера.
func (f *Fetcher) stream(body io.Reader, dst string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, &DownloadError{Kind: KindIO, Message: msgURL, Err: err}
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if f.maxBytes > 0 && total > f.maxBytes {
				return total, &DownloadError{Kind: KindTooLarge, Message: msgTooLarge}
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return total, &DownloadError{Kind: KindIO, Message: msgURL, Err: werr}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return total, classify(msgURL, rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return total, &DownloadError{Kind: KindIO, Message: msgURL, Err: err}
	}
	return total, nil
}

// urlFileName: имя из задачи, иначе последний сегмент пути, иначе {id}.bin.
func urlFileName(job *model.Job, u *url.URL) string {
	if job.FileName != "" {
		return job.FileName
	}
	if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return job.ID + ".bin"
}
