// Пакет remote — копии артефактов в удалённом объектном хранилище.
// Store — интерфейс с двумя реализациями: Nop (хранилище не настроено)
// и S3 (любое S3-совместимое хранилище через minio-go).
package remote

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store — удалённое объектное хранилище.
type Store interface {
	// Enabled сообщает, выполняет ли хранилище реальную работу.
	Enabled() bool
	// Put загружает локальный файл под ключом key.
	Put(ctx context.Context, key, path string) error
	// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
	Delete(ctx context.Context, key string) error
}

// Nop — хранилище-заглушка: ничего не загружает и не удаляет.
type Nop struct{}

func (Nop) Enabled() bool                             { return false }
func (Nop) Put(context.Context, string, string) error { return nil }
func (Nop) Delete(context.Context, string) error      { return nil }

// S3Config — параметры подключения к S3.
type S3Config struct {
	// Endpoint — адрес хранилища, со схемой или без (пусто — AWS)
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3 — хранилище на базе minio-go.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 создаёт клиента S3. Соединение не устанавливается до первого запроса.
func NewS3(cfg S3Config) (*S3, error) {
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента S3: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Enabled() bool { return true }

// Put загружает файл с Content-Type по расширению.
func (s *S3) Put(ctx context.Context, key, path string) error {
	opts := minio.PutObjectOptions{ContentType: mime.TypeByExtension(filepath.Ext(path))}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, path, opts); err != nil {
		return fmt.Errorf("ошибка загрузки s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("ошибка удаления s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// splitEndpoint приводит адрес к виду host[:port], который ожидает minio-go.
// Схема в адресе имеет приоритет над флагом useSSL.
func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	if endpoint == "" {
		return "s3.amazonaws.com", true
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host, u.Scheme == "https"
	}
	return strings.TrimSuffix(endpoint, "/"), useSSL
}
