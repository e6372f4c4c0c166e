// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// ClipSafe мониторит только настроенные зависимости:
//   - PostgreSQL архива — SQL checker через существующий pgxpool (connection pool mode)
//   - JWKS — HTTP checker к endpoint ключей (critical для API)
//   - S3-совместимое хранилище — HTTP checker к /minio/health/live (не critical:
//     при недоступности результат остаётся локальным)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для JWKS и S3
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// s3HealthPath — liveness endpoint MinIO и совместимых хранилищ.
const s3HealthPath = "/minio/health/live"

// DephealthConfig — зависимости процесса. Пустые поля пропускаются.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего процесса ("clipsafe-api", "clipsafe-worker")
	ServiceID string
	Group     string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL PostgreSQL (для лейблов, не для подключения)
	PGConnURL string
	// JWKSURL — endpoint ключей проверки JWT
	JWKSURL string
	// S3Endpoint и S3UseSSL — адрес удалённого хранилища
	S3Endpoint string
	S3UseSSL   bool

	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	deps   []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга. Метрики регистрируются
// в глобальном Prometheus registry. Без настроенных зависимостей возвращает nil, nil.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	names := PlannedDependencies(cfg)
	if len(names) == 0 {
		return nil, nil
	}

	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if cfg.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PGConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
	}

	if cfg.JWKSURL != "" {
		// Путь самого JWKS URL подтверждает доступность ключей, а не только хоста
		healthPath := "/health"
		if parsed, err := url.Parse(cfg.JWKSURL); err == nil && parsed.Path != "" {
			healthPath = parsed.Path
		}
		opts = append(opts, dephealth.HTTP("jwks",
			dephealth.FromURL(cfg.JWKSURL),
			dephealth.WithHTTPHealthPath(healthPath),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
	}

	if cfg.S3Endpoint != "" {
		s3URL, err := S3EndpointURL(cfg.S3Endpoint, cfg.S3UseSSL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dephealth.HTTP("object-storage",
			dephealth.FromURL(s3URL),
			dephealth.WithHTTPHealthPath(s3HealthPath),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(false),
		))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		deps:   names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// PlannedDependencies возвращает имена зависимостей, которые будут проверяться.
func PlannedDependencies(cfg DephealthConfig) []string {
	var names []string
	if cfg.DB != nil {
		names = append(names, "postgresql")
	}
	if cfg.JWKSURL != "" {
		names = append(names, "jwks")
	}
	if cfg.S3Endpoint != "" {
		names = append(names, "object-storage")
	}
	return names
}

// S3EndpointURL приводит адрес S3 ("host:port" или URL) к URL со схемой.
func S3EndpointURL(endpoint string, useSSL bool) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("пустой адрес S3")
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("некорректный адрес S3: %q", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен",
		slog.String("dependencies", strings.Join(ds.deps, ",")),
	)
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
