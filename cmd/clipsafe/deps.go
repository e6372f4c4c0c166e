package main

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/clipsafe/internal/api/handlers"
	"github.com/bigkaa/clipsafe/internal/database"
	"github.com/bigkaa/clipsafe/internal/queue"
	"github.com/bigkaa/clipsafe/internal/repository"
	"github.com/bigkaa/clipsafe/internal/service"
	"github.com/bigkaa/clipsafe/internal/storage/artifact"
	"github.com/bigkaa/clipsafe/internal/storage/filestore"
	"github.com/bigkaa/clipsafe/internal/storage/remote"
)

// archiveDeps — опциональный архив задач в PostgreSQL.
type archiveDeps struct {
	pool    *pgxpool.Pool
	sqlDB   *sql.DB
	archive *repository.Archive
}

func (d *archiveDeps) Close() {
	if d == nil {
		return
	}
	d.sqlDB.Close()
	d.pool.Close()
}

// openArchive применяет миграции и подключается к PostgreSQL.
// Без CLIPSAFE_DATABASE_URL возвращает nil, nil: архив отключён.
func (a *app) openArchive(ctx context.Context) (*archiveDeps, error) {
	if a.cfg.DatabaseURL == "" {
		a.logger.Info("Архив задач отключён: CLIPSAFE_DATABASE_URL не задан")
		return nil, nil
	}

	if err := database.Migrate(a.cfg.DatabaseURL, a.logger); err != nil {
		return nil, err
	}

	pool, err := database.Connect(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return nil, err
	}

	// Адаптер pgxpool → *sql.DB: проверка здоровья PostgreSQL идёт через тот же пул
	return &archiveDeps{
		pool:    pool,
		sqlDB:   stdlib.OpenDBFromPool(pool),
		archive: repository.NewArchive(repository.NewTxRunner(pool), repository.NewJobRepository(pool), a.logger),
	}, nil
}

// connectRedis подключается к Redis и создаёт очередь задач.
func (a *app) connectRedis(ctx context.Context) (*redis.Client, *queue.Queue, error) {
	rdb, err := queue.Connect(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("Подключение к Redis установлено", slog.String("prefix", a.cfg.KeyPrefix))
	return rdb, queue.New(rdb, a.cfg.KeyPrefix, a.logger), nil
}

// openArtifacts создаёт локальное хранилище и, если настроено, удалённое.
func (a *app) openArtifacts() (*filestore.FileStore, *artifact.Store, error) {
	files, err := filestore.New(a.cfg.StorageRoot, a.cfg.TempRoot)
	if err != nil {
		return nil, nil, err
	}

	var rs remote.Store = remote.Nop{}
	if a.cfg.S3Enabled() {
		s3, err := remote.NewS3(remote.S3Config{
			Endpoint:  a.cfg.S3Endpoint,
			Bucket:    a.cfg.S3Bucket,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
			Region:    a.cfg.S3Region,
			UseSSL:    a.cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		rs = s3
		a.logger.Info("Удалённое хранилище подключено",
			slog.String("endpoint", a.cfg.S3Endpoint),
			slog.String("bucket", a.cfg.S3Bucket),
		)
	}

	store := artifact.New(files, rs, artifact.Options{
		TTL:           a.cfg.ResultTTL,
		PublicBaseURL: a.cfg.PublicBaseURL,
		S3PublicBase:  a.cfg.S3PublicBase,
		S3Endpoint:    a.cfg.S3Endpoint,
		S3Bucket:      a.cfg.S3Bucket,
	}, a.logger)
	return files, store, nil
}

// startDephealth запускает мониторинг зависимостей. Ошибки не фатальны.
// Возвращает функцию остановки (всегда не nil).
func (a *app) startDephealth(ctx context.Context, serviceID string, arch *archiveDeps, jwksURL string) func() {
	dcfg := service.DephealthConfig{
		ServiceID:     serviceID,
		Group:         a.cfg.DephealthGroup,
		JWKSURL:       jwksURL,
		CheckInterval: a.cfg.DephealthCheckInterval,
	}
	if arch != nil {
		dcfg.DB = arch.sqlDB
		dcfg.PGConnURL = a.cfg.DatabaseURL
	}
	if a.cfg.S3Enabled() {
		dcfg.S3Endpoint = a.cfg.S3Endpoint
		dcfg.S3UseSSL = a.cfg.S3UseSSL
	}

	svc, err := service.NewDephealthService(dcfg, a.logger)
	if err != nil {
		a.logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return func() {}
	}
	if svc == nil {
		return func() {}
	}
	if err := svc.Start(ctx); err != nil {
		a.logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return func() {}
	}
	a.logger.Info("topologymetrics запущен",
		slog.String("group", a.cfg.DephealthGroup),
		slog.String("check_interval", a.cfg.DephealthCheckInterval.String()),
	)
	return svc.Stop
}

// readinessChecks собирает проверки готовности процесса.
// Пустые зависимости в карту не попадают.
func readinessChecks(rdb *redis.Client, arch *archiveDeps) map[string]handlers.ReadinessChecker {
	checks := map[string]handlers.ReadinessChecker{
		"redis": queue.NewReadinessChecker(rdb),
	}
	if arch != nil {
		checks["postgresql"] = database.NewReadinessChecker(arch.pool)
	}
	return checks
}

func closeRedis(logger *slog.Logger, rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		logger.Warn("Ошибка закрытия Redis", slog.String("error", err.Error()))
	}
}
