package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigkaa/clipsafe/internal/api/handlers"
	"github.com/bigkaa/clipsafe/internal/api/middleware"
	"github.com/bigkaa/clipsafe/internal/config"
	"github.com/bigkaa/clipsafe/internal/server"
	"github.com/bigkaa/clipsafe/internal/service"
	"github.com/bigkaa/clipsafe/internal/urlcheck"
)

const (
	jwksRefreshInterval = 15 * time.Minute
	apiLimiterIdleTTL   = 10 * time.Minute
)

func newAPICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Запуск HTTP API приёма задач",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAPI(cmd.Context())
		},
	}
}

func (a *app) runAPI(ctx context.Context) error {
	logger := a.logger
	logger.Info("ClipSafe API запускается",
		slog.String("version", config.Version),
		slog.Int("port", a.cfg.APIPort),
	)

	// 1. Redis: очередь задач
	rdb, q, err := a.connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis(logger, rdb)

	// 2. Архив задач (опционально)
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	defer arch.Close()

	// 3. Сервисный слой
	validator := urlcheck.New(a.cfg.AllowedDomains, a.cfg.MaxFileSize, logger)
	cache := service.NewJobCache(a.cfg.JobCacheSize, a.cfg.JobCacheTTL)
	var archive service.ArchiveReader
	if arch != nil {
		archive = arch.archive
	}
	jobs := service.NewJobService(q, validator, cache, archive, a.cfg.MaxFileSize, logger)

	// 4. Аутентификация
	checks := readinessChecks(rdb, arch)
	var auth func(http.Handler) http.Handler
	if a.cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(a.cfg.JWKSUrl, "", jwksRefreshInterval, a.cfg.JWTLeeway, logger)
		if err != nil {
			return err
		}
		auth = jwtAuth.Middleware()
		checks["jwks"] = middleware.NewJWKSReadinessChecker(a.cfg.JWKSUrl, 5*time.Second)
		logger.Info("JWT middleware инициализирован", slog.String("jwks_url", a.cfg.JWKSUrl))
	} else {
		auth = middleware.HeaderAuth()
		logger.Warn("CLIPSAFE_JWKS_URL не задан, пользователь определяется по заголовку " + middleware.HeaderUserID)
	}

	// 5. topologymetrics
	stopDephealth := a.startDephealth(ctx, "clipsafe-api", arch, a.cfg.JWKSUrl)
	defer stopDephealth()

	// 6. HTTP-сервер
	router := server.NewAPIRouter(server.APIRoutes{
		Health:      handlers.NewHealthHandler("clipsafe-api", checks),
		API:         handlers.NewAPIHandler(jobs, logger),
		Auth:        auth,
		Limiter:     middleware.NewRateLimiter(a.cfg.APIRPS, a.cfg.APIBurst, apiLimiterIdleTTL),
		CORSOrigins: a.cfg.CORSOrigins,
	}, logger)

	if err := server.New(a.cfg.APIPort, router, a.cfg.ShutdownTimeout, logger).Run(ctx); err != nil {
		return err
	}
	logger.Info("ClipSafe API остановлен")
	return nil
}
