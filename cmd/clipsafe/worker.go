package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/bigkaa/clipsafe/internal/api/handlers"
	"github.com/bigkaa/clipsafe/internal/config"
	"github.com/bigkaa/clipsafe/internal/fetcher"
	"github.com/bigkaa/clipsafe/internal/media"
	"github.com/bigkaa/clipsafe/internal/platform/telegram"
	"github.com/bigkaa/clipsafe/internal/ratelimit"
	"github.com/bigkaa/clipsafe/internal/server"
	"github.com/bigkaa/clipsafe/internal/service"
	"github.com/bigkaa/clipsafe/internal/urlcheck"
	"github.com/bigkaa/clipsafe/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Запуск воркеров обработки очереди",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.WorkerCount
			}
			return a.runWorker(cmd.Context(), count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "количество воркеров в процессе (по умолчанию CLIPSAFE_WORKER_COUNT)")
	return cmd
}

func (a *app) runWorker(ctx context.Context, count int) error {
	logger := a.logger
	logger.Info("ClipSafe worker запускается",
		slog.String("version", config.Version),
		slog.Int("count", count),
		slog.Int("port", a.cfg.WorkerPort),
	)

	// 1. Redis: очередь и общий лимитер
	rdb, q, err := a.connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis(logger, rdb)
	limiter := ratelimit.NewRedisLimiter(rdb, a.cfg.KeyPrefix, a.cfg.JobsPerHour, a.cfg.RateWindow)

	// 2. Архив задач (опционально)
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	defer arch.Close()

	// 3. Хранилище артефактов
	files, store, err := a.openArtifacts()
	if err != nil {
		return err
	}

	// 4. Источники: файлы платформы и ссылки
	var downloader fetcher.FileDownloader
	if a.cfg.BotToken != "" {
		downloader = telegram.New(a.cfg.BotAPIURL, a.cfg.BotToken, a.cfg.DownloadTimeout, logger)
	} else {
		logger.Warn("CLIPSAFE_BOT_TOKEN не задан, задачи с файлами платформы будут отклоняться")
	}
	src := fetcher.New(files, downloader, a.cfg.MaxFileSize, logger,
		fetcher.WithHTTPClient(urlcheck.NewSafeClient(a.cfg.DownloadTimeout)),
	)

	// 5. ffmpeg
	processor := media.New(a.cfg.FFmpegPath, a.cfg.FFprobePath, &media.ExecRunner{Timeout: a.cfg.FFmpegTimeout}, logger)

	deps := worker.Deps{
		Queue:     q,
		Limiter:   limiter,
		Source:    src,
		Processor: processor,
		Artifacts: store,
		Temp:      files,
	}
	if arch != nil {
		deps.Archive = arch.archive
	}
	w := worker.New(deps, worker.Options{
		PollTimeout: a.cfg.PollTimeout,
		Retries:     a.cfg.DownloadRetries,
	}, logger)

	// 6. Фоновая очистка просроченных артефактов
	gc := service.NewGCService(store, a.cfg.GCInterval, logger)
	gc.Start(ctx)
	defer gc.Stop()

	// 7. topologymetrics
	stopDephealth := a.startDephealth(ctx, "clipsafe-worker", arch, "")
	defer stopDephealth()

	// 8. Служебный HTTP-сервер (health, metrics) и воркеры
	health := handlers.NewHealthHandler("clipsafe-worker", readinessChecks(rdb, arch))
	srv := server.New(a.cfg.WorkerPort, server.NewProbeRouter(health), a.cfg.ShutdownTimeout, logger)

	// Ошибка служебного сервера останавливает и воркеры
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		srvErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		srvErr = srv.Run(runCtx)
		cancel()
	}()

	w.RunN(runCtx, count)
	cancel()
	wg.Wait()

	if srvErr != nil {
		return srvErr
	}
	logger.Info("ClipSafe worker остановлен")
	return nil
}
