// Точка входа ClipSafe — конвейер обработки медиафайлов.
// Один бинарник с подкомандами: api (HTTP API приёма задач), worker (цикл
// обработки очереди), cleanup (разовая очистка просроченных артефактов)
// и migrate (миграции архива задач в PostgreSQL).
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bigkaa/clipsafe/internal/config"
)

// app — общее состояние подкоманд, заполняется в PersistentPreRunE.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "clipsafe",
		Short:         "Конвейер обработки медиафайлов",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	rootCmd.AddCommand(
		newWorkerCmd(a),
		newAPICmd(a),
		newCleanupCmd(a),
		newMigrateCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := a.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("Ошибка выполнения команды", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

// init загружает .env (если есть), конфигурацию и настраивает логирование.
func (a *app) init() error {
	// 1. Переменные окружения из .env; отсутствие файла не ошибка
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Не удалось прочитать .env", slog.String("error", err.Error()))
	}

	// 2. Конфигурация
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Логирование
	a.cfg = cfg
	a.logger = config.SetupLogger(cfg)
	return nil
}
