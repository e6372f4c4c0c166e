package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bigkaa/clipsafe/internal/database"
	"github.com/bigkaa/clipsafe/internal/service"
)

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Разовая очистка просроченных артефактов",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := a.openArtifacts()
			if err != nil {
				return err
			}
			res := service.NewGCService(store, a.cfg.GCInterval, a.logger).RunOnce(cmd.Context())
			if res.Errors > 0 {
				return errors.New("очистка завершилась с ошибками")
			}
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применение миграций архива задач",
		RunE: func(_ *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("CLIPSAFE_DATABASE_URL не задан")
			}
			if err := database.Migrate(a.cfg.DatabaseURL, a.logger); err != nil {
				return err
			}
			a.logger.Info("Миграции применены", slog.String("database", "postgresql"))
			return nil
		},
	}
}
