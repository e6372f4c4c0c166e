package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

// DefaultRetries — число попыток скачивания по умолчанию.
const DefaultRetries = 3

// backoff — пауза после неудачной попытки attempt (нумерация с 1): 2^attempt секунд.
var backoff = func(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// DownloadWithRetry вызывает src.FetchJobSource, повторяя попытку после *DownloadError
// с экспоненциальной паузой. После исчерпания retries попыток возвращает последнюю ошибку.
// Прочие ошибки и отмена контекста прерывают повторы сразу.
func DownloadWithRetry(ctx context.Context, src Source, job *model.Job, retries int, logger *slog.Logger) (string, error) {
	if retries < 1 {
		retries = 1
	}

	attempt := 0
	for {
		path, err := src.FetchJobSource(ctx, job)
		if err == nil {
			return path, nil
		}

		var de *DownloadError
		if !errors.As(err, &de) {
			return "", err
		}

		attempt++
		if attempt >= retries {
			return "", err
		}

		delay := backoff(attempt)
		logger.Warn("Ошибка скачивания, повтор",
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("kind", string(de.Kind)),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", err
		case <-timer.C:
		}
	}
}
