package worker

import (
	"errors"

	"github.com/bigkaa/clipsafe/internal/fetcher"
	"github.com/bigkaa/clipsafe/internal/media"
	"github.com/bigkaa/clipsafe/internal/ratelimit"
)

// Причины неудачи, показываемые пользователю.
const (
	ReasonRateLimited = "Превышено количество задач в час"
	ReasonUnsupported = "Операция не поддерживается"
	ReasonProcessing  = "Не удалось обработать файл"
	ReasonTimeout     = "Превышено время обработки"
	ReasonInternal    = "Внутренняя ошибка обработки"
)

// UserReason возвращает причину неудачи для пользователя.
// Диагностика (stderr ffmpeg, ошибки транспорта) в текст не попадает.
func UserReason(err error) string {
	var rl *ratelimit.RateLimitExceeded
	if errors.As(err, &rl) {
		return ReasonRateLimited
	}

	var de *fetcher.DownloadError
	if errors.As(err, &de) {
		return de.Message
	}

	if errors.Is(err, media.ErrUnsupportedOperation) {
		return ReasonUnsupported
	}

	var pe *media.ProcessingError
	if errors.As(err, &pe) {
		if media.IsTimeout(pe) {
			return ReasonTimeout
		}
		return ReasonProcessing
	}

	return ReasonInternal
}
