package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind — класс ошибки скачивания.
type Kind string

const (
	// KindStatus — удалённая сторона вернула ошибочный статус
	KindStatus Kind = "status"
	// KindTimeout — истёк таймаут запроса
	KindTimeout Kind = "timeout"
	// KindConnection — ошибка соединения
	KindConnection Kind = "connection"
	// KindUnsupported — вид источника не поддерживается
	KindUnsupported Kind = "unsupported"
	// KindIO — ошибка записи на диск
	KindIO Kind = "io"
	// KindTooLarge — источник превысил допустимый размер
	KindTooLarge Kind = "too_large"
)

// DownloadError — источник задачи не получен.
// Повторяется DownloadWithRetry в пределах бюджета попыток.
type DownloadError struct {
	Kind Kind
	// StatusCode — HTTP-статус для KindStatus
	StatusCode int
	Message    string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s %d)", e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// statusCoder — ошибка клиента платформы с HTTP-статусом.
type statusCoder interface {
	HTTPStatusCode() int
}

// classify превращает ошибку транспорта в DownloadError.
func classify(message string, err error) *DownloadError {
	var de *DownloadError
	if errors.As(err, &de) {
		return de
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return &DownloadError{Kind: KindStatus, StatusCode: sc.HTTPStatusCode(), Message: message, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &DownloadError{Kind: KindTimeout, Message: message, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &DownloadError{Kind: KindTimeout, Message: message, Err: err}
	}

	var pe *os.PathError
	if errors.As(err, &pe) {
		return &DownloadError{Kind: KindIO, Message: message, Err: err}
	}

	return &DownloadError{Kind: KindConnection, Message: message, Err: err}
}
