package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxStderr — сколько последних байт stderr сохраняется в ProcessingError.
const maxStderr = 8 << 10

// ProcessingError — внешняя программа завершилась с ошибкой или по таймауту.
// Не повторяется: результат детерминирован для одного входа.
type ProcessingError struct {
	// Op — описание операции (remux, trim-smart, ...)
	Op string
	// Stderr — диагностический вывод программы
	Stderr string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("ошибка обработки %s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Runner — запуск внешней программы с захватом вывода.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr string, err error)
}

// ExecRunner запускает программы через os/exec с жёстким таймаутом.
type ExecRunner struct {
	// Timeout — предельное время выполнения (0 — без ограничения)
	Timeout time.Duration
}

// Run запускает программу без shell и ждёт завершения.
func (r ExecRunner) Run(ctx context.Context, name string, args []string) (string, string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		err = fmt.Errorf("%s прерван: %w", name, ctxErr)
	}
	return stdout.String(), tail(stderr.String()), err
}

// tail обрезает диагностический вывод до последних maxStderr байт.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderr {
		return s
	}
	return s[len(s)-maxStderr:]
}

// IsTimeout сообщает, что обработка прервана по таймауту.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
