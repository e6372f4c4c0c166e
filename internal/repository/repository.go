// Пакет repository — архив задач ClipSafe в PostgreSQL.
// Redis хранит задачи ограниченное время; сюда попадают задачи в конечном
// статусе и файлы их результатов, чтобы они оставались доступны после вытеснения.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound — задачи нет в архиве.
	ErrNotFound = errors.New("задача не найдена в архиве")
	// ErrConflict — файл результата уже записан для этой задачи.
	ErrConflict = errors.New("файл результата уже записан")
)

// pgUniqueViolation — SQLSTATE нарушения уникального ограничения.
const pgUniqueViolation = "23505"

// DBTX — общий интерфейс *pgxpool.Pool и pgx.Tx для репозиториев.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner открывает транзакции. *pgxpool.Pool удовлетворяет интерфейсу.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRunner выполняет запись архива одной транзакцией.
type TxRunner struct {
	db Beginner
}

// NewTxRunner создаёт TxRunner.
func NewTxRunner(db Beginner) *TxRunner {
	return &TxRunner{db: db}
}

// RunInTx коммитит транзакцию, если fn вернула nil, иначе откатывает её.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции архива: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit откат ничего не делает

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции архива: %w", err)
	}
	return nil
}

// skipConflict выполняет fn внутри точки сохранения name. ErrConflict от fn
// откатывает только точку сохранения, транзакция остаётся рабочей.
func skipConflict(ctx context.Context, tx pgx.Tx, name string, fn func() error) error {
	if _, err := tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("ошибка создания точки сохранения %s: %w", name, err)
	}
	err := fn()
	if err == nil || !errors.Is(err, ErrConflict) {
		return err
	}
	if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("ошибка отката к точке сохранения %s: %w", name, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// nullable превращает пустую строку в NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
