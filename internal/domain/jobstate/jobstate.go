// Пакет jobstate — конечный автомат статусов задачи.
//
// Жизненный цикл:
//   - draft → queued (нужны тип операции и подтверждение прав) | cancelled
//   - queued → processing | failed (отказ лимитера до начала обработки)
//   - processing → completed | failed
//
// completed, failed и cancelled — конечные статусы.
package jobstate

import (
	"fmt"
	"time"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.JobStatus]map[model.JobStatus]bool{
	model.StatusDraft:      {model.StatusQueued: true, model.StatusCancelled: true},
	model.StatusQueued:     {model.StatusProcessing: true, model.StatusFailed: true},
	model.StatusProcessing: {model.StatusCompleted: true, model.StatusFailed: true},
	model.StatusCompleted:  {},
	model.StatusFailed:     {},
	model.StatusCancelled:  {},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to model.JobStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Transition переводит задачу в статус to и обновляет updated_at.
// При ошибке задача не изменяется.
//
// Ошибки:
//   - INVALID_TRANSITION — переход недопустим
//   - CONFIRMATION_REQUIRED — draft → queued без подтверждения прав
func Transition(job *model.Job, to model.JobStatus, now time.Time) error {
	if !CanTransition(job.Status, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", job.Status, to),
		}
	}
	if job.Status == model.StatusDraft && to == model.StatusQueued && !job.Params.RightsConfirmed {
		return &TransitionError{
			Code:    "CONFIRMATION_REQUIRED",
			Message: "постановка в очередь требует подтверждения прав на материал",
		}
	}

	job.Status = to
	job.Touch(now)
	return nil
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, CONFIRMATION_REQUIRED)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
