// Пакет handlers — HTTP-обработчики API ClipSafe.
// Обработчики только разбирают запрос и отображают ошибки сервисного слоя в ответы.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/clipsafe/internal/api/errors"
	"github.com/bigkaa/clipsafe/internal/domain/jobstate"
	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/queue"
	"github.com/bigkaa/clipsafe/internal/service"
	"github.com/bigkaa/clipsafe/internal/urlcheck"
)

// JobsService — сценарии пользователя. *service.JobService удовлетворяет интерфейсу.
type JobsService interface {
	CreateDraft(ctx context.Context, userID int64, req service.DraftRequest) (*model.Job, error)
	ConfirmRights(ctx context.Context, userID int64, confirmed bool) (*model.Job, error)
	AssignOperation(ctx context.Context, userID int64, req service.OperationRequest) (*model.Job, error)
	CancelLatestDraft(ctx context.Context, userID int64) (*model.Job, error)
	ListRecentJobs(ctx context.Context, userID int64, limit int) ([]*model.Job, error)
	GetJob(ctx context.Context, userID int64, id string) (*model.Job, error)
}

// APIHandler — обработчик /api/v1.
type APIHandler struct {
	jobs   JobsService
	logger *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(jobs JobsService, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		jobs:   jobs,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты /api/v1. Ожидает пользователя в контексте.
func (h *APIHandler) Routes(r chi.Router) {
	r.Post("/drafts", h.CreateDraft)
	r.Post("/drafts/latest/rights", h.ConfirmRights)
	r.Post("/drafts/latest/operation", h.AssignOperation)
	r.Delete("/drafts/latest", h.CancelLatestDraft)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError отображает ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *urlcheck.ValidationRejected
	var transition *jobstate.TransitionError

	switch {
	case errors.As(err, &rejected):
		apierrors.URLRejected(w, rejected.Reason)
	case errors.Is(err, service.ErrInvalidRequest):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, queue.ErrNoDraft):
		apierrors.NoDraft(w)
	case errors.Is(err, queue.ErrPendingConfirmation):
		apierrors.PendingConfirmation(w)
	case errors.Is(err, service.ErrJobNotFound):
		apierrors.NotFound(w, "Задача не найдена")
	case errors.As(err, &transition), errors.Is(err, queue.ErrConflict):
		apierrors.Conflict(w, err.Error())
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
