// Пакет errors — конструкторы стандартных ошибок HTTP API ClipSafe.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
package errors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeURLRejected         = "URL_REJECTED"
	CodeNotFound            = "NOT_FOUND"
	CodeNoDraft             = "NO_DRAFT"
	CodePendingConfirmation = "PENDING_CONFIRMATION"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeConflict            = "CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternalError       = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// URLRejected — 422 источник не прошёл проверку.
func URLRejected(w http.ResponseWriter, reason string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeURLRejected, reason)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// NoDraft — 404 у пользователя нет черновиков.
func NoDraft(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, CodeNoDraft, "Нет черновиков")
}

// PendingConfirmation — 409 права на материал не подтверждены.
func PendingConfirmation(w http.ResponseWriter) {
	WriteError(w, http.StatusConflict, CodePendingConfirmation, "Подтвердите права на материал")
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Conflict — 409 конфликт состояния.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// RateLimited — 429 слишком частые запросы.
func RateLimited(w http.ResponseWriter) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "Слишком много запросов")
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
