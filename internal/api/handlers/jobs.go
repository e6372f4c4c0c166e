// jobs.go — обработчики черновиков и задач пользователя.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/clipsafe/internal/api/errors"
	"github.com/bigkaa/clipsafe/internal/api/middleware"
	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/service"
)

// maxBodyBytes — предельный размер тела запроса.
const maxBodyBytes = 64 << 10

type draftRequest struct {
	SourceURL    string `json:"source_url"`
	SourceFileID string `json:"source_file_id"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
}

type rightsRequest struct {
	Confirmed *bool `json:"confirmed"`
}

type operationRequest struct {
	Type   string `json:"type"`
	Params struct {
		Container string `json:"container"`
		Start     string `json:"start"`
		End       string `json:"end"`
		Smart     bool   `json:"smart"`
		Time      string `json:"time"`
		Frame     *int   `json:"frame"`
	} `json:"params"`
}

// jobResponse — снимок задачи для пользователя, без путей и служебных полей.
type jobResponse struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	SourceKind      string     `json:"source_kind"`
	SourceURL       string     `json:"source_url,omitempty"`
	FileName        string     `json:"file_name,omitempty"`
	RightsConfirmed bool       `json:"rights_confirmed"`
	StartSeconds    *float64   `json:"start_seconds,omitempty"`
	EndSeconds      *float64   `json:"end_seconds,omitempty"`
	PublicURL       string     `json:"public_url,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Warning         string     `json:"warning,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type jobListResponse struct {
	Items []jobResponse `json:"items"`
}

func toJobResponse(j *model.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		Type:            string(j.Type),
		Status:          string(j.Status),
		SourceKind:      string(j.SourceKind),
		SourceURL:       j.SourceURL,
		FileName:        j.FileName,
		RightsConfirmed: j.Params.RightsConfirmed,
		StartSeconds:    j.Params.StartSeconds,
		EndSeconds:      j.Params.EndSeconds,
		PublicURL:       j.Params.PublicURL,
		ExpiresAt:       j.Params.ExpiresAt,
		Warning:         j.Params.Warning,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// userID достаёт пользователя из контекста; при отсутствии пишет 401.
func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Пользователь не определён")
	}
	return id, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// CreateDraft — POST /api/v1/drafts.
func (h *APIHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req draftRequest
	if !decode(w, r, &req) {
		return
	}

	job, err := h.jobs.CreateDraft(r.Context(), uid, service.DraftRequest{
		SourceURL:    req.SourceURL,
		SourceFileID: req.SourceFileID,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		MimeType:     req.MimeType,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// ConfirmRights — POST /api/v1/drafts/latest/rights.
func (h *APIHandler) ConfirmRights(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req rightsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Confirmed == nil {
		apierrors.ValidationError(w, "Поле confirmed обязательно")
		return
	}

	job, err := h.jobs.ConfirmRights(r.Context(), uid, *req.Confirmed)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// AssignOperation — POST /api/v1/drafts/latest/operation.
func (h *APIHandler) AssignOperation(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req operationRequest
	if !decode(w, r, &req) {
		return
	}

	job, err := h.jobs.AssignOperation(r.Context(), uid, service.OperationRequest{
		Type:      req.Type,
		Container: req.Params.Container,
		Start:     req.Params.Start,
		End:       req.Params.End,
		Smart:     req.Params.Smart,
		Time:      req.Params.Time,
		Frame:     req.Params.Frame,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// CancelLatestDraft — DELETE /api/v1/drafts/latest.
func (h *APIHandler) CancelLatestDraft(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.CancelLatestDraft(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ListJobs — GET /api/v1/jobs?limit=N.
func (h *APIHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierrors.ValidationError(w, "limit должен быть положительным целым числом")
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListRecentJobs(r.Context(), uid, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := jobListResponse{Items: make([]jobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Items = append(resp.Items, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob — GET /api/v1/jobs/{id}.
func (h *APIHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}
