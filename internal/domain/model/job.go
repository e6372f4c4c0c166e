// Пакет model — доменные модели ClipSafe.
// Job — единая структура задачи, используется как in-memory представление
// и как JSON-запись задачи в очереди Redis.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType — операция над медиафайлом. Закрытое множество.
type JobType string

const (
	// TypeOriginal — исходный файл без перекодирования
	TypeOriginal JobType = "original"
	// TypeRemux — смена контейнера без перекодирования
	TypeRemux JobType = "remux"
	// TypeTrim — вырезка фрагмента
	TypeTrim JobType = "trim"
	// TypeAudio — извлечение звуковой дорожки
	TypeAudio JobType = "audio"
	// TypePreview — кадр-миниатюра
	TypePreview JobType = "preview"
)

// ParseJobType преобразует строку в JobType.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	switch t {
	case TypeOriginal, TypeRemux, TypeTrim, TypeAudio, TypePreview:
		return t, nil
	default:
		return "", fmt.Errorf("недопустимый тип задачи: %q, допустимые: original, remux, trim, audio, preview", s)
	}
}

// JobStatus — статус задачи в конечном автомате.
type JobStatus string

const (
	StatusDraft      JobStatus = "draft"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal сообщает, что из статуса нет переходов.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SourceKind — вид источника.
type SourceKind string

const (
	// SourceFile — файл, загруженный через чат-платформу
	SourceFile SourceKind = "file"
	// SourceURL — удалённый URL
	SourceURL SourceKind = "url"
)

// Params — параметры операции и результаты этапов.
// Поля заполняет тот этап, который сейчас владеет задачей.
type Params struct {
	// Целевой контейнер для remux ("mp4" или "mkv")
	TargetContainer string `json:"target_container,omitempty"`
	// Границы вырезки в секундах
	StartSeconds *float64 `json:"start_seconds,omitempty"`
	EndSeconds   *float64 `json:"end_seconds,omitempty"`
	// Точная вырезка с перекодированием видео
	Smart bool `json:"smart,omitempty"`
	// Позиция кадра для миниатюры
	TimeSeconds *float64 `json:"time_seconds,omitempty"`
	FrameNumber *int     `json:"frame_number,omitempty"`

	// Пользователь подтвердил права на материал
	RightsConfirmed bool `json:"rights_confirmed,omitempty"`

	// Сведения о ресурсе, полученные при проверке URL
	MediaInfo map[string]any `json:"media_info,omitempty"`

	// Результат обработки
	PublicURL string     `json:"public_url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Warning   string     `json:"warning,omitempty"`
}

// Job — задача на обработку медиафайла.
type Job struct {
	// ID — неизменяемый идентификатор (UUID v4)
	ID string `json:"id"`
	// UserID — владелец задачи
	UserID int64 `json:"user_id"`

	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`

	SourceKind   SourceKind `json:"source_kind"`
	SourceURL    string     `json:"source_url,omitempty"`
	SourceFileID string     `json:"source_file_id,omitempty"`
	FileName     string     `json:"file_name,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	MimeType     string     `json:"mime_type,omitempty"`

	Params Params `json:"params"`

	// ResultPath — путь к артефакту после завершения
	ResultPath string `json:"result_path,omitempty"`
	// Error — причина неудачи для пользователя
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrInvalidSource — источник не соответствует виду источника.
var ErrInvalidSource = errors.New("источник задачи не соответствует виду источника")

func newJob(userID int64, kind SourceKind, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       TypeOriginal,
		Status:     StatusDraft,
		SourceKind: kind,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewFileJob создаёт черновик задачи по файлу чат-платформы.
func NewFileJob(userID int64, fileID, fileName string, fileSize int64, mimeType string) *Job {
	j := newJob(userID, SourceFile, time.Now())
	j.SourceFileID = fileID
	j.FileName = fileName
	j.FileSize = fileSize
	j.MimeType = mimeType
	return j
}

// NewURLJob создаёт черновик задачи по URL.
// mediaInfo — сведения, полученные при проверке URL (может быть nil).
func NewURLJob(userID int64, rawURL string, mediaInfo map[string]any) *Job {
	j := newJob(userID, SourceURL, time.Now())
	j.SourceURL = rawURL
	if len(mediaInfo) > 0 {
		j.Params.MediaInfo = mediaInfo
	}
	return j
}

// Validate проверяет, что ссылка на источник соответствует его виду.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("пустой идентификатор задачи")
	}
	switch j.SourceKind {
	case SourceFile:
		if j.SourceFileID == "" || j.SourceURL != "" {
			return ErrInvalidSource
		}
	case SourceURL:
		if j.SourceURL == "" || j.SourceFileID != "" {
			return ErrInvalidSource
		}
	default:
		return fmt.Errorf("недопустимый вид источника: %q", j.SourceKind)
	}
	return nil
}

// Touch обновляет updated_at. Время не убывает, даже если часы сдвинулись назад.
func (j *Job) Touch(now time.Time) {
	now = now.UTC()
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}
