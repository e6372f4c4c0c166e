// Пакет media — построение и выполнение команд ffmpeg для операций над медиафайлами.
//
// Операции образуют закрытое множество планов (Plan). PlanFor строит план
// по параметрам задачи, Args превращает план в вектор аргументов ffmpeg.
// Команды никогда не проходят через shell.
package media

import (
	"errors"
	"fmt"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

// ErrUnsupportedOperation — тип задачи не имеет обработчика.
var ErrUnsupportedOperation = errors.New("неподдерживаемый тип задачи")

// Plan — план операции. Реализации только в этом пакете.
type Plan interface {
	// Type возвращает тип задачи плана.
	Type() model.JobType
	// Suffix возвращает суффикс имени результата.
	// sourceExt — расширение исходного файла с точкой или пустая строка.
	Suffix(sourceExt string) string

	sealed()
}

// OriginalPlan — исходный файл без обработки.
type OriginalPlan struct{}

// RemuxPlan — смена контейнера без перекодирования.
type RemuxPlan struct {
	// Container — "mp4" или "mkv"
	Container string
}

// TrimPlan — вырезка фрагмента.
type TrimPlan struct {
	Start *float64
	End   *float64
	// Smart — точная вырезка с перекодированием видео
	Smart bool
}

// AudioPlan — извлечение звуковой дорожки.
type AudioPlan struct{}

// PreviewPlan — один кадр по времени и/или номеру.
type PreviewPlan struct {
	Time  *float64
	Frame *int
}

func (OriginalPlan) Type() model.JobType { return model.TypeOriginal }
func (RemuxPlan) Type() model.JobType    { return model.TypeRemux }
func (TrimPlan) Type() model.JobType     { return model.TypeTrim }
func (AudioPlan) Type() model.JobType    { return model.TypeAudio }
func (PreviewPlan) Type() model.JobType  { return model.TypePreview }

func (OriginalPlan) Suffix(ext string) string {
	if ext == "" {
		return ".bin"
	}
	return ext
}

func (p RemuxPlan) Suffix(string) string {
	if p.IsMP4() {
		return ".mp4"
	}
	return ".mkv"
}

func (TrimPlan) Suffix(ext string) string {
	if ext == "" {
		ext = ".mkv"
	}
	return "_cut" + ext
}

func (AudioPlan) Suffix(string) string   { return ".m4a" }
func (PreviewPlan) Suffix(string) string { return ".jpg" }

func (OriginalPlan) sealed() {}
func (RemuxPlan) sealed()    {}
func (TrimPlan) sealed()     {}
func (AudioPlan) sealed()    {}
func (PreviewPlan) sealed()  {}

// IsMP4 сообщает, что целевой контейнер — MP4.
func (p RemuxPlan) IsMP4() bool {
	return p.Container == "mp4"
}

// PlanFor строит план по типу и параметрам задачи.
func PlanFor(job *model.Job) (Plan, error) {
	p := job.Params
	switch job.Type {
	case model.TypeOriginal:
		return OriginalPlan{}, nil
	case model.TypeRemux:
		return RemuxPlan{Container: p.TargetContainer}, nil
	case model.TypeTrim:
		return TrimPlan{Start: p.StartSeconds, End: p.EndSeconds, Smart: p.Smart}, nil
	case model.TypeAudio:
		return AudioPlan{}, nil
	case model.TypePreview:
		return PreviewPlan{Time: p.TimeSeconds, Frame: p.FrameNumber}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, job.Type)
	}
}
