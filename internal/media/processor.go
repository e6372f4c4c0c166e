package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/storage/filestore"
)

// mp4AudioCodecs — звуковые кодеки, которые MP4 принимает при копировании потока.
var mp4AudioCodecs = map[string]bool{
	"aac":  true,
	"mp3":  true,
	"alac": true,
	"ac3":  true,
	"eac3": true,
	"opus": true,
	"flac": true,
}

// Result — результат обработки.
type Result struct {
	// Path — путь к созданному файлу
	Path string
	// Warning — предупреждение для пользователя (обработка при этом успешна)
	Warning string
}

// Processor выполняет операции над медиафайлами через ffmpeg.
type Processor struct {
	ffmpeg  string
	ffprobe string
	runner  Runner
	logger  *slog.Logger
}

// New создаёт Processor. Пустые пути заменяются на "ffmpeg" и "ffprobe" из PATH.
func New(ffmpegPath, ffprobePath string, runner Runner, logger *slog.Logger) *Processor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Processor{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		runner:  runner,
		logger:  logger.With(slog.String("component", "media")),
	}
}

// OutputName возвращает имя результата: {job_id}{суффикс операции}.
func OutputName(jobID string, plan Plan, sourcePath string) string {
	return jobID + plan.Suffix(filepath.Ext(sourcePath))
}

// Process выполняет операцию задачи над sourcePath и кладёт результат в outputDir.
func (p *Processor) Process(ctx context.Context, job *model.Job, sourcePath, outputDir string) (*Result, error) {
	plan, err := PlanFor(job)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", outputDir, err)
	}
	output := filepath.Join(outputDir, OutputName(job.ID, plan, sourcePath))

	if _, ok := plan.(OriginalPlan); ok {
		if err := filestore.CopyFile(sourcePath, output); err != nil {
			return nil, &ProcessingError{Op: "copy", Err: err}
		}
		return &Result{Path: output}, nil
	}

	res := &Result{Path: output}
	if rp, ok := plan.(RemuxPlan); ok && rp.IsMP4() {
		res.Warning = p.mp4AudioWarning(ctx, job.ID, sourcePath)
	}

	op := describe(plan)
	args := Args(plan, sourcePath, output)
	p.logger.Info("Запуск ffmpeg",
		slog.String("job_id", job.ID),
		slog.String("op", op),
		slog.String("args", strings.Join(args, " ")),
	)

	_, stderr, err := p.runner.Run(ctx, p.ffmpeg, args)
	if err != nil {
		os.Remove(output)
		p.logger.Error("Ошибка ffmpeg",
			slog.String("job_id", job.ID),
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.String("stderr", stderr),
		)
		return nil, &ProcessingError{Op: op, Stderr: stderr, Err: err}
	}
	return res, nil
}

// AudioCodecs возвращает кодеки звуковых дорожек файла по данным ffprobe.
func (p *Processor) AudioCodecs(ctx context.Context, path string) ([]string, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_name",
		"-of", "default=nokey=1:noprint_wrappers=1",
		path,
	}
	stdout, stderr, err := p.runner.Run(ctx, p.ffprobe, args)
	if err != nil {
		return nil, &ProcessingError{Op: "probe", Stderr: stderr, Err: err}
	}
	var codecs []string
	for _, line := range strings.Split(stdout, "\n") {
		if c := strings.TrimSpace(line); c != "" {
			codecs = append(codecs, strings.ToLower(c))
		}
	}
	return codecs, nil
}

// mp4AudioWarning проверяет совместимость звука с MP4.
// Ошибка ffprobe не мешает обработке: предупреждение просто не выдаётся.
func (p *Processor) mp4AudioWarning(ctx context.Context, jobID, sourcePath string) string {
	codecs, err := p.AudioCodecs(ctx, sourcePath)
	if err != nil {
		p.logger.Warn("Не удалось определить звуковой кодек",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	var bad []string
	for _, c := range codecs {
		if !mp4AudioCodecs[c] {
			bad = append(bad, c)
		}
	}
	if len(bad) == 0 {
		return ""
	}
	return fmt.Sprintf("Звуковая дорожка (%s) может не воспроизводиться в MP4", strings.Join(bad, ", "))
}

func describe(plan Plan) string {
	if t, ok := plan.(TrimPlan); ok && t.Smart {
		return "trim-smart"
	}
	return string(plan.Type())
}
