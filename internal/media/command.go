package media

import (
	"fmt"
	"strconv"
)

// Args возвращает аргументы ffmpeg для плана (без имени программы).
// Для OriginalPlan возвращает nil: файл копируется без подпроцесса.
func Args(plan Plan, input, output string) []string {
	switch p := plan.(type) {
	case OriginalPlan:
		return nil
	case RemuxPlan:
		return RemuxArgs(input, output, p.IsMP4())
	case TrimPlan:
		return TrimArgs(input, output, p.Start, p.End, p.Smart)
	case AudioPlan:
		return AudioArgs(input, output)
	case PreviewPlan:
		return ThumbnailArgs(input, output, p.Time, p.Frame)
	default:
		panic(fmt.Sprintf("media: неизвестный план %T", plan))
	}
}

func base() []string {
	return []string{"-hide_banner", "-y"}
}

// seconds форматирует время для ffmpeg с точностью до миллисекунд.
func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// RemuxArgs — копирование всех потоков в новый контейнер.
func RemuxArgs(input, output string, faststart bool) []string {
	args := append(base(), "-i", input, "-map", "0", "-c", "copy")
	if faststart {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, output)
}

// TrimArgs — вырезка фрагмента.
// Если end > start, длительность задаётся через -t, иначе конец задаётся через -to.
// Обычный режим ставит -ss перед входом и копирует потоки (границы по ключевым кадрам).
// Точный режим ставит -ss после входа и перекодирует видео.
func TrimArgs(input, output string, start, end *float64, smart bool) []string {
	var duration *float64
	if start != nil && end != nil && *end > *start {
		d := *end - *start
		duration = &d
	}

	bounds := func(args []string) []string {
		switch {
		case duration != nil:
			return append(args, "-t", seconds(*duration))
		case end != nil:
			return append(args, "-to", seconds(*end))
		}
		return args
	}

	if smart {
		args := append(base(), "-i", input)
		if start != nil {
			args = append(args, "-ss", seconds(*start))
		}
		args = bounds(args)
		return append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "18",
			"-c:a", "copy",
			"-movflags", "+faststart",
			output,
		)
	}

	args := base()
	if start != nil {
		args = append(args, "-ss", seconds(*start))
	}
	args = append(args, "-i", input)
	args = bounds(args)
	return append(args, "-c", "copy", "-avoid_negative_ts", "make_zero", output)
}

// AudioArgs — звуковая дорожка без видео и без перекодирования.
func AudioArgs(input, output string) []string {
	return append(base(), "-i", input, "-vn", "-c:a", "copy", output)
}

// ThumbnailArgs — один кадр по времени и/или номеру кадра.
func ThumbnailArgs(input, output string, ts *float64, frame *int) []string {
	args := base()
	if ts != nil {
		args = append(args, "-ss", seconds(*ts))
	}
	args = append(args, "-i", input)
	if frame != nil {
		args = append(args, "-vf", fmt.Sprintf("select='eq(n,%d)'", *frame), "-vsync", "0")
	}
	return append(args, "-frames:v", "1", output)
}
