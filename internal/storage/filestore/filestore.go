// Пакет filestore — раскладка файлов задач на диске.
// Артефакты лежат в {storage_root}/{job_id}/, временные файлы
// в {temp_root}/{job_id}/. Временная директория задачи удаляется целиком.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore — управление директориями задач на диске.
type FileStore struct {
	// root — корень долговременного хранения артефактов
	root string
	// tempRoot — корень временных директорий
	tempRoot string
}

// New создаёт FileStore. Проверяет и создаёт директории,
// если они не существуют.
func New(root, tempRoot string) (*FileStore, error) {
	for _, dir := range []string{root, tempRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}
	return &FileStore{root: root, tempRoot: tempRoot}, nil
}

// Root возвращает корень хранилища артефактов.
func (fs *FileStore) Root() string {
	return fs.root
}

// JobDir возвращает путь к директории артефактов задачи, создавая её.
func (fs *FileStore) JobDir(jobID string) (string, error) {
	return ensureDir(fs.root, jobID)
}

// TempDir возвращает путь к временной директории задачи, создавая её.
func (fs *FileStore) TempDir(jobID string) (string, error) {
	return ensureDir(fs.tempRoot, jobID)
}

// RemoveTemp удаляет временную директорию задачи со всем содержимым.
func (fs *FileStore) RemoveTemp(jobID string) error {
	if !safeName(jobID) {
		return fmt.Errorf("недопустимый идентификатор задачи: %q", jobID)
	}
	if err := os.RemoveAll(filepath.Join(fs.tempRoot, jobID)); err != nil {
		return fmt.Errorf("ошибка удаления временной директории %s: %w", jobID, err)
	}
	return nil
}

// MoveInto переносит файл в директорию задачи и возвращает новый путь.
// Если файл уже лежит там, он не перемещается. При переносе между
// файловыми системами выполняется копирование с последующим удалением.
func (fs *FileStore) MoveInto(jobID, srcPath string) (string, error) {
	dir, err := fs.JobDir(jobID)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(srcPath))

	srcAbs, _ := filepath.Abs(srcPath)
	dstAbs, _ := filepath.Abs(target)
	if srcAbs == dstAbs {
		return target, nil
	}

	if err := os.Rename(srcPath, target); err == nil {
		return target, nil
	}

	// Разные файловые системы: копируем и удаляем исходник
	if err := CopyFile(srcPath, target); err != nil {
		return "", err
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ошибка удаления исходного файла %s: %w", srcPath, err)
	}
	return target, nil
}

// CopyFile копирует файл src в dst.
// Паттерн: temp файл → io.Copy → fsync → atomic rename.
// При ошибке temp файл удаляется.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла %s: %w", src, err)
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// JobDirs возвращает директории задач в корне хранилища.
// Корень временных файлов пропускается, если он вложен в корень хранилища.
func (fs *FileStore) JobDirs() ([]string, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", fs.root, err)
	}

	tempAbs, _ := filepath.Abs(fs.tempRoot)
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(fs.root, e.Name())
		if abs, _ := filepath.Abs(path); abs == tempAbs {
			continue
		}
		dirs = append(dirs, path)
	}
	return dirs, nil
}

// SanitizeName убирает небезопасные символы из имени файла.
// Оставляет буквы, цифры, точку, дефис и подчёркивание.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	out := strings.TrimLeft(result.String(), ".")
	if out == "" {
		return "source"
	}
	if len(out) > 120 {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:120-len(ext)] + ext
	}
	return out
}

func ensureDir(root, jobID string) (string, error) {
	if !safeName(jobID) {
		return "", fmt.Errorf("недопустимый идентификатор задачи: %q", jobID)
	}
	path := filepath.Join(root, jobID)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию %s: %w", path, err)
	}
	return path, nil
}

// safeName запрещает пустые имена и выход за пределы корня.
func safeName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`)
}
