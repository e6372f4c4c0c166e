// Пакет sidecar — чтение и запись файла метаданных артефактов (.metadata.json).
// В каждой директории задачи хранится один .metadata.json, который является
// единственным источником истины для сроков хранения артефактов.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName — имя файла метаданных в директории задачи.
const FileName = ".metadata.json"

// Entry — запись об одном артефакте.
type Entry struct {
	// Filename — имя файла артефакта в директории задачи
	Filename string `json:"filename"`
	// ExpiresAt — момент истечения срока хранения (RFC 3339)
	ExpiresAt string `json:"expires_at"`
	// RemoteKey — ключ копии в удалённом хранилище, null если копии нет
	RemoteKey *string `json:"remote_key"`
}

// Expiry разбирает ExpiresAt. Некорректное значение считается истёкшим.
func (e Entry) Expiry() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, e.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Metadata — содержимое .metadata.json.
type Metadata struct {
	Results []Entry `json:"results"`
}

// Upsert заменяет запись с тем же именем файла или добавляет новую в конец.
func (m *Metadata) Upsert(entry Entry) {
	kept := m.Results[:0]
	for _, e := range m.Results {
		if e.Filename != entry.Filename {
			kept = append(kept, e)
		}
	}
	m.Results = append(kept, entry)
}

// Path возвращает путь к .metadata.json в директории задачи.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Exists сообщает, есть ли в директории файл метаданных.
func Exists(dir string) bool {
	_, err := os.Stat(Path(dir))
	return err == nil
}

// Read читает метаданные директории. Отсутствующий файл даёт пустой набор.
func Read(dir string) (*Metadata, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Metadata{Results: []Entry{}}, nil
		}
		return nil, fmt.Errorf("ошибка чтения %s: %w", Path(dir), err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", Path(dir), err)
	}
	if meta.Results == nil {
		meta.Results = []Entry{}
	}
	return &meta, nil
}

// Write атомарно записывает метаданные в директорию задачи.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write(dir string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	path := Path(dir)
	f, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
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

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Delete удаляет .metadata.json.
// Возвращает nil если файл уже не существует.
func Delete(dir string) error {
	err := os.Remove(Path(dir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления %s: %w", Path(dir), err)
	}
	return nil
}
