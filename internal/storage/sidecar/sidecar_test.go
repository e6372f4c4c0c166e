package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestWriteAndRead проверяет запись и чтение .metadata.json.
func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	key := "job-1/job-1.mp4"
	meta := &Metadata{Results: []Entry{
		{Filename: "job-1.mp4", ExpiresAt: "2026-01-01T00:00:00Z", RemoteKey: &key},
		{Filename: "job-1.jpg", ExpiresAt: "2026-01-02T00:00:00Z"},
	}}

	if err := Write(dir, meta); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(got.Results))
	}
	if got.Results[0].RemoteKey == nil || *got.Results[0].RemoteKey != key {
		t.Errorf("RemoteKey: ожидалось %q, получено %v", key, got.Results[0].RemoteKey)
	}
	if got.Results[1].RemoteKey != nil {
		t.Errorf("RemoteKey: ожидалось nil, получено %q", *got.Results[1].RemoteKey)
	}
}

// TestWrite_NullRemoteKey проверяет формат: remote_key записывается как null.
func TestWrite_NullRemoteKey(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, &Metadata{Results: []Entry{{Filename: "a.bin", ExpiresAt: "2026-01-01T00:00:00Z"}}}); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ошибка чтения файла: %v", err)
	}
	var raw map[string][]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("невалидный JSON: %v", err)
	}
	entry := raw["results"][0]
	if v, ok := entry["remote_key"]; !ok || v != nil {
		t.Errorf("remote_key: ожидался null, получено %v (есть=%v)", v, ok)
	}
}

// TestWrite_NoTempLeftovers проверяет, что после записи не остаётся временных файлов.
func TestWrite_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if err := Write(dir, &Metadata{Results: []Entry{}}); err != nil {
			t.Fatalf("ошибка записи: %v", err)
		}
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("остался временный файл %s", e.Name())
		}
	}
}

func TestRead_Missing(t *testing.T) {
	meta, err := Read(t.TempDir())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(meta.Results) != 0 {
		t.Errorf("ожидался пустой набор, получено %d", len(meta.Results))
	}
}

func TestRead_Corrupted(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("{broken"), 0o644)

	if _, err := Read(dir); err == nil {
		t.Error("ожидалась ошибка для невалидного JSON")
	}
}

// TestUpsert_LastWriteWins проверяет замену записи с тем же именем файла.
func TestUpsert_LastWriteWins(t *testing.T) {
	meta := &Metadata{}
	meta.Upsert(Entry{Filename: "a.mp4", ExpiresAt: "2026-01-01T00:00:00Z"})
	meta.Upsert(Entry{Filename: "b.jpg", ExpiresAt: "2026-01-01T00:00:00Z"})
	meta.Upsert(Entry{Filename: "a.mp4", ExpiresAt: "2026-02-01T00:00:00Z"})

	if len(meta.Results) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(meta.Results))
	}
	last := meta.Results[1]
	if last.Filename != "a.mp4" || last.ExpiresAt != "2026-02-01T00:00:00Z" {
		t.Errorf("ожидалась обновлённая запись a.mp4 в конце, получено %+v", last)
	}
}

func TestEntry_Expiry(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{ExpiresAt: ts.Format(time.RFC3339Nano)}
	got, ok := e.Expiry()
	if !ok || !got.Equal(ts) {
		t.Errorf("Expiry: ожидалось %v, получено %v (ok=%v)", ts, got, ok)
	}

	if _, ok := (Entry{ExpiresAt: "вчера"}).Expiry(); ok {
		t.Error("некорректная дата должна давать ok=false")
	}
}

func TestDelete_Idempotent(t *testing.T) {
	dir := t.TempDir()
	Write(dir, &Metadata{})
	if err := Delete(dir); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if err := Delete(dir); err != nil {
		t.Errorf("повторное удаление должно возвращать nil, получено %v", err)
	}
	if Exists(dir) {
		t.Error("файл метаданных не удалён")
	}
}
