package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/clipsafe/internal/storage/filestore"
	"github.com/bigkaa/clipsafe/internal/storage/sidecar"
)

// fakeRemote — удалённое хранилище в памяти.
type fakeRemote struct {
	mu        sync.Mutex
	objects   map[string]bool
	putErr    error
	deleteErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string]bool)}
}

func (f *fakeRemote) Enabled() bool { return true }

func (f *fakeRemote) Put(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = true
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupStore создаёт хранилище с управляемыми часами.
func setupStore(t *testing.T, rs *fakeRemote, opts Options) (*Store, *filestore.FileStore, *time.Time) {
	t.Helper()
	root := t.TempDir()
	files, err := filestore.New(filepath.Join(root, "data"), filepath.Join(root, "data", "tmp"))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	var store *Store
	if rs != nil {
		store = New(files, rs, opts, testLogger())
	} else {
		store = New(files, nil, opts, testLogger())
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return store, files, &now
}

// produce создаёт файл результата во временной директории задачи.
func produce(t *testing.T, files *filestore.FileStore, jobID, name string) string {
	t.Helper()
	dir, err := files.TempDir(jobID)
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("result"), 0o644); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	return path
}

func TestSaveResult_LocalOnly(t *testing.T) {
	store, files, now := setupStore(t, nil, Options{TTL: 24 * time.Hour})
	src := produce(t, files, "job-1", "job-1.mp4")

	res, err := store.SaveResult(context.Background(), "job-1", src)
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if res.Path != filepath.Join(files.Root(), "job-1", "job-1.mp4") {
		t.Errorf("Path: неожиданный путь %s", res.Path)
	}
	if !res.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt: хотели %v, получили %v", now.Add(24*time.Hour), res.ExpiresAt)
	}
	if res.PublicURL != "" {
		t.Errorf("PublicURL: ожидалась пустая строка, получено %q", res.PublicURL)
	}

	meta, err := sidecar.Read(filepath.Dir(res.Path))
	if err != nil {
		t.Fatalf("sidecar.Read: %v", err)
	}
	if len(meta.Results) != 1 || meta.Results[0].RemoteKey != nil {
		t.Errorf("метаданные: %+v", meta.Results)
	}
}

func TestSaveResult_LastWriteWins(t *testing.T) {
	store, files, now := setupStore(t, nil, Options{})
	ctx := context.Background()

	store.SaveResult(ctx, "job-1", produce(t, files, "job-1", "job-1.jpg"))
	*now = now.Add(30 * time.Minute)
	res, err := store.SaveResult(ctx, "job-1", produce(t, files, "job-1", "job-1.jpg"))
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	meta, _ := sidecar.Read(filepath.Dir(res.Path))
	if len(meta.Results) != 1 {
		t.Fatalf("ожидалась 1 запись, получено %d", len(meta.Results))
	}
	if got, _ := meta.Results[0].Expiry(); !got.Equal(res.ExpiresAt) {
		t.Errorf("ожидался срок последней записи %v, получено %v", res.ExpiresAt, got)
	}
}

func TestSaveResult_RemoteUpload(t *testing.T) {
	rs := newFakeRemote()
	store, files, _ := setupStore(t, rs, Options{S3Bucket: "media"})

	res, err := store.SaveResult(context.Background(), "job-2", produce(t, files, "job-2", "job-2.m4a"))
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if !rs.objects["job-2/job-2.m4a"] {
		t.Error("объект не загружен под ключом job-2/job-2.m4a")
	}
	if res.RemoteKey != "job-2/job-2.m4a" {
		t.Errorf("RemoteKey: получено %q", res.RemoteKey)
	}
	if res.PublicURL != "https://media.s3.amazonaws.com/job-2/job-2.m4a" {
		t.Errorf("PublicURL: получено %q", res.PublicURL)
	}
}

func TestSaveResult_RemoteFailureDegrades(t *testing.T) {
	rs := newFakeRemote()
	rs.putErr = errors.New("недоступно")
	store, files, _ := setupStore(t, rs, Options{S3Bucket: "media"})

	res, err := store.SaveResult(context.Background(), "job-3", produce(t, files, "job-3", "job-3.mkv"))
	if err != nil {
		t.Fatalf("SaveResult не должен падать при ошибке загрузки: %v", err)
	}
	if res.RemoteKey != "" || res.PublicURL != "" {
		t.Errorf("ожидался только локальный артефакт, получено %+v", res)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("локальный файл отсутствует: %v", err)
	}
}

func TestPublicURL_Priority(t *testing.T) {
	key := "job/job.mp4"
	tests := []struct {
		name string
		opts Options
		key  *string
		want string
	}{
		{"явный базовый URL", Options{PublicBaseURL: "https://cdn.example.com/", S3PublicBase: "https://b.example.com"}, &key, "https://cdn.example.com/job/job.mp4"},
		{"явный URL без копии", Options{PublicBaseURL: "https://cdn.example.com"}, nil, "https://cdn.example.com/job/job.mp4"},
		{"публичный бакет", Options{S3PublicBase: "https://b.example.com/", S3Bucket: "media"}, &key, "https://b.example.com/job/job.mp4"},
		{"endpoint и бакет", Options{S3Endpoint: "https://minio.local:9000/", S3Bucket: "media"}, &key, "https://minio.local:9000/media/job/job.mp4"},
		{"AWS по умолчанию", Options{S3Bucket: "media"}, &key, "https://media.s3.amazonaws.com/job/job.mp4"},
		{"без копии", Options{S3Bucket: "media"}, nil, ""},
		{"ничего не настроено", Options{}, &key, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{opts: tt.opts}
			if got := s.publicURL("job", "job.mp4", tt.key); got != tt.want {
				t.Errorf("хотели %q, получили %q", tt.want, got)
			}
		})
	}
}

// TestCleanupExpired проверяет удаление только истёкших записей.
func TestCleanupExpired(t *testing.T) {
	rs := newFakeRemote()
	store, files, now := setupStore(t, rs, Options{TTL: time.Hour})
	ctx := context.Background()

	// Старый артефакт: истекает через 1h
	old, _ := store.SaveResult(ctx, "job-4", produce(t, files, "job-4", "job-4.mp4"))
	// Новый артефакт в той же директории: истекает через 2h
	*now = now.Add(time.Hour)
	fresh, _ := store.SaveResult(ctx, "job-4", produce(t, files, "job-4", "job-4.jpg"))

	// Ровно в момент истечения старого (expires_at <= now)
	res, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.Evicted != 1 || res.RemovedDirs != 0 {
		t.Errorf("результат: хотели evicted=1 dirs=0, получили %+v", res)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Error("истёкший файл не удалён")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Errorf("свежий файл удалён: %v", err)
	}
	if rs.objects["job-4/job-4.mp4"] {
		t.Error("удалённая копия истёкшего артефакта не удалена")
	}
	if !rs.objects["job-4/job-4.jpg"] {
		t.Error("удалённая копия свежего артефакта удалена")
	}
	meta, _ := sidecar.Read(filepath.Dir(fresh.Path))
	if len(meta.Results) != 1 || meta.Results[0].Filename != "job-4.jpg" {
		t.Errorf("метаданные после очистки: %+v", meta.Results)
	}

	// Истекает и второй: директория удаляется целиком
	*now = now.Add(time.Hour)
	os.WriteFile(filepath.Join(filepath.Dir(fresh.Path), "residual.part"), []byte("x"), 0o644)
	res, err = store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.Evicted != 1 || res.RemovedDirs != 1 {
		t.Errorf("результат: хотели evicted=1 dirs=1, получили %+v", res)
	}
	if _, err := os.Stat(filepath.Dir(fresh.Path)); !os.IsNotExist(err) {
		t.Error("директория задачи не удалена")
	}

	// Повторный запуск ничего не делает
	res, err = store.CleanupExpired(ctx)
	if err != nil || res.Evicted != 0 || res.RemovedDirs != 0 {
		t.Errorf("повторный запуск: %+v, %v", res, err)
	}
}

// TestCleanupExpired_RemoteErrorSwallowed проверяет, что недоступное удалённое
// хранилище не блокирует удаление локальной копии.
func TestCleanupExpired_RemoteErrorSwallowed(t *testing.T) {
	rs := newFakeRemote()
	store, files, now := setupStore(t, rs, Options{TTL: time.Minute})
	ctx := context.Background()

	saved, _ := store.SaveResult(ctx, "job-5", produce(t, files, "job-5", "job-5.mp4"))
	rs.deleteErr = errors.New("timeout")
	*now = now.Add(2 * time.Minute)

	res, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.Evicted != 1 || res.RemovedDirs != 1 {
		t.Errorf("результат: %+v", res)
	}
	if _, err := os.Stat(saved.Path); !os.IsNotExist(err) {
		t.Error("локальный файл не удалён при ошибке удалённого хранилища")
	}
}

func TestCleanupExpired_SkipsDirsWithoutSidecar(t *testing.T) {
	store, files, _ := setupStore(t, nil, Options{})
	dir, _ := files.JobDir("job-6")
	os.WriteFile(filepath.Join(dir, "in-progress.mp4"), []byte("x"), 0o644)

	res, err := store.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.RemovedDirs != 0 {
		t.Errorf("директория без метаданных не должна удаляться: %+v", res)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("директория удалена: %v", err)
	}
}

func TestCleanupExpired_InvalidExpiryTreatedAsExpired(t *testing.T) {
	store, files, _ := setupStore(t, nil, Options{})
	dir, _ := files.JobDir("job-7")
	os.WriteFile(filepath.Join(dir, "a.bin"), []byte("x"), 0o644)
	sidecar.Write(dir, &sidecar.Metadata{Results: []sidecar.Entry{{Filename: "a.bin", ExpiresAt: "never"}}})

	res, err := store.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if res.Evicted != 1 || res.RemovedDirs != 1 {
		t.Errorf("результат: %+v", res)
	}
}
