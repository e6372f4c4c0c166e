package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/fetcher"
	"github.com/bigkaa/clipsafe/internal/media"
	"github.com/bigkaa/clipsafe/internal/queue"
	"github.com/bigkaa/clipsafe/internal/ratelimit"
	"github.com/bigkaa/clipsafe/internal/storage/artifact"
	"github.com/bigkaa/clipsafe/internal/storage/filestore"
	"github.com/bigkaa/clipsafe/internal/storage/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource пишет исходный файл во временную директорию задачи.
type fakeSource struct {
	files *filestore.FileStore
	err   error
	calls atomic.Int32
}

func (s *fakeSource) FetchJobSource(_ context.Context, job *model.Job) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	dir, err := s.files.TempDir(job.ID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "source.mp4")
	return path, os.WriteFile(path, []byte("source"), 0o640)
}

// fakeProcessor создаёт результат или возвращает ошибку.
type fakeProcessor struct {
	err     error
	warning string
}

func (p *fakeProcessor) Process(_ context.Context, job *model.Job, _, outputDir string) (*media.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, err
	}
	out := filepath.Join(outputDir, job.ID+".m4a")
	return &media.Result{Path: out, Warning: p.warning}, os.WriteFile(out, []byte("result"), 0o640)
}

type fakeArchive struct {
	jobs []*model.Job
}

func (a *fakeArchive) ArchiveJob(_ context.Context, job *model.Job) error {
	a.jobs = append(a.jobs, job)
	return nil
}

type env struct {
	q       *queue.Queue
	files   *filestore.FileStore
	tmpRoot string
	deps    Deps
	opts    Options
	src     *fakeSource
	proc    *fakeProcessor
	archive *fakeArchive
	worker  *Worker
}

func newEnv(t *testing.T, limit int) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	root := t.TempDir()
	tmpRoot := filepath.Join(root, "tmp")
	files, err := filestore.New(filepath.Join(root, "data"), tmpRoot)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	e := &env{
		q:       queue.New(client, "test", testLogger()),
		files:   files,
		tmpRoot: tmpRoot,
		src:     &fakeSource{files: files},
		proc:    &fakeProcessor{},
		archive: &fakeArchive{},
	}
	store := artifact.New(files, remote.Nop{}, artifact.Options{TTL: time.Hour, PublicBaseURL: "https://files.example.com"}, testLogger())
	e.deps = Deps{
		Queue:     e.q,
		Limiter:   ratelimit.NewMemoryLimiter(limit, time.Hour),
		Source:    e.src,
		Processor: e.proc,
		Artifacts: store,
		Temp:      files,
		Archive:   e.archive,
	}
	e.opts = Options{PollTimeout: 100 * time.Millisecond, Retries: 1, StatusBackoff: time.Millisecond}
	e.worker = New(e.deps, e.opts, testLogger())
	return e
}

// withQueue пересоздаёт воркер поверх другой реализации очереди.
func (e *env) withQueue(q JobQueue) {
	deps := e.deps
	deps.Queue = q
	e.worker = New(deps, e.opts, testLogger())
}

// flakyQueue отказывает в записи статуса первые failures раз.
type flakyQueue struct {
	*queue.Queue
	failures int
	calls    int
}

func (f *flakyQueue) SetStatus(ctx context.Context, id string, status model.JobStatus, opts ...queue.StatusOption) (*model.Job, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("redis: connection reset")
	}
	return f.Queue.SetStatus(ctx, id, status, opts...)
}

// queued ставит задачу пользователя в очередь.
func (e *env) queued(t *testing.T, userID int64) *model.Job {
	t.Helper()
	ctx := context.Background()
	job := model.NewURLJob(userID, "https://media.example.com/a.mp4", nil)
	if _, err := e.q.EnqueueDraft(ctx, job); err != nil {
		t.Fatalf("EnqueueDraft: %v", err)
	}
	if _, err := e.q.ConfirmRights(ctx, userID, true); err != nil {
		t.Fatalf("ConfirmRights: %v", err)
	}
	got, err := e.q.AssignOperation(ctx, userID, model.TypeAudio, nil)
	if err != nil {
		t.Fatalf("AssignOperation: %v", err)
	}
	return got
}

func (e *env) stored(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := e.q.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job
}

func (e *env) assertTempRemoved(t *testing.T, id string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(e.tmpRoot, id)); !os.IsNotExist(err) {
		t.Errorf("временная директория задачи не удалена: %v", err)
	}
}

func TestProcessJob_Success(t *testing.T) {
	e := newEnv(t, 5)
	e.proc.warning = "w"
	job := e.queued(t, 1)

	e.worker.ProcessJob(context.Background(), job)

	got := e.stored(t, job.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("статус: ожидался completed, получен %s (%s)", got.Status, got.Error)
	}
	if got.ResultPath == "" {
		t.Fatal("пустой result_path")
	}
	if _, err := os.Stat(got.ResultPath); err != nil {
		t.Errorf("результат не найден: %v", err)
	}
	if got.Params.PublicURL != "https://files.example.com/"+job.ID+"/"+job.ID+".m4a" {
		t.Errorf("public_url: %s", got.Params.PublicURL)
	}
	if got.Params.ExpiresAt == nil || got.Params.Warning != "w" {
		t.Errorf("params: %+v", got.Params)
	}
	if len(e.archive.jobs) != 1 || e.archive.jobs[0].Status != model.StatusCompleted {
		t.Errorf("архив: %v", e.archive.jobs)
	}
	e.assertTempRemoved(t, job.ID)
}

func TestProcessJob_DownloadFailure(t *testing.T) {
	e := newEnv(t, 5)
	e.src.err = &fetcher.DownloadError{Kind: fetcher.KindStatus, StatusCode: 404, Message: "Не удалось скачать файл по ссылке"}
	job := e.queued(t, 1)

	e.worker.ProcessJob(context.Background(), job)

	got := e.stored(t, job.ID)
	if got.Status != model.StatusFailed || got.Error != "Не удалось скачать файл по ссылке" {
		t.Errorf("задача: статус %s, ошибка %q", got.Status, got.Error)
	}
	e.assertTempRemoved(t, job.ID)
}

func TestProcessJob_ProcessingFailureHidesStderr(t *testing.T) {
	e := newEnv(t, 5)
	e.proc.err = &media.ProcessingError{Op: "audio", Stderr: "moov atom not found", Err: errors.New("exit status 1")}
	job := e.queued(t, 1)

	e.worker.ProcessJob(context.Background(), job)

	got := e.stored(t, job.ID)
	if got.Status != model.StatusFailed || got.Error != ReasonProcessing {
		t.Errorf("задача: статус %s, ошибка %q", got.Status, got.Error)
	}
	e.assertTempRemoved(t, job.ID)
}

// TestProcessJob_RateLimited — отказ лимитера: failed без processing и без скачивания.
func TestProcessJob_RateLimited(t *testing.T) {
	e := newEnv(t, 1)
	first := e.queued(t, 1)
	second := e.queued(t, 1)
	other := e.queued(t, 2)

	e.worker.ProcessJob(context.Background(), first)
	e.worker.ProcessJob(context.Background(), second)
	e.worker.ProcessJob(context.Background(), other)

	if got := e.stored(t, second.ID); got.Status != model.StatusFailed || got.Error != ReasonRateLimited {
		t.Errorf("вторая задача: статус %s, ошибка %q", got.Status, got.Error)
	}
	if got := e.stored(t, other.ID); got.Status != model.StatusCompleted {
		t.Errorf("задача другого пользователя: статус %s", got.Status)
	}
	if n := e.src.calls.Load(); n != 2 {
		t.Errorf("скачиваний: хотели %d, получили %d", 2, n)
	}
}

// TestProcessJob_RetriesStatusWrites — кратковременные ошибки Redis при записи
// статуса не оставляют задачу в queued или processing.
func TestProcessJob_RetriesStatusWrites(t *testing.T) {
	e := newEnv(t, 5)
	job := e.queued(t, 1)
	fq := &flakyQueue{Queue: e.q, failures: 2}
	e.withQueue(fq)

	e.worker.ProcessJob(context.Background(), job)

	if got := e.stored(t, job.ID); got.Status != model.StatusCompleted {
		t.Fatalf("статус: ожидался completed, получен %s (%s)", got.Status, got.Error)
	}
	// processing: 2 отказа + успех, completed: успех
	if fq.calls != 4 {
		t.Errorf("вызовов SetStatus: хотели %d, получили %d", 4, fq.calls)
	}
	e.assertTempRemoved(t, job.ID)
}

func TestProcessJob_StatusWriteGivesUp(t *testing.T) {
	e := newEnv(t, 5)
	job := e.queued(t, 1)
	fq := &flakyQueue{Queue: e.q, failures: 100}
	e.withQueue(fq)

	e.worker.ProcessJob(context.Background(), job)

	if fq.calls != 3 {
		t.Errorf("попыток записи статуса: хотели %d, получили %d", 3, fq.calls)
	}
	if n := e.src.calls.Load(); n != 0 {
		t.Errorf("без перехода в processing источник не скачивается, скачиваний: %d", n)
	}
}

func TestRun_ProcessesQueueAndStops(t *testing.T) {
	e := newEnv(t, 10)
	a := e.queued(t, 1)
	b := e.queued(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.worker.RunN(ctx, 2)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.stored(t, a.ID).Status.IsTerminal() && e.stored(t, b.ID).Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("воркер не остановился после отмены контекста")
	}

	for _, id := range []string{a.ID, b.ID} {
		if got := e.stored(t, id); got.Status != model.StatusCompleted {
			t.Errorf("задача %s: статус %s", id, got.Status)
		}
	}
}

func TestUserReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ratelimit.RateLimitExceeded{UserID: 1, Limit: 5, Window: time.Hour}, ReasonRateLimited},
		{&fetcher.DownloadError{Kind: fetcher.KindTimeout, Message: "Не удалось скачать файл"}, "Не удалось скачать файл"},
		{&media.ProcessingError{Op: "trim", Err: context.DeadlineExceeded}, ReasonTimeout},
		{&media.ProcessingError{Op: "trim", Err: errors.New("exit status 1")}, ReasonProcessing},
		{media.ErrUnsupportedOperation, ReasonUnsupported},
		{errors.New("disk full"), ReasonInternal},
	}
	for _, tt := range tests {
		if got := UserReason(tt.err); got != tt.want {
			t.Errorf("UserReason(%v) = %q, ожидалось %q", tt.err, got, tt.want)
		}
	}
}
