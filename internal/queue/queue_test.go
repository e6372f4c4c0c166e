package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/clipsafe/internal/domain/jobstate"
	"github.com/bigkaa/clipsafe/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test", testLogger()), mr, client
}

// draft создаёт черновик пользователя, при confirmed — с подтверждёнными правами.
func draft(t *testing.T, q *Queue, userID int64, confirmed bool) *model.Job {
	t.Helper()
	job := model.NewFileJob(userID, "file", "a.mp4", 10, "video/mp4")
	if _, err := q.EnqueueDraft(context.Background(), job); err != nil {
		t.Fatalf("EnqueueDraft: %v", err)
	}
	if confirmed {
		if _, err := q.ConfirmRights(context.Background(), userID, true); err != nil {
			t.Fatalf("ConfirmRights: %v", err)
		}
	}
	return job
}

func TestEnqueueDraft_CapsDrafts(t *testing.T) {
	q, mr, _ := newTestQueue(t)

	var ids []string
	for range 7 {
		ids = append(ids, draft(t, q, 1, false).ID)
	}

	got, err := mr.List("test:user:1:drafts")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != MaxDrafts {
		t.Fatalf("черновиков: хотели %d, получили %d", MaxDrafts, len(got))
	}
	// Вытеснены два самых старых
	for i, id := range ids[2:] {
		if got[i] != id {
			t.Errorf("позиция %d: ожидался %s, получен %s", i, id, got[i])
		}
	}
}

func TestEnqueueDraft_InvalidSource(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job := model.NewURLJob(1, "", nil)
	if _, err := q.EnqueueDraft(context.Background(), job); !errors.Is(err, model.ErrInvalidSource) {
		t.Errorf("ожидалась ErrInvalidSource, получено %v", err)
	}
}

func TestAssignOperation(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	job := draft(t, q, 1, true)
	start := 5.0
	got, err := q.AssignOperation(ctx, 1, model.TypeTrim, func(p *model.Params) {
		p.StartSeconds = &start
	})
	if err != nil {
		t.Fatalf("AssignOperation: %v", err)
	}
	if got.ID != job.ID || got.Status != model.StatusQueued || got.Type != model.TypeTrim {
		t.Errorf("задача: %+v", got)
	}

	stored, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != model.StatusQueued || stored.Params.StartSeconds == nil || *stored.Params.StartSeconds != 5 {
		t.Errorf("сохранённая задача: %+v", stored)
	}

	if queued, _ := mr.List("test:queue"); len(queued) != 1 || queued[0] != job.ID {
		t.Errorf("очередь: %v", queued)
	}
	if hist, _ := mr.List("test:user:1:history"); len(hist) != 1 || hist[0] != job.ID {
		t.Errorf("история: %v", hist)
	}
	if mr.Exists("test:user:1:drafts") {
		t.Error("черновик должен быть удалён из списка")
	}

	if _, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil); !errors.Is(err, ErrNoDraft) {
		t.Errorf("повторное назначение: ожидалась ErrNoDraft, получено %v", err)
	}
}

func TestAssignOperation_PendingConfirmation(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	job := draft(t, q, 1, false)
	before, _ := q.GetJob(ctx, job.ID)

	for range 3 {
		_, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil)
		if !errors.Is(err, ErrPendingConfirmation) {
			t.Fatalf("ожидалась ErrPendingConfirmation, получено %v", err)
		}
	}

	after, _ := q.GetJob(ctx, job.ID)
	if after.Status != model.StatusDraft || after.Type != model.TypeOriginal || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("черновик изменился: %+v", after)
	}
	if drafts, _ := mr.List("test:user:1:drafts"); len(drafts) != 1 || drafts[0] != job.ID {
		t.Errorf("черновики: %v", drafts)
	}
	if mr.Exists("test:queue") {
		t.Error("задача без подтверждения прав попала в очередь")
	}
}

// TestAssignOperation_ConcurrentCallers — черновик забирает ровно один вызывающий.
func TestAssignOperation_ConcurrentCallers(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()
	draft(t, q, 1, true)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil)
			switch {
			case err == nil:
				mu.Lock()
				success++
				mu.Unlock()
			case errors.Is(err, ErrNoDraft):
			default:
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("успешных назначений: хотели %d, получили %d", 1, success)
	}
	if queued, _ := mr.List("test:queue"); len(queued) != 1 {
		t.Errorf("в очереди %d записей, ожидалась 1", len(queued))
	}
}

// TestAssignOperation_ConcurrentUnconfirmed — без подтверждения прав ни один вызов не ставит задачу в очередь.
func TestAssignOperation_ConcurrentUnconfirmed(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()
	job := draft(t, q, 1, false)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil); !errors.Is(err, ErrPendingConfirmation) {
				t.Errorf("ожидалась ErrPendingConfirmation, получено %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := q.GetJob(ctx, job.ID)
	if got.Status != model.StatusDraft {
		t.Errorf("статус: ожидался draft, получен %s", got.Status)
	}
	if mr.Exists("test:queue") {
		t.Error("очередь должна быть пуста")
	}
}

// TestWithLatestDraft_ConcurrentEnqueue — черновик, добавленный до EXEC, отменяет
// транзакцию, и повтор работает уже с новым последним черновиком.
func TestWithLatestDraft_ConcurrentEnqueue(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()
	first := draft(t, q, 1, false)

	var (
		second *model.Job
		seen   []string
	)
	err := q.withLatestDraft(ctx, 1, func(job *model.Job) ([]func(redis.Pipeliner), error) {
		seen = append(seen, job.ID)
		if second == nil {
			second = model.NewFileJob(1, "file-2", "b.mp4", 10, "video/mp4")
			if _, err := q.EnqueueDraft(ctx, second); err != nil {
				return nil, err
			}
		}
		id := job.ID
		return []func(redis.Pipeliner){
			func(pipe redis.Pipeliner) { pipe.Set(ctx, "test:marker", id, 0) },
		}, nil
	})
	if err != nil {
		t.Fatalf("withLatestDraft: %v", err)
	}

	if len(seen) != 2 || seen[0] != first.ID || seen[1] != second.ID {
		t.Fatalf("обработанные черновики: хотели [%s %s], получили %v", first.ID, second.ID, seen)
	}
	marker, err := client.Get(ctx, "test:marker").Result()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if marker != second.ID {
		t.Errorf("транзакция применена к %s, ожидался последний черновик %s", marker, second.ID)
	}
}

func TestCancelLatestDraft(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first := draft(t, q, 1, false)
	second := draft(t, q, 1, false)

	got, err := q.CancelLatestDraft(ctx, 1)
	if err != nil {
		t.Fatalf("CancelLatestDraft: %v", err)
	}
	if got.ID != second.ID || got.Status != model.StatusCancelled {
		t.Errorf("отменена не последняя задача: %+v", got)
	}

	stored, _ := q.GetJob(ctx, second.ID)
	if stored.Status != model.StatusCancelled {
		t.Errorf("статус в хранилище: %s", stored.Status)
	}

	got, err = q.CancelLatestDraft(ctx, 1)
	if err != nil || got.ID != first.ID {
		t.Errorf("вторая отмена: %v, %v", got, err)
	}
	if _, err := q.CancelLatestDraft(ctx, 1); !errors.Is(err, ErrNoDraft) {
		t.Errorf("ожидалась ErrNoDraft, получено %v", err)
	}
}

func TestConfirmRights_Declined(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()
	job := draft(t, q, 1, false)

	got, err := q.ConfirmRights(ctx, 1, false)
	if err != nil {
		t.Fatalf("ConfirmRights: %v", err)
	}
	if got.ID != job.ID || got.Status != model.StatusCancelled {
		t.Errorf("отказ от прав: %+v", got)
	}
	if mr.Exists("test:user:1:drafts") {
		t.Error("черновик должен быть удалён из списка")
	}
}

// TestStaleDraftSkipped — ссылка на удалённую запись убирается, берётся предыдущий черновик.
func TestStaleDraftSkipped(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	first := draft(t, q, 1, true)
	second := draft(t, q, 1, true)
	mr.Del("test:job:" + second.ID)

	got, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil)
	if err != nil {
		t.Fatalf("AssignOperation: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("ожидался %s, получен %s", first.ID, got.ID)
	}
}

func TestDequeue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := draft(t, q, 1, true)
	if _, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil); err != nil {
		t.Fatalf("AssignOperation: %v", err)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil || got == nil || got.ID != job.ID {
		t.Fatalf("Dequeue: %v, %v", got, err)
	}

	start := time.Now()
	got, err = q.Dequeue(ctx, 200*time.Millisecond)
	if err != nil || got != nil {
		t.Errorf("пустая очередь: ожидалось (nil, nil), получено (%v, %v)", got, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Dequeue не вернулся по таймауту")
	}
}

func TestDequeue_LostJob(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	mr.Lpush("test:queue", "ghost")

	got, err := q.Dequeue(context.Background(), time.Second)
	if err != nil || got != nil {
		t.Errorf("ожидалось (nil, nil), получено (%v, %v)", got, err)
	}
}

// TestDequeue_SingleDelivery — каждая задача выдаётся ровно одному из конкурентных получателей.
func TestDequeue_SingleDelivery(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	const jobs = 30
	want := make(map[string]bool, jobs)
	for i := range jobs {
		userID := int64(i%3 + 1)
		job := draft(t, q, userID, true)
		if _, err := q.AssignOperation(ctx, userID, model.TypeAudio, nil); err != nil {
			t.Fatalf("AssignOperation: %v", err)
		}
		want[job.ID] = true
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx, 200*time.Millisecond)
				if err != nil {
					t.Errorf("Dequeue: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("получено %d разных задач, ожидалось %d", len(seen), jobs)
	}
	for id, n := range seen {
		if !want[id] || n != 1 {
			t.Errorf("задача %s выдана %d раз", id, n)
		}
	}
}

func TestSetStatus(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := draft(t, q, 1, true)
	q.AssignOperation(ctx, 1, model.TypeAudio, nil)

	if _, err := q.SetStatus(ctx, job.ID, model.StatusProcessing); err != nil {
		t.Fatalf("SetStatus processing: %v", err)
	}
	got, err := q.SetStatus(ctx, job.ID, model.StatusCompleted,
		WithResultPath("/data/x/out.m4a"),
		WithParams(func(p *model.Params) { p.PublicURL = "https://cdn/x" }),
	)
	if err != nil {
		t.Fatalf("SetStatus completed: %v", err)
	}
	if got.ResultPath != "/data/x/out.m4a" || got.Params.PublicURL != "https://cdn/x" {
		t.Errorf("задача: %+v", got)
	}

	_, err = q.SetStatus(ctx, job.ID, model.StatusProcessing)
	var te *jobstate.TransitionError
	if !errors.As(err, &te) || te.Code != "INVALID_TRANSITION" {
		t.Errorf("переход из конечного статуса: ожидалась INVALID_TRANSITION, получено %v", err)
	}

	if _, err := q.SetStatus(ctx, "missing", model.StatusFailed, WithError("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

func TestUpdateAndDeleteJob(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(time.Hour)
	q.SetClock(func() time.Time { return base })
	job := draft(t, q, 1, false)

	q.SetClock(func() time.Time { return base.Add(time.Minute) })
	job.Params.Warning = "w"
	if err := q.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ := q.GetJob(ctx, job.ID)
	if got.Params.Warning != "w" || !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("обновлённая задача: %+v", got)
	}

	if err := q.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := q.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
	if mr.Exists("test:user:1:drafts") {
		t.Error("ссылка на задачу осталась в черновиках")
	}
	if err := q.DeleteJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление: ожидалась ErrNotFound, получено %v", err)
	}
	if err := q.UpdateJob(ctx, job); !errors.Is(err, ErrNotFound) {
		t.Errorf("обновление удалённой: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestListRecentJobs(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for range MaxHistory + 3 {
		job := draft(t, q, 1, true)
		if _, err := q.AssignOperation(ctx, 1, model.TypeAudio, nil); err != nil {
			t.Fatalf("AssignOperation: %v", err)
		}
		ids = append(ids, job.ID)
	}
	draft(t, q, 2, true)
	q.AssignOperation(ctx, 2, model.TypeAudio, nil)

	hist, _ := mr.List("test:user:1:history")
	if len(hist) != MaxHistory {
		t.Errorf("история: хотели %d, получили %d", MaxHistory, len(hist))
	}

	jobs, err := q.ListRecentJobs(ctx, 1, 5)
	if err != nil {
		t.Fatalf("ListRecentJobs: %v", err)
	}
	if len(jobs) != 5 {
		t.Fatalf("задач: хотели %d, получили %d", 5, len(jobs))
	}
	// Новые первыми
	if jobs[0].ID != ids[len(ids)-1] || jobs[4].ID != ids[len(ids)-5] {
		t.Errorf("порядок: %s ... %s", jobs[0].ID, jobs[4].ID)
	}

	// Пропавшие записи пропускаются
	mr.Del("test:job:" + ids[len(ids)-1])
	jobs, _ = q.ListRecentJobs(ctx, 1, 5)
	if len(jobs) != 4 || jobs[0].ID != ids[len(ids)-2] {
		t.Errorf("после удаления записи: %d задач", len(jobs))
	}

	jobs, err = q.ListRecentJobs(ctx, 99, 5)
	if err != nil || len(jobs) != 0 {
		t.Errorf("пустая история: %v, %v", jobs, err)
	}
}

func TestReadinessChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewReadinessChecker(client)
	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %q (%s), ожидали ok", status, msg)
	}

	mr.Close()
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("после остановки Redis: %q, ожидали fail", status)
	}
}
