package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/clipsafe/internal/domain/model"
	"github.com/bigkaa/clipsafe/internal/queue"
	"github.com/bigkaa/clipsafe/internal/repository"
	"github.com/bigkaa/clipsafe/internal/urlcheck"
)

// stubValidator возвращает заданный результат и считает вызовы.
type stubValidator struct {
	res   urlcheck.Result
	calls int
}

func (v *stubValidator) EnsureAllowedURL(context.Context, string) urlcheck.Result {
	v.calls++
	return v.res
}

type stubArchive struct {
	jobs map[string]*model.Job
}

func (a *stubArchive) GetJob(_ context.Context, id string) (*model.Job, error) {
	if job, ok := a.jobs[id]; ok {
		return job, nil
	}
	return nil, repository.ErrNotFound
}

func newJobService(t *testing.T, v *stubValidator, archive ArchiveReader) (*JobService, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, "test", testLogger())
	return NewJobService(q, v, NewJobCache(10, time.Minute), archive, 1000, testLogger()), q
}

func okValidator() *stubValidator {
	size := int64(10)
	return &stubValidator{res: urlcheck.Result{OK: true, Meta: urlcheck.Meta{ContentType: "video/mp4", ContentLength: &size}}}
}

func TestCreateDraft_URL(t *testing.T) {
	v := okValidator()
	svc, _ := newJobService(t, v, nil)

	job, err := svc.CreateDraft(context.Background(), 1, DraftRequest{SourceURL: " https://media.example.com/a.mp4 "})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if job.Status != model.StatusDraft || job.SourceURL != "https://media.example.com/a.mp4" {
		t.Errorf("черновик: %+v", job)
	}
	if job.Params.MediaInfo["content_type"] != "video/mp4" {
		t.Errorf("media_info: %v", job.Params.MediaInfo)
	}
}

func TestCreateDraft_Rejections(t *testing.T) {
	v := &stubValidator{res: urlcheck.Result{OK: false, Reason: urlcheck.ReasonPrivate}}
	svc, _ := newJobService(t, v, nil)
	ctx := context.Background()

	var rejected *urlcheck.ValidationRejected
	if _, err := svc.CreateDraft(ctx, 1, DraftRequest{SourceURL: "http://10.0.0.1/a.mp4"}); !errors.As(err, &rejected) || rejected.Reason != urlcheck.ReasonPrivate {
		t.Errorf("приватный адрес: %v", err)
	}

	// Ограниченная платформа отклоняется до сетевой проверки
	calls := v.calls
	if _, err := svc.CreateDraft(ctx, 1, DraftRequest{SourceURL: "https://www.youtube.com/watch?v=x"}); !errors.As(err, &rejected) || rejected.Reason != urlcheck.ReasonRestricted {
		t.Errorf("ограниченная платформа: %v", err)
	}
	if v.calls != calls {
		t.Error("валидатор вызван для ограниченной платформы")
	}

	if _, err := svc.CreateDraft(ctx, 1, DraftRequest{SourceFileID: "f", FileSize: 5000}); !errors.As(err, &rejected) || rejected.Reason != urlcheck.ReasonTooLarge {
		t.Errorf("большой файл: %v", err)
	}

	if _, err := svc.CreateDraft(ctx, 1, DraftRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("без источника: %v", err)
	}
	if _, err := svc.CreateDraft(ctx, 1, DraftRequest{SourceURL: "https://a.example.com/x", SourceFileID: "f"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("два источника: %v", err)
	}
}

func TestAssignOperation_Trim(t *testing.T) {
	svc, _ := newJobService(t, okValidator(), nil)
	ctx := context.Background()

	if _, err := svc.CreateDraft(ctx, 1, DraftRequest{SourceFileID: "f", FileName: "a.mp4", FileSize: 10}); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if _, err := svc.AssignOperation(ctx, 1, OperationRequest{Type: "trim", Start: "00:10"}); !errors.Is(err, queue.ErrPendingConfirmation) {
		t.Fatalf("без подтверждения прав: %v", err)
	}
	if _, err := svc.ConfirmRights(ctx, 1, true); err != nil {
		t.Fatalf("ConfirmRights: %v", err)
	}

	if _, err := svc.AssignOperation(ctx, 1, OperationRequest{Type: "trim", Start: "abc"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("некорректный таймкод: %v", err)
	}
	if _, err := svc.AssignOperation(ctx, 1, OperationRequest{Type: "gif"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("неизвестный тип: %v", err)
	}

	job, err := svc.AssignOperation(ctx, 1, OperationRequest{Type: "trim", Start: "00:10", End: "01:00", Smart: true})
	if err != nil {
		t.Fatalf("AssignOperation: %v", err)
	}
	if job.Status != model.StatusQueued || job.Type != model.TypeTrim {
		t.Errorf("задача: %s %s", job.Status, job.Type)
	}
	if *job.Params.StartSeconds != 10 || *job.Params.EndSeconds != 60 || !job.Params.Smart {
		t.Errorf("параметры: %+v", job.Params)
	}
}

func TestOperationParams(t *testing.T) {
	frame := 12
	negative := -1
	tests := []struct {
		name    string
		t       model.JobType
		req     OperationRequest
		check   func(p model.Params) bool
		wantErr bool
	}{
		{"remux по умолчанию mp4", model.TypeRemux, OperationRequest{}, func(p model.Params) bool { return p.TargetContainer == "mp4" }, false},
		{"remux mkv", model.TypeRemux, OperationRequest{Container: "MKV"}, func(p model.Params) bool { return p.TargetContainer == "mkv" }, false},
		{"remux avi", model.TypeRemux, OperationRequest{Container: "avi"}, nil, true},
		{"trim без начала", model.TypeTrim, OperationRequest{}, nil, true},
		{"preview по времени", model.TypePreview, OperationRequest{Time: "1:05"}, func(p model.Params) bool { return *p.TimeSeconds == 65 }, false},
		{"preview по кадру", model.TypePreview, OperationRequest{Frame: &frame}, func(p model.Params) bool { return *p.FrameNumber == 12 && p.TimeSeconds == nil }, false},
		{"preview с отрицательным кадром", model.TypePreview, OperationRequest{Frame: &negative}, nil, true},
		{"audio без параметров", model.TypeAudio, OperationRequest{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := operationParams(tt.t, tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("ожидалась ErrInvalidRequest, получено %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if tt.check == nil {
				return
			}
			var p model.Params
			fn(&p)
			if !tt.check(p) {
				t.Errorf("параметры: %+v", p)
			}
		})
	}
}

func TestGetJob_OwnerCacheAndArchive(t *testing.T) {
	archived := model.NewURLJob(1, "https://media.example.com/old.mp4", nil)
	archived.Status = model.StatusCompleted
	archive := &stubArchive{jobs: map[string]*model.Job{archived.ID: archived}}

	svc, q := newJobService(t, okValidator(), archive)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, 1, DraftRequest{SourceFileID: "f", FileSize: 1})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if _, err := svc.GetJob(ctx, 2, draft.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("чужая задача: %v", err)
	}
	if _, err := svc.GetJob(ctx, 1, draft.ID); err != nil {
		t.Fatalf("своя задача: %v", err)
	}
	if svc.cache.Len() != 0 {
		t.Error("черновик попал в кэш")
	}

	cancelled, err := svc.CancelLatestDraft(ctx, 1)
	if err != nil {
		t.Fatalf("CancelLatestDraft: %v", err)
	}
	if _, err := svc.GetJob(ctx, 1, cancelled.ID); err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	// Запись в кэше переживает удаление из очереди
	if err := q.DeleteJob(ctx, cancelled.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if got, err := svc.GetJob(ctx, 1, cancelled.ID); err != nil || got.Status != model.StatusCancelled {
		t.Errorf("из кэша: %v, %v", got, err)
	}

	if got, err := svc.GetJob(ctx, 1, archived.ID); err != nil || got.ID != archived.ID {
		t.Errorf("из архива: %v, %v", got, err)
	}
	if _, err := svc.GetJob(ctx, 1, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("отсутствующая задача: %v", err)
	}
}

func TestJobCache_OnlyTerminal(t *testing.T) {
	c := NewJobCache(2, time.Minute)
	job := model.NewURLJob(1, "https://a.example.com/x", nil)
	if c.Set(job) {
		t.Error("черновик кэширован")
	}
	job.Status = model.StatusFailed
	if !c.Set(job) {
		t.Fatal("задача в конечном статусе не кэширована")
	}
	got, ok := c.Get(job.ID)
	if !ok || got.Status != model.StatusFailed {
		t.Errorf("Get: %v %v", got, ok)
	}
}
