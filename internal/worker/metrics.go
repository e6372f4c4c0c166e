package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/clipsafe/internal/domain/model"
)

var (
	// jobsStarted — задачи, начавшие обработку.
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsafe_job_started_total",
		Help: "Количество задач, начавших обработку",
	}, []string{"type"})

	// jobsCompleted — задачи в конечном статусе (completed, failed, rejected).
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsafe_job_completed_total",
		Help: "Количество завершённых задач по типу и статусу",
	}, []string{"type", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipsafe_job_duration_seconds",
		Help:    "Длительность обработки задачи в секундах",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"type"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipsafe_active_jobs",
		Help: "Количество задач в обработке",
	})
)

func trackStart(t model.JobType) {
	activeJobs.Inc()
	jobsStarted.WithLabelValues(string(t)).Inc()
}

func trackEnd(t model.JobType, status model.JobStatus, d time.Duration) {
	activeJobs.Dec()
	jobsCompleted.WithLabelValues(string(t), string(status)).Inc()
	jobDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}
