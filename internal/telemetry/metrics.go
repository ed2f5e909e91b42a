package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus-метрики пайплайна.
// Все методы безопасны для nil-получателя.
type Metrics struct {
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	submissions *prometheus.CounterVec
	dispatch    *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg.
// nil reg — prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeflow_jobs_total",
			Help: "Processed jobs by queue and outcome (succeeded, retried, failed, dead, requeued).",
		}, []string{"queue", "outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeflow_job_duration_seconds",
			Help:    "Job handler duration.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"queue"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeflow_executor_submissions_total",
			Help: "Transaction and bundle submissions by executor and outcome.",
		}, []string{"executor", "outcome"}),
		dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeflow_scheduler_dispatch_total",
			Help: "Status-aggregation dispatch decisions (dispatched, skipped, failed).",
		}, []string{"result"}),
	}
}

// JobFinished учитывает обработанный job.
func (m *Metrics) JobFinished(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// Submission учитывает отправку транзакции или bundle.
func (m *Metrics) Submission(executor, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(executor, outcome).Inc()
}

// Dispatch учитывает решение scheduler'а по кампании.
func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(result).Inc()
}
