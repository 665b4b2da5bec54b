package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	started    *prometheus.CounterVec
	finished   *prometheus.CounterVec
	timedOut   *prometheus.CounterVec
	running    prometheus.Gauge
	queueDepth *prometheus.GaugeVec
	stalls     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosterd",
			Name:      "jobs_started_total",
			Help:      "Jobs that entered the running state.",
		}, []string{"task"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosterd",
			Name:      "jobs_finished_total",
			Help:      "Jobs whose executor returned, by result.",
		}, []string{"task", "result"}),
		timedOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosterd",
			Name:      "jobs_timed_out_total",
			Help:      "Jobs disowned by the scheduler after their timeout.",
		}, []string{"task"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rosterd",
			Name:      "jobs_running",
			Help:      "Jobs currently in the running set.",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rosterd",
			Name:      "channel_queue_depth",
			Help:      "Jobs waiting in a channel queue.",
		}, []string{"channel"}),
		stalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rosterd",
			Name:      "channel_stalls_total",
			Help:      "Promotion attempts that found only busy task names.",
		}, []string{"channel"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rosterd",
			Name:      "job_duration_seconds",
			Help:      "Executor wall time, including time after a timeout.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"task"}),
	}
}

func (m *Metrics) jobStarted(task string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(task).Inc()
}

func (m *Metrics) jobFinished(task string, r Result, took time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(task, r.String()).Inc()
	m.duration.WithLabelValues(task).Observe(took.Seconds())
}

func (m *Metrics) jobTimedOut(task string) {
	if m == nil {
		return
	}
	m.timedOut.WithLabelValues(task).Inc()
}

func (m *Metrics) setRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

func (m *Metrics) setQueueDepth(ch string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(ch).Set(float64(n))
}

func (m *Metrics) channelStalled(ch string) {
	if m == nil {
		return
	}
	m.stalls.WithLabelValues(ch).Inc()
}
