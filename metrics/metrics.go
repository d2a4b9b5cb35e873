package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strahe/assessor-sync/models"
)

const namespace = "assessor_sync"

// Metrics holds the engine's collectors on a private registry so several engines
// can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	rows          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchSize     *prometheus.GaugeVec
	batchSizeHist *prometheus.HistogramVec
	throttles     *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	retries       *prometheus.CounterVec
	sanitized     *prometheus.CounterVec
	rollbackSteps *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	queueDepth    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows handled per table and outcome",
		}, []string{"table", "outcome"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches per table and phase",
		}, []string{"table", "phase"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch latency per table and phase",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"table", "phase"}),
		batchSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Current batch size per workload",
		}, []string{"workload"}),
		batchSizeHist: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_rows",
			Help:      "Batch size decisions per workload",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 9),
		}, []string{"workload"}),
		throttles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttles_total",
			Help:      "Throttle delays applied at the minimum batch size",
		}, []string{"workload"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Detected conflicts per table and policy",
		}, []string{"table", "policy"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Conflict resolutions by outcome",
		}, []string{"resolution"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors per category",
		}, []string{"kind"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried operations after transient failures",
		}, []string{"op"}),
		sanitized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanitized_fields_total",
			Help:      "Field values modified by sanitization rules",
		}, []string{"rule"}),
		rollbackSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_steps_total",
			Help:      "Rollback units replayed per table and outcome",
		}, []string{"table", "outcome"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs reaching a status",
		}, []string{"status"}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently running or paused",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Table slices waiting for a worker",
		}),
	}
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Rows(table, outcome string, n int64) {
	if n > 0 {
		m.rows.WithLabelValues(table, outcome).Add(float64(n))
	}
}

func (m *Metrics) Batch(table, phase string, d time.Duration) {
	m.batches.WithLabelValues(table, phase).Inc()
	m.batchDuration.WithLabelValues(table, phase).Observe(d.Seconds())
}

func (m *Metrics) BatchSize(workload string, size int, throttled bool) {
	m.batchSize.WithLabelValues(workload).Set(float64(size))
	m.batchSizeHist.WithLabelValues(workload).Observe(float64(size))
	if throttled {
		m.throttles.WithLabelValues(workload).Inc()
	}
}

func (m *Metrics) Conflict(table string, policy models.ConflictPolicy, res models.Resolution) {
	m.conflicts.WithLabelValues(table, string(policy)).Inc()
	m.resolutions.WithLabelValues(string(res)).Inc()
}

// Resolution counts a resolution made after detection, e.g. by an operator.
func (m *Metrics) Resolution(res models.Resolution) {
	m.resolutions.WithLabelValues(string(res)).Inc()
}

func (m *Metrics) Error(kind models.ErrorKind) {
	m.errors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Retry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) Sanitized(rule string) {
	m.sanitized.WithLabelValues(rule).Inc()
}

func (m *Metrics) RollbackStep(table string, ok bool) {
	outcome := "reverted"
	if !ok {
		outcome = "failed"
	}
	m.rollbackSteps.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) JobStatus(status models.JobStatus) {
	m.jobs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ActiveJobs(delta float64) {
	m.activeJobs.Add(delta)
}

func (m *Metrics) QueueDepth(delta float64) {
	m.queueDepth.Add(delta)
}
