package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container.
type Metrics struct {
	// gRPC metrics
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	GRPCRequestsInFlight prometheus.Gauge

	// Queue and dispatch metrics
	QueueDepth          *prometheus.GaugeVec
	BackpressureState   *prometheus.GaugeVec
	DispatchedTotal     *prometheus.CounterVec
	ReclaimedTotal      *prometheus.CounterVec
	DeadLetteredTotal   *prometheus.CounterVec
	WorkerLoadScore     *prometheus.GaugeVec

	// Heartbeat and runtime metrics
	HeartbeatFailuresTotal *prometheus.CounterVec
	TaskDuration           *prometheus.HistogramVec
	RuntimeBuildDuration   *prometheus.HistogramVec
	RuntimeCacheHitsTotal  *prometheus.CounterVec

	// System metrics
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Service information
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes the global metrics container.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		// gRPC metrics
		GRPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "status"},
		),

		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		GRPCRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_requests_in_flight",
				Help:      "Current number of gRPC requests being processed",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Current depth of the crawl queue, by priority band",
			},
			[]string{"batch_id", "priority"},
		),

		BackpressureState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "backpressure_state",
				Help:      "Current log pipeline backpressure state (0=NORMAL, 1=WARNING, 2=CRITICAL, 3=BLOCKED)",
			},
			[]string{"worker_id"},
		),

		DispatchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatched_total",
				Help:      "Total number of tasks dispatched to a worker",
			},
			[]string{"batch_id"},
		),

		ReclaimedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reclaimed_total",
				Help:      "Total number of tasks reclaimed after exceeding min_idle_time",
			},
			[]string{"batch_id"},
		),

		DeadLetteredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dead_lettered_total",
				Help:      "Total number of tasks moved to the dead-letter stream after exceeding max_retries",
			},
			[]string{"batch_id"},
		),

		WorkerLoadScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "worker_load_score",
				Help:      "Last computed load score used for worker selection",
			},
			[]string{"worker_id"},
		),

		HeartbeatFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "heartbeat_failures_total",
				Help:      "Total number of consecutive heartbeat send failures",
			},
			[]string{"worker_id"},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "task_duration_seconds",
				Help:      "Duration of task executions",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		RuntimeBuildDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "runtime_build_duration_seconds",
				Help:      "Duration of runtime resolution, including venv builds on cache miss",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"cache_hit"},
		),

		RuntimeCacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "runtime_cache_hits_total",
				Help:      "Total number of runtime resolver cache hits and misses",
			},
			[]string{"result"},
		),

		// System metrics
		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, initializing it on first use.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("antcode", "")
	}
	return defaultMetrics
}

// RecordGRPCRequest records metrics for a completed gRPC request.
func (m *Metrics) RecordGRPCRequest(method string, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetQueueDepth records the current crawl queue depth for a batch/priority band.
func (m *Metrics) SetQueueDepth(batchID, priority string, depth int) {
	m.QueueDepth.WithLabelValues(batchID, priority).Set(float64(depth))
}

// SetBackpressureState records the log pipeline's current backpressure state for a worker.
func (m *Metrics) SetBackpressureState(workerID string, state int) {
	m.BackpressureState.WithLabelValues(workerID).Set(float64(state))
}

// RecordDispatch records a task dispatch to a worker.
func (m *Metrics) RecordDispatch(batchID string) {
	m.DispatchedTotal.WithLabelValues(batchID).Inc()
}

// RecordReclaim records a task reclaimed after exceeding min_idle_time.
func (m *Metrics) RecordReclaim(batchID string) {
	m.ReclaimedTotal.WithLabelValues(batchID).Inc()
}

// RecordDeadLetter records a task moved to the dead-letter stream after exceeding max_retries.
func (m *Metrics) RecordDeadLetter(batchID string) {
	m.DeadLetteredTotal.WithLabelValues(batchID).Inc()
}

// SetWorkerLoadScore records the most recently computed load score for a worker.
func (m *Metrics) SetWorkerLoadScore(workerID string, score float64) {
	m.WorkerLoadScore.WithLabelValues(workerID).Set(score)
}

// RecordHeartbeatFailure increments the consecutive heartbeat failure counter for a worker.
func (m *Metrics) RecordHeartbeatFailure(workerID string) {
	m.HeartbeatFailuresTotal.WithLabelValues(workerID).Inc()
}

// RecordTaskDuration records the wall-clock duration of a finished task execution.
func (m *Metrics) RecordTaskDuration(status string, duration time.Duration) {
	m.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRuntimeResolution records the time spent resolving a runtime and whether it hit cache.
func (m *Metrics) RecordRuntimeResolution(cacheHit bool, duration time.Duration) {
	hit := "miss"
	result := "miss"
	if cacheHit {
		hit = "hit"
		result = "hit"
	}
	m.RuntimeBuildDuration.WithLabelValues(hit).Observe(duration.Seconds())
	m.RuntimeCacheHitsTotal.WithLabelValues(result).Inc()
}

// SetServiceInfo sets the service version/environment info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts the HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		// The response is already committed; a write error here is not actionable.
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
