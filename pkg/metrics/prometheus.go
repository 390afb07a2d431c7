// Package metrics provides Prometheus metrics for the creditgate coordinator.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the coordinator.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Admission
	admissions      *prometheus.CounterVec
	quotaRemaining  *prometheus.GaugeVec
	selectionSize   *prometheus.HistogramVec
	counterLatency  prometheus.Histogram
	counterFailures prometheus.Counter

	// Ledger
	ledgerOps       *prometheus.CounterVec
	ledgerLatency   *prometheus.HistogramVec
	ledgerWorkers   prometheus.Gauge
	creditHardZeros prometheus.Counter
	scoreValues     prometheus.Histogram

	// Epochs and batches
	epochs          prometheus.Counter
	epochDuration   prometheus.Histogram
	batches         *prometheus.CounterVec
	schedulerPhase  prometheus.Gauge
	dispatchResult  *prometheus.CounterVec
	dispatchLatency prometheus.Histogram

	// Scoring stage
	scoringLatency     prometheus.Histogram
	scoringErrors      prometheus.Counter
	frequencyFiltered  prometheus.Counter
	scoringQueueSize   prometheus.Gauge
	scoringQueueCap    prometheus.Gauge
	scoringWorkerCount prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Emission and sync
	emissions    *prometheus.CounterVec
	syncs        *prometheus.CounterVec
	syncedWorker prometheus.Gauge

	// Organic workload
	organicSubmissions *prometheus.CounterVec
	syntheticRefilled  *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "creditgate",
		subsystem:        "coordinator",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	if buckets == nil {
		buckets = m.histogramBuckets
	}
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	msBuckets := []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 32000}

	m.admissions = auto.NewCounterVec(
		m.counterOpts("admissions_total", "Quota admission decisions by outcome"),
		[]string{"outcome"},
	)
	m.quotaRemaining = auto.NewGaugeVec(
		m.gaugeOpts("quota_remaining", "Remaining quota per worker at last read"),
		[]string{"uid"},
	)
	m.selectionSize = auto.NewHistogramVec(
		m.histogramOpts("selection_size", "Number of workers admitted per selection",
			[]float64{0, 1, 2, 4, 8, 16, 32, 64}),
		[]string{"mode"},
	)
	m.counterLatency = auto.NewHistogram(
		m.histogramOpts("counter_latency_milliseconds", "Quota counter operation latency", msBuckets),
	)
	m.counterFailures = auto.NewCounter(
		m.counterOpts("counter_failures_total", "Quota counter store failures"),
	)

	m.ledgerOps = auto.NewCounterVec(
		m.counterOpts("ledger_operations_total", "Ledger operations by kind and outcome"),
		[]string{"op", "outcome"},
	)
	m.ledgerLatency = auto.NewHistogramVec(
		m.histogramOpts("ledger_latency_milliseconds", "Ledger operation latency", msBuckets),
		[]string{"op"},
	)
	m.ledgerWorkers = auto.NewGauge(
		m.gaugeOpts("ledger_workers", "Number of worker records in the ledger"),
	)
	m.creditHardZeros = auto.NewCounter(
		m.counterOpts("credit_hard_zero_total", "Credits zeroed for falling below the minimum"),
	)
	m.scoreValues = auto.NewHistogram(
		m.histogramOpts("score_values", "Distribution of penalized scores applied to workers",
			[]float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}),
	)

	m.epochs = auto.NewCounter(m.counterOpts("epochs_total", "Completed scheduler epochs"))
	m.epochDuration = auto.NewHistogram(
		m.histogramOpts("epoch_duration_milliseconds", "Scheduler epoch duration",
			[]float64{100, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}),
	)
	m.batches = auto.NewCounterVec(
		m.counterOpts("batches_total", "Batches by outcome"),
		[]string{"outcome"},
	)
	m.schedulerPhase = auto.NewGauge(
		m.gaugeOpts("scheduler_phase", "Current scheduler phase (0 idle, 1 dispatching, 2 awaiting, 3 scoring)"),
	)
	m.dispatchResult = auto.NewCounterVec(
		m.counterOpts("dispatch_results_total", "Dispatch results by validity"),
		[]string{"result"},
	)
	m.dispatchLatency = auto.NewHistogram(
		m.histogramOpts("dispatch_latency_milliseconds", "Per-worker dispatch latency", msBuckets),
	)

	m.scoringLatency = auto.NewHistogram(
		m.histogramOpts("scoring_latency_milliseconds", "Oracle scoring latency", msBuckets),
	)
	m.scoringErrors = auto.NewCounter(m.counterOpts("scoring_errors_total", "Oracle failures"))
	m.frequencyFiltered = auto.NewCounter(
		m.counterOpts("frequency_filtered_total", "Valid results dropped because the worker hit its per-epoch scoring cap"),
	)
	m.scoringQueueSize = auto.NewGauge(m.gaugeOpts("scoring_queue_size", "Pending score jobs"))
	m.scoringQueueCap = auto.NewGauge(m.gaugeOpts("scoring_queue_capacity", "Score job queue capacity"))
	m.scoringWorkerCount = auto.NewGauge(m.gaugeOpts("scoring_worker_count", "Running scoring workers"))
	m.queueEnqueued = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Messages enqueued"))
	m.queueDequeued = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Messages dequeued"))
	m.queueEnqueueErrors = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total", "Enqueue errors"))

	m.emissions = auto.NewCounterVec(
		m.counterOpts("emissions_total", "Weight emissions by outcome"),
		[]string{"outcome"},
	)
	m.syncs = auto.NewCounterVec(
		m.counterOpts("syncs_total", "Credit and quota sync runs by outcome"),
		[]string{"outcome"},
	)
	m.syncedWorker = auto.NewGauge(m.gaugeOpts("synced_workers", "Workers with a quota after the last sync"))

	m.organicSubmissions = auto.NewCounterVec(
		m.counterOpts("organic_submissions_total", "Organic payload submissions by outcome"),
		[]string{"outcome"},
	)

	m.syntheticRefilled = auto.NewCounterVec(
		m.counterOpts("synthetic_refilled_total", "Synthetic payloads generated by the refill loop"),
		[]string{"model"},
	)

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds", msBuckets),
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByComponent = auto.NewCounterVec(
		m.counterOpts("errors_by_component_total", "Total number of errors by component"),
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "Heap memory in use"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
}

// Admission

// RecordAdmission counts one quota decision: "accepted", "rejected", "threshold" or "error".
func RecordAdmission(outcome string) {
	globalManager.admissions.WithLabelValues(outcome).Inc()
}

// UpdateQuotaRemaining sets the last observed remaining quota for a worker.
func UpdateQuotaRemaining(uid string, remaining int64) {
	globalManager.quotaRemaining.WithLabelValues(uid).Set(float64(remaining))
}

// RecordSelection observes how many workers a selection admitted.
func RecordSelection(mode string, n int) {
	globalManager.selectionSize.WithLabelValues(mode).Observe(float64(n))
}

// RecordCounterLatency records quota counter latency in milliseconds.
func RecordCounterLatency(latencyMs float64) {
	globalManager.counterLatency.Observe(latencyMs)
}

// RecordCounterFailure increments the counter store failure count.
func RecordCounterFailure() {
	globalManager.counterFailures.Inc()
}

// Ledger

// RecordLedgerOp counts a ledger operation and its latency.
func RecordLedgerOp(op, outcome string, latencyMs float64) {
	globalManager.ledgerOps.WithLabelValues(op, outcome).Inc()
	globalManager.ledgerLatency.WithLabelValues(op).Observe(latencyMs)
}

// UpdateLedgerWorkers sets the number of ledger records.
func UpdateLedgerWorkers(n int) {
	globalManager.ledgerWorkers.Set(float64(n))
}

// RecordCreditHardZero counts a credit zeroed by SetCredit.
func RecordCreditHardZero() {
	globalManager.creditHardZeros.Inc()
}

// RecordScore observes one applied score.
func RecordScore(score float64) {
	globalManager.scoreValues.Observe(score)
}

// Epochs

// RecordEpoch counts a completed epoch and its duration.
func RecordEpoch(duration time.Duration) {
	globalManager.epochs.Inc()
	globalManager.epochDuration.Observe(float64(duration.Milliseconds()))
}

// RecordBatch counts a batch outcome such as "scored", "no_workers" or "no_payload".
func RecordBatch(outcome string) {
	globalManager.batches.WithLabelValues(outcome).Inc()
}

// UpdateSchedulerPhase sets the current scheduler phase.
func UpdateSchedulerPhase(phase int) {
	globalManager.schedulerPhase.Set(float64(phase))
}

// RecordDispatchResult counts one dispatch result and observes its latency.
func RecordDispatchResult(valid bool, elapsed time.Duration) {
	label := "invalid"
	if valid {
		label = "valid"
	}
	globalManager.dispatchResult.WithLabelValues(label).Inc()
	globalManager.dispatchLatency.Observe(float64(elapsed.Milliseconds()))
}

// Scoring

// RecordScoringLatency records oracle latency in milliseconds.
func RecordScoringLatency(latencyMs float64) {
	globalManager.scoringLatency.Observe(latencyMs)
}

// RecordScoringError increments the oracle failure counter.
func RecordScoringError() {
	globalManager.scoringErrors.Inc()
}

// RecordFrequencyFiltered adds n results dropped by the per-epoch cap.
func RecordFrequencyFiltered(n int) {
	globalManager.frequencyFiltered.Add(float64(n))
}

// UpdateQueueSize sets the current score job backlog.
func UpdateQueueSize(size int) {
	globalManager.scoringQueueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the score job queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.scoringQueueCap.Set(float64(capacity))
}

// UpdateWorkerCount sets the number of running scoring workers.
func UpdateWorkerCount(count int) {
	globalManager.scoringWorkerCount.Set(float64(count))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// Emission and sync

// RecordEmission counts an emission outcome: "success", "failure", "skipped" or "error".
func RecordEmission(outcome string) {
	globalManager.emissions.WithLabelValues(outcome).Inc()
}

// RecordSync counts a sync run outcome.
func RecordSync(outcome string) {
	globalManager.syncs.WithLabelValues(outcome).Inc()
}

// UpdateSyncedWorkers sets the number of workers that received a quota.
func UpdateSyncedWorkers(n int) {
	globalManager.syncedWorker.Set(float64(n))
}

// RecordOrganicSubmission counts an organic submission outcome.
func RecordOrganicSubmission(outcome string) {
	globalManager.organicSubmissions.WithLabelValues(outcome).Inc()
}

// RecordSyntheticRefill adds n payloads generated for a model.
func RecordSyntheticRefill(model string, n int) {
	globalManager.syntheticRefilled.WithLabelValues(model).Add(float64(n))
}

// HTTP

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// System

// UpdateSystemMemoryUsage sets the heap memory in use in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RunSystemCollector samples runtime gauges every refresh interval until ctx is done.
func RunSystemCollector(ctx context.Context) {
	ticker := time.NewTicker(globalManager.refreshInterval)
	defer ticker.Stop()
	var ms runtime.MemStats
	for {
		runtime.ReadMemStats(&ms)
		UpdateSystemMemoryUsage(ms.HeapInuse)
		UpdateSystemGoroutineCount(runtime.NumGoroutine())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
