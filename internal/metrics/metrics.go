package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcript_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Pipeline Metrics
	AcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_acquisitions_total",
			Help: "Total number of pipeline runs by final source",
		},
		[]string{"source"},
	)

	AcquisitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcript_acquisition_duration_seconds",
			Help:    "Wall clock time of a pipeline run",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 45, 60, 120, 180},
		},
		[]string{"source"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_attempts_total",
			Help: "Total number of strategy attempts by outcome",
		},
		[]string{"strategy", "outcome", "proxied"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcript_attempt_duration_seconds",
			Help:    "Strategy attempt latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"strategy"},
	)

	// Breaker Metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcript_breaker_state",
			Help: "Circuit breaker state per strategy (0=closed, 1=half_open, 2=open)",
		},
		[]string{"strategy"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions",
		},
		[]string{"strategy", "to_state"},
	)

	// Proxy Metrics
	ProxySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcript_proxy_sessions_active",
			Help: "Number of live sticky proxy sessions",
		},
	)

	ProxyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_proxy_events_total",
			Help: "Total number of proxy session events",
		},
		[]string{"event"},
	)

	// Browser Metrics
	BrowserContexts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcript_browser_contexts",
			Help: "Number of pooled browser contexts",
		},
		[]string{"state"},
	)

	BrowserEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_browser_evictions_total",
			Help: "Total number of evicted browser contexts",
		},
		[]string{"reason"},
	)

	BrowserDOMFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_browser_dom_fallback_total",
			Help: "Total number of DOM polling fallbacks after interception timeout",
		},
		[]string{"result"},
	)

	// Job Metrics
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_jobs_completed_total",
			Help: "Total number of completed jobs",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcript_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	VideosInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcript_videos_in_progress",
			Help: "Number of video pipelines currently running",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcript_queue_depth",
			Help: "Number of messages waiting in a queue",
		},
		[]string{"queue"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"tier"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// breakerStateValues maps breaker state names to gauge values
var breakerStateValues = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordAcquisition records a finished pipeline run
func RecordAcquisition(source string, duration float64) {
	AcquisitionsTotal.WithLabelValues(source).Inc()
	AcquisitionDuration.WithLabelValues(source).Observe(duration)
}

// RecordAttempt records a single strategy attempt
func RecordAttempt(strategy, outcome string, proxied bool, duration float64) {
	p := "false"
	if proxied {
		p = "true"
	}
	AttemptsTotal.WithLabelValues(strategy, outcome, p).Inc()
	AttemptDuration.WithLabelValues(strategy).Observe(duration)
}

// RecordBreakerTransition records a breaker state change
func RecordBreakerTransition(strategy, to string) {
	BreakerTransitionsTotal.WithLabelValues(strategy, to).Inc()
	if v, ok := breakerStateValues[to]; ok {
		BreakerState.WithLabelValues(strategy).Set(v)
	}
}

// RecordProxyEvent records a proxy session event
func RecordProxyEvent(event string) {
	ProxyEventsTotal.WithLabelValues(event).Inc()
}

// UpdateProxySessions sets the number of live proxy sessions
func UpdateProxySessions(n int) {
	ProxySessionsActive.Set(float64(n))
}

// UpdateBrowserContexts sets the pooled browser context gauges
func UpdateBrowserContexts(idle, inUse int) {
	BrowserContexts.WithLabelValues("idle").Set(float64(idle))
	BrowserContexts.WithLabelValues("in_use").Set(float64(inUse))
}

// RecordBrowserEviction records an evicted browser context
func RecordBrowserEviction(reason string) {
	BrowserEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordDOMFallback records a DOM polling fallback result
func RecordDOMFallback(found bool) {
	if found {
		BrowserDOMFallbackTotal.WithLabelValues("found").Inc()
	} else {
		BrowserDOMFallbackTotal.WithLabelValues("empty").Inc()
	}
}

// RecordJobCompleted records a job completion
func RecordJobCompleted(status string) {
	JobsCompletedTotal.WithLabelValues(status).Inc()
}

// UpdateQueueDepth sets the depth gauge of a queue
func UpdateQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(tier).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(tier).Inc()
	}
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
