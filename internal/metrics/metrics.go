package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Mint pipeline metrics
	MintTotal        *prometheus.CounterVec
	MintDuration     *prometheus.HistogramVec
	SuffixCollisions prometheus.Counter

	// DOI registry call metrics
	RegistryCallTotal    *prometheus.CounterVec
	RegistryCallDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Usage stat recording metrics
	StatRecordTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Mint pipeline metrics. The outcome label distinguishes newly minted
		// DOIs from reuse hits and failures.
		MintTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doi_mint_total",
			Help: "Total number of DOI mint attempts",
		}, []string{"outcome"}),

		MintDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doi_mint_duration_seconds",
			Help:    "DOI mint pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		SuffixCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doi_suffix_collisions_total",
			Help: "Total number of generated DOI suffixes discarded due to collision",
		}),

		// DOI registry call metrics
		RegistryCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_calls_total",
			Help: "Total number of DOI registry API calls",
		}, []string{"operation", "status"}),

		RegistryCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_call_duration_seconds",
			Help:    "DOI registry API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Storage operation metrics
		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Event publishing metrics
		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		// Usage stat recording metrics
		StatRecordTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doi_stat_records_total",
			Help: "Total number of usage stats recorded against DOIs",
		}, []string{"action", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.MintTotal)
	registerOrGet(m.MintDuration)
	registerOrGet(m.SuffixCollisions)
	registerOrGet(m.RegistryCallTotal)
	registerOrGet(m.RegistryCallDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.StatRecordTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
