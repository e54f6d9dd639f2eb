package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for Ply
type Metrics struct {
	// Notification bus metrics
	BusPublishesTotal     *prometheus.CounterVec
	BusDeliveriesTotal    prometheus.Counter
	BusHandlerFailures    *prometheus.CounterVec
	BusSubscriptionsGauge prometheus.Gauge

	// Gateway metrics
	AjaxRequestsTotal   *prometheus.CounterVec
	AjaxRequestDuration *prometheus.HistogramVec
	AjaxInflight        prometheus.Gauge
	AjaxGroupsSettled   *prometheus.CounterVec

	// View metrics
	ViewsStartedTotal  *prometheus.CounterVec
	ViewsActive        prometheus.Gauge
	ViewsDisposedTotal prometheus.Counter

	// Error boundary metrics
	ErrorsReportedTotal *prometheus.CounterVec

	// Collector API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	JournalRecords     prometheus.Counter

	// Journal metrics
	JournalOperations        *prometheus.CounterVec
	JournalOperationDuration *prometheus.HistogramVec
	JournalCacheHits         *prometheus.CounterVec

	// Notification stream metrics
	StreamConnectionsActive prometheus.Gauge
	StreamFramesPublished   *prometheus.CounterVec
	StreamFlushDelay        prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Notification bus metrics
	m.BusPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_bus_publishes_total",
			Help: "Total number of notifications published",
		},
		[]string{"delivered"},
	)

	m.BusDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ply_bus_deliveries_total",
			Help: "Total number of handler invocations",
		},
	)

	m.BusHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_bus_handler_failures_total",
			Help: "Total number of handlers that returned an error or panicked",
		},
		[]string{"reason"},
	)

	m.BusSubscriptionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ply_bus_subscriptions",
			Help: "Number of live notification subscriptions",
		},
	)

	// Gateway metrics
	m.AjaxRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_ajax_requests_total",
			Help: "Total number of gateway requests by result",
		},
		[]string{"method", "result"},
	)

	m.AjaxRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ply_ajax_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method"},
	)

	m.AjaxInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ply_ajax_inflight",
			Help: "Number of gateway requests awaiting a response",
		},
	)

	m.AjaxGroupsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_ajax_groups_settled_total",
			Help: "Total number of synchronization groups settled by outcome",
		},
		[]string{"outcome"},
	)

	// View metrics
	m.ViewsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_views_started_total",
			Help: "Total number of view start attempts by result",
		},
		[]string{"result"},
	)

	m.ViewsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ply_views_active",
			Help: "Number of active view instances",
		},
	)

	m.ViewsDisposedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ply_views_disposed_total",
			Help: "Total number of view instances disposed",
		},
	)

	// Error boundary metrics
	m.ErrorsReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_errors_reported_total",
			Help: "Total number of errors forwarded to the error boundary",
		},
		[]string{"kind", "fatal"},
	)

	// Collector API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_api_requests_total",
			Help: "Total number of collector API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ply_api_request_duration_seconds",
			Help:    "Collector API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "route"},
	)

	m.JournalRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ply_journal_records_total",
			Help: "Total number of client error records stored",
		},
	)

	// Journal metrics
	m.JournalOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_journal_operations_total",
			Help: "Total number of journal operations",
		},
		[]string{"operation", "success"},
	)

	m.JournalOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ply_journal_operation_duration_seconds",
			Help:    "Journal operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.JournalCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_journal_cache_lookups_total",
			Help: "Journal entry cache lookups by result",
		},
		[]string{"result"},
	)

	// Notification stream metrics
	m.StreamConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ply_stream_connections_active",
			Help: "Number of active notification stream connections",
		},
	)

	m.StreamFramesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ply_stream_frames_published_total",
			Help: "Total number of notification frames sent to stream clients",
		},
		[]string{"transport"},
	)

	m.StreamFlushDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ply_stream_flush_delay_seconds",
			Help:    "Time spent flushing the broadcast buffer",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
	)

	return m
}
