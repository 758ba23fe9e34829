package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish metrics

	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_messages_published_total",
			Help: "Total number of messages published to org request exchanges",
		},
		[]string{"org_id", "priority"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentqueue_publish_duration_seconds",
			Help:    "Publish confirm latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"org_id"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_rate_limited_total",
			Help: "Total number of publish admissions denied by the rate limiter",
		},
		[]string{"org_id"},
	)

	InFlightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentqueue_in_flight",
			Help: "Number of deliveries currently held by an org's in-flight lease",
		},
		[]string{"org_id"},
	)

	// Consumer / lifecycle metrics

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_messages_processed_total",
			Help: "Total number of messages reaching a terminal or retry decision",
		},
		[]string{"org_id", "status"},
	)

	DuplicatesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_duplicates_skipped_total",
			Help: "Total number of redeliveries short-circuited by the idempotency store",
		},
		[]string{"org_id"},
	)

	RetryScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_retry_scheduled_total",
			Help: "Total number of messages republished via the retry scheduler",
		},
		[]string{"org_id"},
	)

	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_dead_lettered_total",
			Help: "Total number of messages routed to a DLQ",
		},
		[]string{"org_id", "reason"},
	)

	QuarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_quarantined_total",
			Help: "Total number of messages quarantined by poison detection",
		},
		[]string{"org_id"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentqueue_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"org_id", "type"},
	)

	// Idempotency / poison fail-open observability

	FailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_fail_open_total",
			Help: "Total number of idempotency/poison backend errors resolved fail-open",
		},
		[]string{"component"},
	)

	// Audit batcher metrics

	AuditEventsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentqueue_audit_events_enqueued_total",
			Help: "Total number of audit events accepted into the batcher queue",
		},
	)

	AuditQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentqueue_audit_queue_dropped_total",
			Help: "Total number of audit events dropped because the queue was full",
		},
	)

	AuditWriteFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_audit_write_failed_total",
			Help: "Total number of audit batches dropped after exhausting write retries",
		},
		[]string{"table"},
	)

	AuditBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentqueue_audit_batch_size",
			Help:    "Size of audit batches written per destination table",
			Buckets: prometheus.LinearBuckets(0, 10, 10),
		},
		[]string{"table"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentqueue_audit_queue_depth",
			Help: "Current number of events buffered in the audit batcher",
		},
	)

	// Retention metrics

	DLQPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_dlq_purged_total",
			Help: "Total number of DLQ rows purged by retention",
		},
		[]string{"org_id"},
	)

	IdempotencyPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_idempotency_purged_total",
			Help: "Total number of idempotency key rows purged by retention",
		},
		[]string{"org_id"},
	)

	// Database metrics

	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentqueue_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// HTTP (admin API) metrics

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentqueue_http_requests_total",
			Help: "Total number of admin API HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentqueue_http_request_duration_seconds",
			Help:    "Admin API HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// RecordHTTPRequest records an admin API HTTP request.
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordPublish records a successful publish to an org's request exchange.
func RecordPublish(orgID, priority string, duration float64) {
	MessagesPublishedTotal.WithLabelValues(orgID, priority).Inc()
	PublishDuration.WithLabelValues(orgID).Observe(duration)
}

// RecordRateLimited records a publish admission denial.
func RecordRateLimited(orgID string) {
	RateLimitedTotal.WithLabelValues(orgID).Inc()
}

// RecordProcessed records a message reaching a terminal or retry decision.
func RecordProcessed(orgID, status string) {
	MessagesProcessedTotal.WithLabelValues(orgID, status).Inc()
}

// RecordFailOpen records an idempotency/poison backend error resolved
// fail-open, so operators can detect a degraded backend per spec §9.
func RecordFailOpen(component string) {
	FailOpenTotal.WithLabelValues(component).Inc()
}

// RecordDatabaseOperation records a database operation.
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}
