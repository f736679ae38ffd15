package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_connections_total",
			Help: "Total number of connections accepted",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trove_connections_current",
			Help: "Current number of open connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_connections_rejected_total",
			Help: "Connections refused because a limit was reached",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trove_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_authentication_attempts_total",
			Help: "Authentication attempts by outcome (success, invalid, unavailable, locked)",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_commands_total",
			Help: "Commands processed by protocol, command and status",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trove_command_duration_seconds",
			Help:    "Command processing time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"protocol", "command"},
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trove_message_size_bytes",
			Help:    "Size of messages received",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"protocol"},
	)
)

// Store metrics
var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_store_operations_total",
			Help: "Mailbox store operations by kind and status",
		},
		[]string{"operation", "status"},
	)

	MessagesExpunged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trove_messages_expunged_total",
			Help: "Messages permanently removed by EXPUNGE or POP3 UPDATE",
		},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trove_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "status"},
	)

	BlobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trove_blob_operation_duration_seconds",
			Help:    "Duration of blob storage operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	BlobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_blob_operations_total",
			Help: "Blob storage operations by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_cache_requests_total",
			Help: "Local blob cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)
)

// Delivery metrics
var (
	RecipientDispositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_recipient_dispositions_total",
			Help: "Per-recipient dispositions reported by the delivery pipeline",
		},
		[]string{"disposition"},
	)

	SieveExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_sieve_executions_total",
			Help: "Sieve filter executions by status",
		},
		[]string{"status"},
	)
)

// Relay metrics
var (
	RelayQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trove_relay_queue_depth",
			Help: "Messages in the relay queue by state",
		},
		[]string{"state"},
	)

	RelayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trove_relay_attempts_total",
			Help: "Outbound delivery attempts by result (success, transient, permanent)",
		},
		[]string{"result"},
	)

	RelayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trove_relay_duration_seconds",
			Help:    "Duration of outbound delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trove_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)
