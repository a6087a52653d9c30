package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_ticks_total",
			Help: "Total number of scheduler ticks per mailbox",
		},
		[]string{"mailbox", "result"}, // result: success, failed, skipped
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaser_tick_duration_seconds",
			Help:    "Duration of scheduler ticks in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"mailbox"},
	)

	PollBackoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaser_poll_backoff_seconds",
			Help: "Current poll interval after backoff, per mailbox",
		},
		[]string{"mailbox"},
	)

	RecordsExamined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_records_examined_total",
			Help: "Total number of tracked emails examined during ticks",
		},
		[]string{"mailbox"},
	)

	InboundFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_inbound_fetched_total",
			Help: "Total number of inbound messages fetched from mailboxes",
		},
		[]string{"mailbox"},
	)

	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_transport_errors_total",
			Help: "Total number of transport errors by kind",
		},
		[]string{"mailbox", "operation", "kind"}, // operation: poll, send; kind: auth, network, protocol
	)
)

// Reply detection and classification metrics
var (
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_classifications_total",
			Help: "Total number of inbound message classifications",
		},
		[]string{"verdict", "signal"}, // verdict: genuine, automated, unrelated; signal: header, pattern, body, none
	)

	RepliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_replies_detected_total",
			Help: "Total number of genuine replies matched to tracked emails",
		},
		[]string{"mailbox", "match"}, // match: message_id, thread, sender_subject
	)

	AutoRepliesIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_auto_replies_ignored_total",
			Help: "Total number of automated responses discarded during correlation",
		},
		[]string{"mailbox"},
	)
)

// Reminder metrics
var (
	RemindersSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_reminders_sent_total",
			Help: "Total number of reminder send attempts",
		},
		[]string{"mailbox", "result"}, // result: success, duplicate, failure
	)

	ReminderSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaser_reminder_send_duration_seconds",
			Help:    "Duration of reminder submissions in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"mailbox"},
	)

	FollowupsExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_followups_exhausted_total",
			Help: "Total number of follow-ups that ran out of reminders without a reply",
		},
		[]string{"mailbox"},
	)

	FollowupsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaser_followups_by_state",
			Help: "Current number of tracked emails by state",
		},
		[]string{"state"}, // pending, replied, exhausted, cancelled
	)

	FollowupsDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaser_followups_due",
			Help: "Number of pending follow-ups whose next action time has passed",
		},
	)

	TemplateRenders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_template_renders_total",
			Help: "Total number of reminder template renders",
		},
		[]string{"template", "result"}, // result: success, failure
	)
)

// Command queue metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_commands_total",
			Help: "Total number of user commands processed between ticks",
		},
		[]string{"type", "result"}, // result: applied, rejected, dropped
	)

	CommandQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaser_command_queue_depth",
			Help: "Number of queued user commands awaiting the next tick",
		},
		[]string{"mailbox"},
	)
)

// Send journal metrics
var (
	JournalDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaser_journal_depth",
			Help: "Number of send journal entries by state",
		},
		[]string{"state"}, // inflight, accepted, failed
	)

	JournalOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_journal_operations_total",
			Help: "Total number of send journal operations",
		},
		[]string{"operation", "result"}, // operation: begin, accept, fail, clear, lookup; result: success, error
	)

	JournalOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaser_journal_operation_duration_seconds",
			Help:    "Duration of send journal operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)
)

// Archive storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_s3_operations_total",
			Help: "Total number of S3 archive operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaser_s3_operation_duration_seconds",
			Help:    "Duration of S3 archive operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	S3UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_s3_upload_attempts_total",
			Help: "Total number of S3 archive upload attempts",
		},
		[]string{"result"},
	)
)

// Admin API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaser_http_request_duration_seconds",
			Help:    "Duration of admin API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"method", "route"},
	)
)

// Health status metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaser_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaser_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component"},
	)
)

// Retention metrics
var (
	RetentionSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_retention_sweeps_total",
			Help: "Total number of retention sweeps",
		},
		[]string{"result"},
	)

	RetentionPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaser_retention_purged_total",
			Help: "Total number of rows purged by retention sweeps",
		},
		[]string{"table"},
	)
)

// Deployment-wide gauges
var (
	MailboxesConfigured = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaser_mailboxes_configured",
			Help: "Number of mailboxes under management",
		},
	)
)
