package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	EventLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_event_log_size",
			Help: "Current number of events held in the bounded ring",
		},
	)

	PendingCommandsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_pending_commands_total",
			Help: "Current number of commands awaiting a terminal ack",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_scheduling_latency_seconds",
			Help:    "Time taken to pick a node for a VM in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_vms_scheduled_total",
			Help: "Total number of VMs successfully scheduled",
		},
	)

	VMsSchedulingFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_vms_scheduling_failed_total",
			Help: "Total number of VMs that failed scheduling, by reason",
		},
		[]string{"reason"},
	)

	// CommandBus metrics
	CommandsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_commands_issued_total",
			Help: "Total number of commands issued to nodes by type",
		},
		[]string{"type"},
	)

	CommandsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_commands_terminal_total",
			Help: "Total number of commands that reached a terminal outcome",
		},
		[]string{"type", "outcome"},
	)

	// Attestation metrics
	AttestationPausedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_attestation_billing_paused_total",
			Help: "Total number of times billing was paused due to attestation failure",
		},
	)

	AttestationResumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_attestation_billing_resumed_total",
			Help: "Total number of times billing was resumed after attestation recovery",
		},
	)

	AttestationFatalTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_attestation_fatal_total",
			Help: "Total number of VMs driven to Error by attestation fatal threshold",
		},
	)

	// Reputation metrics
	ReputationRecomputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_reputation_recompute_duration_seconds",
			Help:    "Time taken for a reputation recompute cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cleanup metrics
	CleanupPurgedVMsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_cleanup_purged_vms_total",
			Help: "Total number of long-deleted VMs purged by the cleanup loop",
		},
	)

	CleanupExpiredCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_cleanup_expired_commands_total",
			Help: "Total number of commands expired by the cleanup loop",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(EventLogSize)
	prometheus.MustRegister(PendingCommandsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(VMsScheduled)
	prometheus.MustRegister(VMsSchedulingFailed)
	prometheus.MustRegister(CommandsIssuedTotal)
	prometheus.MustRegister(CommandsTerminalTotal)
	prometheus.MustRegister(AttestationPausedTotal)
	prometheus.MustRegister(AttestationResumedTotal)
	prometheus.MustRegister(AttestationFatalTotal)
	prometheus.MustRegister(ReputationRecomputeDuration)
	prometheus.MustRegister(CleanupPurgedVMsTotal)
	prometheus.MustRegister(CleanupExpiredCommandsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
