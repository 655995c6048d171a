package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeguard_pools_total",
			Help: "Total number of managed pools",
		},
	)

	PoolMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifeguard_pool_members",
			Help: "Number of members per pool",
		},
		[]string{"pool"},
	)

	PoolCardinality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifeguard_pool_cardinality",
			Help: "Target member count per pool",
		},
		[]string{"pool"},
	)

	PendingTickets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeguard_pending_tickets",
			Help: "Number of change tickets awaiting execution",
		},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifeguard_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// Workflow metrics
	PlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_plans_total",
			Help: "Change tickets opened by action",
		},
		[]string{"action"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_executions_total",
			Help: "Change executions by action and result",
		},
		[]string{"action", "result"},
	)

	CancellationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifeguard_cancellation_failures_total",
			Help: "Cancellation cascades that left at least one item open",
		},
	)

	// Provisioning metrics
	ProvisioningCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_provisioning_calls_total",
			Help: "Compute create and destroy calls by result",
		},
		[]string{"op", "result"},
	)

	// Diagnostic metrics
	DiagnosticsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_diagnostics_total",
			Help: "Member health checks by result",
		},
		[]string{"result"},
	)

	DiagnosticDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifeguard_diagnostic_duration_seconds",
			Help:    "Duration of one health check retry cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// DNS metrics
	DNSFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_dns_findings_total",
			Help: "Name-service findings by check",
		},
		[]string{"check"},
	)

	DNSCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_dns_corrections_total",
			Help: "Name-service corrections by check and result",
		},
		[]string{"check", "result"},
	)

	// Task metrics
	TaskResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeguard_task_results_total",
			Help: "Finished background tasks by result",
		},
		[]string{"result"},
	)

	IncidentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifeguard_incidents_total",
			Help: "Incidents raised in the workflow tracker",
		},
	)

	// Scheduler metrics
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifeguard_cycle_duration_seconds",
			Help:    "Time taken to process every pool once in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	PoolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifeguard_pool_errors_total",
			Help: "Per-pool processing failures",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolMembers)
	prometheus.MustRegister(PoolCardinality)
	prometheus.MustRegister(PendingTickets)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(PlansTotal)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(CancellationFailures)
	prometheus.MustRegister(ProvisioningCalls)
	prometheus.MustRegister(DiagnosticsTotal)
	prometheus.MustRegister(DiagnosticDuration)
	prometheus.MustRegister(DNSFindingsTotal)
	prometheus.MustRegister(DNSCorrectionsTotal)
	prometheus.MustRegister(TaskResults)
	prometheus.MustRegister(IncidentsTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(PoolErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "success"/"fail" label value
func Result(err error) string {
	if err != nil {
		return "fail"
	}
	return "success"
}
