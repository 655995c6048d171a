/*
Package metrics provides Prometheus metrics and health endpoints for the
lifeguard daemon.

All metrics are registered with the default registry at package init and
exposed through Handler. Names use the lifeguard_ prefix:

	lifeguard_pools_total                    gauge
	lifeguard_pool_members{pool}             gauge
	lifeguard_pool_cardinality{pool}         gauge
	lifeguard_pending_tickets                gauge
	lifeguard_tasks_total{status}            gauge
	lifeguard_plans_total{action}            counter
	lifeguard_executions_total{action,result} counter
	lifeguard_cancellation_failures_total    counter
	lifeguard_provisioning_calls_total{op,result} counter
	lifeguard_diagnostics_total{result}      counter
	lifeguard_diagnostic_duration_seconds    histogram
	lifeguard_dns_findings_total{check}      counter
	lifeguard_dns_corrections_total{check,result} counter
	lifeguard_task_results_total{result}     counter
	lifeguard_incidents_total                counter
	lifeguard_cycle_duration_seconds         histogram
	lifeguard_pool_errors_total              counter

The gauges are refreshed from the store by a Collector; counters are
incremented inline by the components that own the events.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)

# Health

Components report their state with UpdateComponent. GetReadiness only
considers the components named by SetCritical ("store" by default).
NewServeMux wires /metrics, /health and /ready.
*/
package metrics
