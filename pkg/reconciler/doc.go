/*
Package reconciler runs the periodic name-service audit of lifeguard.

Each pass drops the inventory cache, then audits every pool with
dns.Auditor: the pool alias against the addresses of its live members, and
each member's forward and reverse records. Findings are logged, counted in
metrics and published as dns.finding events. With fix enabled the auditor
corrects them in place.

The loop is best effort. A pool whose zone or VMs cannot be read is skipped
for that pass and reported in the joined error; the next tick tries again.

The same entry points back the audit-dns command:

	r := reconciler.NewReconciler(store, cache, directoryFor, broker, time.Hour, false)
	logs, err := r.AuditAll(ctx, fix)
*/
package reconciler
