/*
Package coordinator drives pool changes through the external change
workflow.

A pool run has two phases. Planning compares the pool against its members
(see Propose), opens a change request with one sub-unit per batch of work,
attaches one provisioning template per subject and walks everything to
approved, using the approver identity for approvals. Implementation looks
at the pool's pending ticket: an expired change is cancelled, a ready change
inside its window is executed as a background task, anything else waits for
the next cycle.

Cancellation is a cascade over the change and its sub-units. Items already
closed or cancelled are skipped and failures are collected, so a cascade can
be repeated safely.

Bypass mode executes a pending change immediately, comments instead of
transitioning, and cancels the change afterwards so the audit trail stays in
the tracker.
*/
package coordinator
