/*
Package types defines the data model shared by every lifeguard package.

The model is small: zones and clusters describe where VMs live, a Pool is a
named and sized group of VMs in one cluster, and a Membership ties one
provisioned VM to its pool together with the template text it was built
from. A ChangeTicket couples a requested elasticity action (expand, shrink
or update) to an external change-management ticket; a Task is the durable
record of one background run; a DiagnosticRecord keeps the result of one
member health check.

# Invariants

  - Pool.Cardinality is never negative (see Pool.Validate).
  - A VM identifier belongs to at most one Membership.
  - A pool has at most one ChangeTicket whose Outcome is OutcomePending.
    Stores enforce this on write and return ErrPendingTicket.

# Errors

Failures are classified with the typed errors in errors.go so callers can
branch with errors.As: ValidationError for local input problems,
TransientInfraError for retryable remote failures, WorkflowStateError when
the tracker refuses a transition, ProvisioningError when the compute API
refuses a create or destroy, and FatalConfigError at startup.
*/
package types
