package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is wrapped by every store lookup miss
	ErrNotFound = errors.New("not found")

	// ErrPendingTicket is returned when a pool already has an outstanding change
	ErrPendingTicket = errors.New("pool already has a pending change ticket")

	// ErrBudgetExhausted is returned when the next retry would overrun the
	// policy lifetime
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrDiagnosticFailed is returned once a health check exhausted its retries
	ErrDiagnosticFailed = errors.New("diagnostic failed after exhausting retries")
)

// ValidationError reports bad input detected before any external side effect
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError formats a ValidationError
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientInfraError is a remote failure worth retrying
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error {
	return e.Err
}

// WorkflowStateError is raised when the tracker rejects a transition
type WorkflowStateError struct {
	Key       string
	From      string
	Target    string
	Available map[string]string
	Err       error
}

func (e *WorkflowStateError) Error() string {
	ids := make([]string, 0, len(e.Available))
	for id := range e.Available {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	avail := make([]string, 0, len(ids))
	for _, id := range ids {
		avail = append(avail, fmt.Sprintf("%s=%s", id, e.Available[id]))
	}
	return fmt.Sprintf("cannot transition %s in status %s to %s (available: %s): %v",
		e.Key, e.From, e.Target, strings.Join(avail, ", "), e.Err)
}

func (e *WorkflowStateError) Unwrap() error {
	return e.Err
}

// ProvisioningError is raised when the compute API rejects a create or destroy
type ProvisioningError struct {
	Op   string
	VMID string
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.VMID != "" {
		return fmt.Sprintf("provisioning %s of vm %s failed: %v", e.Op, e.VMID, e.Err)
	}
	return fmt.Sprintf("provisioning %s failed: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// FatalConfigError prevents a run from starting
type FatalConfigError struct {
	Reason string
	Err    error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %v", e.Reason, e.Err)
	}
	return "invalid configuration: " + e.Reason
}

func (e *FatalConfigError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is, or wraps, a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
