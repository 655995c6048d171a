package types

import (
	"fmt"
	"time"
)

// Zone is a compute zone: one compute API endpoint plus the name-service
// master that holds the forward and reverse records of its VMs.
type Zone struct {
	Number            int
	Name              string
	ComputeEndpoint   string
	SessionCredential string
	Template          string
	Vars              string
	DDNSMaster        string
	DDNSDomain        string
	ForwardKey        TSIGKey
	ReverseKey        TSIGKey
}

// TSIGKey authenticates dynamic updates against a name-service zone
type TSIGKey struct {
	Name      string
	Secret    string
	Algorithm string
}

// Cluster is a group of hypervisors inside a zone
type Cluster struct {
	ID         int
	ZoneNumber int
	Name       string
	Template   string
	Vars       string
}

// Pool is a named, sized collection of VM memberships in one cluster
type Pool struct {
	ID          string
	Name        string
	ZoneNumber  int
	ClusterID   int
	Cardinality int
	Template    string
	Vars        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the operator supplied fields of a pool
func (p *Pool) Validate() error {
	if p.ID == "" {
		return NewValidationError("pool id is required")
	}
	if p.Name == "" {
		return NewValidationError("pool %s: name is required", p.ID)
	}
	if p.Cardinality < 0 {
		return NewValidationError("pool %s: cardinality %d must be >= 0", p.Name, p.Cardinality)
	}
	return nil
}

// UncompiledTemplate marks a membership created before template snapshots
// were recorded. Such members are never flagged for update.
const UncompiledTemplate = ""

// Membership associates one provisioned VM with a pool
type Membership struct {
	PoolID    string
	VMID      string
	Name      string
	Template  string
	CreatedAt time.Time
}

// VM is a virtual machine as reported by the compute API
type VM struct {
	ID        string
	Name      string
	IP        string
	ClusterID int
	StateID   int
}

// Terminated reports whether the compute API considers the VM gone
func (v *VM) Terminated() bool {
	return v.StateID >= VMStateDone
}

// VMStateDone is the first compute state at which a VM no longer runs
const VMStateDone = 4

// ActionKind is the elasticity action a change ticket performs
type ActionKind string

const (
	ActionExpand ActionKind = "expand"
	ActionShrink ActionKind = "shrink"
	ActionUpdate ActionKind = "update"
)

// ParseActionKind converts a stored or user supplied action name
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionExpand, ActionShrink, ActionUpdate:
		return ActionKind(s), nil
	}
	return "", NewValidationError("unsupported action %q", s)
}

// Outcome is the terminal result of a change ticket
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ChangeTicket couples a requested elasticity action to an external
// workflow ticket. At most one pending ticket exists per pool.
type ChangeTicket struct {
	ID         string
	PoolID     string
	Key        string
	Action     ActionKind
	Outcome    Outcome
	TaskID     string
	Reason     string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Done reports whether the ticket reached a terminal outcome
func (t *ChangeTicket) Done() bool {
	return t.Outcome != "" && t.Outcome != OutcomePending
}

// TaskStatus is the lifecycle state of a background run
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusFinished TaskStatus = "finished"
)

// TaskResult is set once a task is finished
type TaskResult string

const (
	TaskResultSuccess TaskResult = "success"
	TaskResultFail    TaskResult = "fail"
)

// Task is the durable record of one background orchestration run
type Task struct {
	ID          string
	Name        string
	Owner       string
	Description string
	Status      TaskStatus
	Result      TaskResult
	Log         string
	Trace       string
	IncidentKey string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Finished reports whether the task reached a terminal state
func (t *Task) Finished() bool {
	return t.Status == TaskStatusFinished
}

// Elapsed returns how long the task has been (or was) running
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	if !t.FinishedAt.IsZero() {
		return t.FinishedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}

// DiagnosticRecord is the persisted outcome of one member health check,
// written once per retry cycle rather than once per attempt.
type DiagnosticRecord struct {
	ID          string
	PoolID      string
	VMID        string
	Host        string
	Command     string
	Started     time.Time
	Finished    time.Time
	Stdout      string
	Stderr      string
	ExitCode    int
	Interrupted bool
}

// Succeeded reports whether the check exited cleanly within its timeout
func (d *DiagnosticRecord) Succeeded() bool {
	return d.ExitCode == 0 && !d.Interrupted
}

// AppliedArtifact records that a sub-unit artifact was already executed so
// that reprocessing the same change does not repeat its create or destroy.
type AppliedArtifact struct {
	ChangeKey  string
	SubUnitKey string
	Name       string
	VMID       string
	AppliedAt  time.Time
}

// ArtifactID is the stable correlation key of an artifact within a change
func ArtifactID(changeKey, artifactName string) string {
	return fmt.Sprintf("%s/%s", changeKey, artifactName)
}

// ID returns the correlation key of the applied artifact
func (a *AppliedArtifact) ID() string {
	return ArtifactID(a.ChangeKey, a.Name)
}

// Incident is a freeform defect record raised in the workflow tracker
type Incident struct {
	Owner       string
	Summary     string
	Description string
}
