package workflow

import (
	"context"
	"time"

	"github.com/cuemby/lifeguard/pkg/types"
)

// ChangeRequest describes a change to open
type ChangeRequest struct {
	Summary     string
	Description string
	Reason      string
	WindowStart time.Time
	WindowEnd   time.Time
}

// SubUnitRequest describes one child work item of a change
type SubUnitRequest struct {
	Summary     string
	Description string
}

// Resolution is the closing resolution of a change or sub-unit
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionCompleted Resolution = "completed"
	ResolutionCancelled Resolution = "cancelled"
)

// TransitionOptions carries the optional fields set during a transition
type TransitionOptions struct {
	Comment    string
	Resolution Resolution

	// Successful selects the resolution detail; ignored without a Resolution
	Successful bool

	Started  time.Time
	Finished time.Time

	// AsApprover performs the transition with the approver identity
	AsApprover bool
}

// Tracker is the external change-management workflow
type Tracker interface {
	CreateChange(ctx context.Context, req ChangeRequest) (string, error)
	CreateSubUnit(ctx context.Context, parentKey string, req SubUnitRequest) (string, error)
	LinkService(ctx context.Context, key, serviceKey string) error
	Comment(ctx context.Context, key, body string) error
	Attach(ctx context.Context, key, name string, content []byte) error
	ReadArtifact(ctx context.Context, artifact Artifact) ([]byte, error)

	// Transition moves a change or sub-unit. Rejections are returned as
	// errors; AvailableTransitions explains them.
	Transition(ctx context.Context, key string, t Transition, opts TransitionOptions) error
	AvailableTransitions(ctx context.Context, key string) (map[string]string, error)

	// GetChange reads a change with its sub-units and their artifacts
	GetChange(ctx context.Context, key string) (*Change, error)

	// CreateIncident opens a freeform defect and returns its key
	CreateIncident(ctx context.Context, incident types.Incident) (string, error)
}
