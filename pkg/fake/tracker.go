package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/cuemby/lifeguard/pkg/workflow"
)

// TransitionCall records one Transition request
type TransitionCall struct {
	Key        string
	Transition workflow.Transition
	Opts       workflow.TransitionOptions
}

type issue struct {
	key       string
	parent    string
	summary   string
	status    workflow.State
	start     time.Time
	end       time.Time
	children  []string
	artifacts map[string][]byte
}

// Tracker is an in-memory workflow tracker. Approving a change schedules
// it; every other transition moves straight to the target state.
type Tracker struct {
	mu     sync.Mutex
	issues map[string]*issue
	next   int

	Transitions []TransitionCall
	Incidents   []types.Incident
	Links       map[string]string
	Comments    map[string][]string
	Requests    map[string]workflow.ChangeRequest

	// Reject makes a transition fail
	Reject map[workflow.Transition]error
	// FailCreate makes CreateChange fail
	FailCreate error
}

// NewTracker returns an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		issues:   map[string]*issue{},
		next:     1,
		Links:    map[string]string{},
		Comments: map[string][]string{},
		Requests: map[string]workflow.ChangeRequest{},
		Reject:   map[workflow.Transition]error{},
	}
}

var targets = map[workflow.Transition]workflow.State{
	workflow.ChangePlanning:             workflow.StatePlanning,
	workflow.ChangePlanned:              workflow.StatePlanned,
	workflow.ChangeApproved:             workflow.StateScheduled,
	workflow.ChangeImplementation:       workflow.StateImplementing,
	workflow.ChangeClose:                workflow.StateClosed,
	workflow.ChangeScheduledToCancelled: workflow.StateCancelled,
	workflow.ChangeCancelled:            workflow.StateCancelled,
	workflow.SubUnitPlanning:            workflow.StatePlanning,
	workflow.SubUnitWritten:             workflow.StateWritten,
	workflow.SubUnitApproved:            workflow.StateApproved,
	workflow.SubUnitImplementation:      workflow.StateImplementing,
	workflow.SubUnitClosed:              workflow.StateClosed,
	workflow.SubUnitCancelled:           workflow.StateCancelled,
}

func (t *Tracker) newKey(prefix string) string {
	key := fmt.Sprintf("%s-%d", prefix, t.next)
	t.next++
	return key
}

func (t *Tracker) CreateChange(_ context.Context, req workflow.ChangeRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailCreate != nil {
		return "", t.FailCreate
	}
	key := t.newKey("CRQ")
	t.issues[key] = &issue{
		key:       key,
		summary:   req.Summary,
		start:     req.WindowStart,
		end:       req.WindowEnd,
		artifacts: map[string][]byte{},
	}
	t.Requests[key] = req
	return key, nil
}

func (t *Tracker) CreateSubUnit(_ context.Context, parentKey string, req workflow.SubUnitRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.issues[parentKey]
	if !ok {
		return "", fmt.Errorf("issue %s: %w", parentKey, types.ErrNotFound)
	}
	key := t.newKey("CRQ")
	t.issues[key] = &issue{key: key, parent: parentKey, summary: req.Summary, artifacts: map[string][]byte{}}
	parent.children = append(parent.children, key)
	return key, nil
}

func (t *Tracker) LinkService(_ context.Context, key, serviceKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Links[key] = serviceKey
	return nil
}

func (t *Tracker) Comment(_ context.Context, key, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Comments[key] = append(t.Comments[key], body)
	return nil
}

func (t *Tracker) Attach(_ context.Context, key, name string, content []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.issues[key]
	if !ok {
		return fmt.Errorf("issue %s: %w", key, types.ErrNotFound)
	}
	i.artifacts[name] = append([]byte(nil), content...)
	return nil
}

func (t *Tracker) ReadArtifact(_ context.Context, a workflow.Artifact) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.issues[a.ID]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", a.ID, types.ErrNotFound)
	}
	content, ok := i.artifacts[a.Name]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", a.Name, types.ErrNotFound)
	}
	return content, nil
}

func (t *Tracker) Transition(_ context.Context, key string, tr workflow.Transition, opts workflow.TransitionOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Transitions = append(t.Transitions, TransitionCall{Key: key, Transition: tr, Opts: opts})
	if opts.Comment != "" {
		t.Comments[key] = append(t.Comments[key], opts.Comment)
	}
	if err, ok := t.Reject[tr]; ok {
		return err
	}
	i, ok := t.issues[key]
	if !ok {
		return fmt.Errorf("issue %s: %w", key, types.ErrNotFound)
	}
	i.status = targets[tr]
	return nil
}

func (t *Tracker) AvailableTransitions(context.Context, string) (map[string]string, error) {
	return map[string]string{"1": "Cancel"}, nil
}

func (t *Tracker) GetChange(_ context.Context, key string) (*workflow.Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.issues[key]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", key, types.ErrNotFound)
	}
	c := &workflow.Change{
		Key:         i.key,
		Summary:     i.summary,
		Status:      i.status,
		RawStatus:   string(i.status),
		WindowStart: i.start,
		WindowEnd:   i.end,
	}
	for _, childKey := range i.children {
		child := t.issues[childKey]
		sub := workflow.SubUnit{Key: child.key, Summary: child.summary, Status: child.status, RawStatus: string(child.status)}
		names := make([]string, 0, len(child.artifacts))
		for name := range child.artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sub.Artifacts = append(sub.Artifacts, workflow.Artifact{ID: child.key, Name: name})
		}
		c.SubUnits = append(c.SubUnits, sub)
	}
	return c, nil
}

func (t *Tracker) CreateIncident(_ context.Context, incident types.Incident) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Incidents = append(t.Incidents, incident)
	return fmt.Sprintf("OPS-%d", len(t.Incidents)), nil
}

// SetStatus forces the state of a change or sub-unit
func (t *Tracker) SetStatus(key string, state workflow.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.issues[key]; ok {
		i.status = state
	}
}

// SetWindow moves the window of a change
func (t *Tracker) SetWindow(key string, start, end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.issues[key]; ok {
		i.start, i.end = start, end
	}
}

// Status returns the current state of key
func (t *Tracker) Status(key string) workflow.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.issues[key]; ok {
		return i.status
	}
	return workflow.StateUnknown
}

// Called lists the transitions requested on key, in order
func (t *Tracker) Called(key string) []workflow.Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []workflow.Transition
	for _, c := range t.Transitions {
		if c.Key == key {
			out = append(out, c.Transition)
		}
	}
	return out
}

// IncidentCount returns how many incidents were opened
func (t *Tracker) IncidentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Incidents)
}
