package workflow

import (
	"strings"
	"time"
)

// TimeFormat is the layout the tracker uses for date-time custom fields
const TimeFormat = "2006-01-02T15:04:05.000-0700"

// State is the lifecycle state of a change or one of its sub-units,
// independent of the tracker's raw status names.
type State string

const (
	StateUnknown      State = ""
	StatePlanning     State = "planning"
	StateWritten      State = "written"
	StateApproved     State = "approved"
	StatePlanned      State = "planned"
	StateScheduled    State = "scheduled"
	StateInWindow     State = "in-window"
	StateImplementing State = "implementing"
	StateClosed       State = "closed"
	StateCancelled    State = "cancelled"
	StateExpired      State = "expired"
)

// Terminal reports whether no further transition is expected
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// Transition names a workflow move. The tracker maps each to its own
// transition identifier.
type Transition string

const (
	ChangePlanning             Transition = "change_planning"
	ChangePlanned              Transition = "change_planned"
	ChangeApproved             Transition = "change_approved"
	ChangeImplementation       Transition = "change_implementation"
	ChangeClose                Transition = "change_close"
	ChangeScheduledToCancelled Transition = "change_scheduled_to_cancelled"
	ChangeCancelled            Transition = "change_cancelled"

	SubUnitPlanning       Transition = "sub_unit_planning"
	SubUnitWritten        Transition = "sub_unit_written"
	SubUnitApproved       Transition = "sub_unit_approved"
	SubUnitImplementation Transition = "sub_unit_implementation"
	SubUnitClosed         Transition = "sub_unit_closed"
	SubUnitCancelled      Transition = "sub_unit_cancelled"
)

// Transitions lists every transition a tracker must be able to perform
var Transitions = []Transition{
	ChangePlanning, ChangePlanned, ChangeApproved, ChangeImplementation,
	ChangeClose, ChangeScheduledToCancelled, ChangeCancelled,
	SubUnitPlanning, SubUnitWritten, SubUnitApproved, SubUnitImplementation,
	SubUnitClosed, SubUnitCancelled,
}

// Artifact is a named attachment on a sub-unit
type Artifact struct {
	ID   string
	Name string
	URL  string
}

// SubUnit is one child work item of a change
type SubUnit struct {
	Key       string
	Summary   string
	Status    State
	RawStatus string
	Artifacts []Artifact
}

// Change is the external change instance as last read from the tracker
type Change struct {
	Key         string
	Summary     string
	Status      State
	RawStatus   string
	WindowStart time.Time
	WindowEnd   time.Time
	SubUnits    []SubUnit
}

// InWindow reports whether now lies inside the change window, bounds
// included
func InWindow(c *Change, now time.Time) bool {
	return !now.Before(c.WindowStart) && !now.After(c.WindowEnd)
}

// Expired reports whether the change window has closed
func Expired(c *Change, now time.Time) bool {
	return now.After(c.WindowEnd)
}

// Ready reports whether the change is scheduled and every sub-unit is
// approved
func Ready(c *Change) bool {
	if c.Status != StateScheduled {
		return false
	}
	for _, s := range c.SubUnits {
		if s.Status != StateApproved {
			return false
		}
	}
	return true
}

// Phase derives the effective lifecycle state of the change at now. The
// tracker never reports in-window or expired; both follow from the window.
func Phase(c *Change, now time.Time) State {
	switch c.Status {
	case StateClosed, StateCancelled, StateImplementing:
		return c.Status
	}
	if Expired(c, now) {
		return StateExpired
	}
	if c.Status == StateScheduled && InWindow(c, now) {
		return StateInWindow
	}
	return c.Status
}

// StatusMap translates between lifecycle states and raw tracker statuses
type StatusMap map[State]string

// NewStatusMap builds a StatusMap from configuration keyed by state name
func NewStatusMap(raw map[string]string) StatusMap {
	m := make(StatusMap, len(raw))
	for state, status := range raw {
		m[State(state)] = status
	}
	return m
}

// Parse returns the state whose raw status matches, ignoring case
func (m StatusMap) Parse(raw string) State {
	for state, status := range m {
		if strings.EqualFold(status, raw) {
			return state
		}
	}
	return StateUnknown
}
