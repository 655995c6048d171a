package workflow

import (
	"time"

	"github.com/cuemby/lifeguard/pkg/config"
)

// WindowPolicy decides when a freshly planned change may run
type WindowPolicy struct {
	Location *time.Location

	// Changes planned before DeadlineHour:DeadlineMinute start the same day
	// at SameDayStartHour.
	DeadlineHour     int
	DeadlineMinute   int
	SameDayStartHour int

	// Later changes start MissedDelayHours from now, at MissedStartHour.
	MissedDelayHours int
	MissedStartHour  int

	LengthHours int
}

// NewWindowPolicy builds a policy from configuration
func NewWindowPolicy(cfg *config.Config) (WindowPolicy, error) {
	loc, err := cfg.Location()
	if err != nil {
		return WindowPolicy{}, err
	}
	w := cfg.Workflow.Window
	return WindowPolicy{
		Location:         loc,
		DeadlineHour:     w.DeadlineHour,
		DeadlineMinute:   w.DeadlineMinute,
		SameDayStartHour: w.SameDayStartHour,
		MissedDelayHours: w.MissedDelayHours,
		MissedStartHour:  w.MissedStartHour,
		LengthHours:      w.LengthHours,
	}, nil
}

// NextWindow returns the start and end of the next change window for a
// change planned at now
func NextWindow(now time.Time, p WindowPolicy) (start, end time.Time) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	beforeDeadline := local.Hour() < p.DeadlineHour ||
		(local.Hour() == p.DeadlineHour && local.Minute() < p.DeadlineMinute)

	if beforeDeadline {
		start = time.Date(local.Year(), local.Month(), local.Day(), p.SameDayStartHour, 0, 0, 0, loc)
	} else {
		day := local.Add(time.Duration(p.MissedDelayHours) * time.Hour)
		start = time.Date(day.Year(), day.Month(), day.Day(), p.MissedStartHour, 0, 0, 0, loc)
	}
	end = start.Add(time.Duration(p.LengthHours) * time.Hour)
	return start, end
}
