package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextWindow(t *testing.T) {
	toronto, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)

	policy := WindowPolicy{
		Location:         toronto,
		DeadlineHour:     14,
		DeadlineMinute:   30,
		SameDayStartHour: 18,
		MissedDelayHours: 24,
		MissedStartHour:  18,
		LengthHours:      6,
	}

	tests := []struct {
		name  string
		now   time.Time
		start time.Time
	}{
		{
			name:  "morning starts same day",
			now:   time.Date(2024, 3, 1, 9, 0, 0, 0, toronto),
			start: time.Date(2024, 3, 1, 18, 0, 0, 0, toronto),
		},
		{
			name:  "deadline hour before minute",
			now:   time.Date(2024, 3, 1, 14, 29, 0, 0, toronto),
			start: time.Date(2024, 3, 1, 18, 0, 0, 0, toronto),
		},
		{
			name:  "at deadline is missed",
			now:   time.Date(2024, 3, 1, 14, 30, 0, 0, toronto),
			start: time.Date(2024, 3, 2, 18, 0, 0, 0, toronto),
		},
		{
			name:  "evening rolls over",
			now:   time.Date(2024, 3, 1, 22, 0, 0, 0, toronto),
			start: time.Date(2024, 3, 2, 18, 0, 0, 0, toronto),
		},
		{
			name:  "converted to local time",
			now:   time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
			start: time.Date(2024, 3, 1, 18, 0, 0, 0, toronto),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := NextWindow(tt.now, policy)
			assert.True(t, tt.start.Equal(start), "start %s", start)
			assert.Equal(t, 6*time.Hour, end.Sub(start))
		})
	}
}

func TestNextWindowDefaultsToUTC(t *testing.T) {
	now := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
	start, end := NextWindow(now, WindowPolicy{DeadlineHour: 12, SameDayStartHour: 2, LengthHours: 1})
	assert.Equal(t, time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC), end)
}
