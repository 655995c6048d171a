package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolValidate(t *testing.T) {
	tests := []struct {
		name    string
		pool    Pool
		wantErr bool
	}{
		{name: "valid", pool: Pool{ID: "p1", Name: "pool.log.tld", Cardinality: 3}},
		{name: "zero cardinality", pool: Pool{ID: "p1", Name: "pool.log.tld"}},
		{name: "negative cardinality", pool: Pool{ID: "p1", Name: "pool.log.tld", Cardinality: -1}, wantErr: true},
		{name: "missing id", pool: Pool{Name: "pool.log.tld"}, wantErr: true},
		{name: "missing name", pool: Pool{ID: "p1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pool.Validate()
			if tt.wantErr {
				assert.True(t, IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangeTicketDone(t *testing.T) {
	assert.False(t, (&ChangeTicket{}).Done())
	assert.False(t, (&ChangeTicket{Outcome: OutcomePending}).Done())
	assert.True(t, (&ChangeTicket{Outcome: OutcomeSucceeded}).Done())
	assert.True(t, (&ChangeTicket{Outcome: OutcomeFailed}).Done())
}

func TestParseActionKind(t *testing.T) {
	for _, s := range []string{"expand", "shrink", "update"} {
		a, err := ParseActionKind(s)
		assert.NoError(t, err)
		assert.Equal(t, ActionKind(s), a)
	}

	_, err := ParseActionKind("resize")
	assert.True(t, IsValidation(err))
}

func TestTaskElapsed(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &Task{}
	assert.Zero(t, task.Elapsed(start))

	task.StartedAt = start
	assert.Equal(t, 5*time.Minute, task.Elapsed(start.Add(5*time.Minute)))

	task.FinishedAt = start.Add(time.Minute)
	assert.Equal(t, time.Minute, task.Elapsed(start.Add(time.Hour)))
}

func TestWorkflowStateErrorListsTransitions(t *testing.T) {
	cause := errors.New("400 bad request")
	err := fmt.Errorf("start change: %w", &WorkflowStateError{
		Key:       "CRQ-1",
		From:      "planning",
		Target:    "implementing",
		Available: map[string]string{"31": "Cancel", "11": "Plan"},
		Err:       cause,
	})

	var wse *WorkflowStateError
	assert.True(t, errors.As(err, &wse))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "11=Plan, 31=Cancel")
}

func TestDiagnosticRecordSucceeded(t *testing.T) {
	assert.True(t, (&DiagnosticRecord{ExitCode: 0}).Succeeded())
	assert.False(t, (&DiagnosticRecord{ExitCode: 2}).Succeeded())
	assert.False(t, (&DiagnosticRecord{ExitCode: 0, Interrupted: true}).Succeeded())
}
