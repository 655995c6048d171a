package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/task"
	"github.com/cuemby/lifeguard/pkg/types"
)

func newRunner(t *testing.T) (*task.Runner, *fake.Tracker) {
	tracker := fake.NewTracker()
	r := task.NewRunner(fake.Store(t), tracker, nil)
	r.Clock = fakeclock.NewFakeClock(time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC))
	return r, tracker
}

func TestStartSuccess(t *testing.T) {
	r, tracker := newRunner(t)
	ctx := context.Background()

	created, err := r.Create(ctx, task.Spec{Name: "expand pool web under ticket CRQ-1", Owner: "ticket_script"})
	require.NoError(t, err)
	h := r.Start(ctx, created.ID, func(ctx context.Context, l *task.Log) error {
		l.Printf("creating %d VMs", 2)
		return nil
	})
	require.NoError(t, h.Wait())

	got, err := r.Store.GetTask(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, got.Status)
	assert.Equal(t, types.TaskResultSuccess, got.Result)
	assert.Contains(t, got.Log, "[2024-03-01 18:00:00] creating 2 VMs\n")
	assert.Empty(t, got.IncidentKey)
	assert.Zero(t, tracker.IncidentCount())
}

func TestStartFailureOpensIncident(t *testing.T) {
	r, tracker := newRunner(t)
	ctx := context.Background()

	created, err := r.Create(ctx, task.Spec{Name: "shrink pool web", Owner: "ticket_script"})
	require.NoError(t, err)
	h := r.Start(ctx, created.ID, func(context.Context, *task.Log) error {
		return errors.New("hypervisor unreachable")
	})
	assert.EqualError(t, h.Wait(), "hypervisor unreachable")

	got, err := r.Store.GetTask(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskResultFail, got.Result)
	assert.Equal(t, "hypervisor unreachable", got.Trace)
	assert.Equal(t, "OPS-1", got.IncidentKey)

	require.Equal(t, 1, tracker.IncidentCount())
	assert.Equal(t, "Task failed: shrink pool web", tracker.Incidents[0].Summary)
	assert.Equal(t, "ticket_script", tracker.Incidents[0].Owner)
	assert.Contains(t, tracker.Incidents[0].Description, "hypervisor unreachable")
}

func TestEscalatedFailureSkipsIncident(t *testing.T) {
	r, tracker := newRunner(t)
	ctx := context.Background()
	cause := errors.New("2 of 2 diagnostics failed")

	created, err := r.Create(ctx, task.Spec{Name: "health check pool web"})
	require.NoError(t, err)
	err = r.Run(ctx, created.ID, func(context.Context, *task.Log) error {
		return task.Escalated(cause)
	})
	assert.ErrorIs(t, err, cause)

	got, err := r.Store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskResultFail, got.Result)
	assert.Equal(t, cause.Error(), got.Trace)
	assert.Empty(t, got.IncidentKey)
	assert.Zero(t, tracker.IncidentCount())
	assert.NoError(t, task.Escalated(nil))
}

func TestRunRecoversPanic(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()

	created, err := r.Create(ctx, task.Spec{Name: "diagnostics"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, created.Status)

	err = r.Run(ctx, created.ID, func(context.Context, *task.Log) error {
		panic("boom")
	})
	require.Error(t, err)

	got, err := r.Store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskResultFail, got.Result)
	assert.Contains(t, got.Trace, "goroutine")
	assert.NotEmpty(t, got.IncidentKey)
}

func TestRunRejectsFinishedTask(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()

	created, err := r.Create(ctx, task.Spec{Name: "noop"})
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx, created.ID, func(context.Context, *task.Log) error { return nil }))
	assert.Error(t, r.Run(ctx, created.ID, func(context.Context, *task.Log) error { return nil }))
}

func TestWaitJoinsStartedTasks(t *testing.T) {
	r, _ := newRunner(t)
	release := make(chan struct{})
	var handles []*task.Handle
	for i := 0; i < 3; i++ {
		created, err := r.Create(context.Background(), task.Spec{Name: "wait"})
		require.NoError(t, err)
		h := r.Start(context.Background(), created.ID, func(context.Context, *task.Log) error {
			<-release
			return nil
		})
		handles = append(handles, h)
	}

	close(release)
	r.Wait()
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("handle not done after Wait")
		}
	}
}

func TestNilLogPrintf(t *testing.T) {
	var l *task.Log
	assert.NotPanics(t, func() { l.Printf("orphan %s", "line") })
}
