// Package task runs background orchestration work and keeps a durable
// record of each run.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/lifeguard/pkg/events"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

const logTimeFormat = "2006-01-02 15:04:05"

// IncidentCreator raises a freeform incident and returns its key
type IncidentCreator interface {
	CreateIncident(ctx context.Context, incident types.Incident) (string, error)
}

// Spec describes a task to create
type Spec struct {
	Name        string
	Owner       string
	Description string
}

// Func is the body of a task
type Func func(ctx context.Context, l *Log) error

// Log accumulates the timestamped log of a running task. Every line is
// also written to the process log.
type Log struct {
	mu     sync.Mutex
	b      strings.Builder
	clock  clock.Clock
	logger zerolog.Logger
}

// Printf appends one line. A nil Log only writes to the process log.
func (l *Log) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l == nil {
		logger := log.WithComponent("task")
		logger.Info().Msg(msg)
		return
	}
	l.logger.Info().Msg(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(&l.b, "[%s] %s\n", l.clock.Now().UTC().Format(logTimeFormat), msg)
}

// String returns the accumulated log
func (l *Log) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// escalatedError is a task failure its body already raised an incident for
type escalatedError struct {
	err error
}

func (e *escalatedError) Error() string { return e.err.Error() }
func (e *escalatedError) Unwrap() error { return e.err }

// Escalated marks err as already reported. The task still fails, but the
// runner does not raise a second incident for it.
func Escalated(err error) error {
	if err == nil {
		return nil
	}
	return &escalatedError{err: err}
}

// Handle tracks a launched task
type Handle struct {
	ID   string
	done chan struct{}
	err  error
}

// Done is closed once the task finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finished and returns its error
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Runner creates tasks and runs them in the background
type Runner struct {
	Store     storage.Store
	Incidents IncidentCreator
	Events    *events.Broker
	Clock     clock.Clock

	wg sync.WaitGroup
}

// NewRunner creates a runner
func NewRunner(store storage.Store, incidents IncidentCreator, broker *events.Broker) *Runner {
	return &Runner{Store: store, Incidents: incidents, Events: broker, Clock: clock.NewClock()}
}

func (r *Runner) clock() clock.Clock {
	if r.Clock == nil {
		return clock.NewClock()
	}
	return r.Clock
}

// Create persists a pending task
func (r *Runner) Create(ctx context.Context, spec Spec) (*types.Task, error) {
	t := &types.Task{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Owner:       spec.Owner,
		Description: spec.Description,
		Status:      types.TaskStatusPending,
		CreatedAt:   r.clock().Now(),
	}
	if err := storage.SaveTask(ctx, r.Store, t); err != nil {
		return nil, fmt.Errorf("create task %s: %w", spec.Name, err)
	}
	return t, nil
}

// Start runs fn as the already created task taskID on its own goroutine.
// The run is detached from ctx cancellation.
func (r *Runner) Start(ctx context.Context, taskID string, fn Func) *Handle {
	h := &Handle{ID: taskID, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)
		h.err = r.Run(runCtx, taskID, fn)
	}()
	return h
}

// Wait blocks until every launched task finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run executes fn as the task taskID. The task is reloaded from the store
// and moves pending, running, finished. A failure or panic is recorded on
// the task together with an incident. Run returns the error of fn.
func (r *Runner) Run(ctx context.Context, taskID string, fn Func) (err error) {
	t, err := r.Store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Finished() {
		return fmt.Errorf("task %s already finished", taskID)
	}

	logger := log.WithTaskID(t.ID)
	l := &Log{clock: r.clock(), logger: logger}

	t.Status = types.TaskStatusRunning
	t.StartedAt = r.clock().Now()
	if err := storage.SaveTask(ctx, r.Store, t); err != nil {
		return fmt.Errorf("start task %s: %w", t.Name, err)
	}
	r.Events.Publish(events.New(events.EventTaskStarted, t.Name, map[string]string{"task_id": t.ID}))
	l.Printf("Started %s", t.Name)

	var trace string
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, p)
			trace = string(debug.Stack())
		}
		r.finish(ctx, t, l, err, trace)
	}()

	return fn(ctx, l)
}

func (r *Runner) finish(ctx context.Context, t *types.Task, l *Log, runErr error, trace string) {
	logger := log.WithTaskID(t.ID)
	ctx = context.WithoutCancel(ctx)

	t.Status = types.TaskStatusFinished
	t.FinishedAt = r.clock().Now()
	t.Result = types.TaskResultSuccess
	eventType := events.EventTaskCompleted

	if runErr != nil {
		t.Result = types.TaskResultFail
		eventType = events.EventTaskFailed
		l.Printf("Failed: %v", runErr)
		if trace == "" {
			trace = runErr.Error()
		}
		t.Trace = trace
		var escalated *escalatedError
		if !errors.As(runErr, &escalated) {
			t.IncidentKey = r.escalate(ctx, t)
		}
	} else {
		l.Printf("Finished in %s", t.Elapsed(t.FinishedAt).Round(time.Millisecond))
	}
	t.Log = l.String()

	if err := storage.SaveTask(ctx, r.Store, t); err != nil {
		logger.Error().Err(err).Msg("Failed to record task result")
	}
	metrics.TaskResults.WithLabelValues(string(t.Result)).Inc()
	r.Events.Publish(events.New(eventType, t.Name, map[string]string{"task_id": t.ID, "result": string(t.Result)}))
}

func (r *Runner) escalate(ctx context.Context, t *types.Task) string {
	if r.Incidents == nil {
		return ""
	}
	key, err := r.Incidents.CreateIncident(ctx, types.Incident{
		Owner:   t.Owner,
		Summary: "Task failed: " + t.Name,
		Description: fmt.Sprintf("Task: %s\nID: %s\nOwner: %s\nStarted: %s\n\nTrace:\n%s",
			t.Name, t.ID, t.Owner, t.StartedAt.Format(time.RFC3339), t.Trace),
	})
	if err != nil {
		logger := log.WithTaskID(t.ID)
		logger.Error().Err(err).Msg("Failed to raise task incident")
		return ""
	}
	metrics.IncidentsTotal.Inc()
	return key
}
