package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/moby/locker"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/events"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/provisioner"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/task"
	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/cuemby/lifeguard/pkg/workflow"
)

// DefaultOwner owns the tasks and incidents of unattended runs
const DefaultOwner = "ticket_script"

const bypassNotice = "  This change was initiated in bypass mode which means that all change " +
	"management workflow, schedules, and status fields are being ignored."

// Provisioner applies the artifacts of one sub-unit to a pool
type Provisioner interface {
	Expand(ctx context.Context, poolID string, artifacts []provisioner.Artifact) error
	Shrink(ctx context.Context, poolID string, artifacts []provisioner.Artifact) error
	Update(ctx context.Context, poolID string, artifacts []provisioner.Artifact) error
}

// Options selects the phases of one pool run
type Options struct {
	Plan      bool
	Implement bool

	// Bypass executes pending changes immediately, ignoring windows and
	// approvals, and cancels them afterwards to keep the audit trail
	Bypass bool
}

// Coordinator drives change tickets through the external workflow
type Coordinator struct {
	Store       storage.Store
	Tracker     workflow.Tracker
	Provisioner Provisioner
	Tasks       *task.Runner
	Events      *events.Broker
	Clock       clock.Clock

	Window         workflow.WindowPolicy
	BatchPercent   int
	RelatedService string
	Owner          string

	lockOnce sync.Once
	locks    *locker.Locker
}

// New creates a coordinator from configuration
func New(cfg *config.Config, store storage.Store, tracker workflow.Tracker, prov Provisioner, tasks *task.Runner, broker *events.Broker) (*Coordinator, error) {
	window, err := workflow.NewWindowPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		Store:          store,
		Tracker:        tracker,
		Provisioner:    prov,
		Tasks:          tasks,
		Events:         broker,
		Clock:          clock.NewClock(),
		Window:         window,
		BatchPercent:   cfg.Update.BatchPercent,
		RelatedService: cfg.Workflow.RelatedService,
		Owner:          DefaultOwner,
	}, nil
}

func (c *Coordinator) clock() clock.Clock {
	if c.Clock == nil {
		return clock.NewClock()
	}
	return c.Clock
}

func (c *Coordinator) owner() string {
	if c.Owner == "" {
		return DefaultOwner
	}
	return c.Owner
}

func (c *Coordinator) poolLocks() *locker.Locker {
	c.lockOnce.Do(func() { c.locks = locker.New() })
	return c.locks
}

// taskError is a failure already recorded on a task and escalated by the
// task runner
type taskError struct {
	taskID string
	err    error
}

func (e *taskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.taskID, e.err)
}

func (e *taskError) Unwrap() error {
	return e.err
}

// ProcessPool plans and then implements the change a pool needs. Runs for
// the same pool are serialized. Failures that no task recorded are
// escalated as an incident before being returned.
func (c *Coordinator) ProcessPool(ctx context.Context, poolID string, opts Options) error {
	c.poolLocks().Lock(poolID)
	defer c.poolLocks().Unlock(poolID)

	logger := log.WithPool("coordinator", poolID)
	if opts.Bypass {
		logger.Warn().Msg("Running in bypass mode, change schedules and statuses are ignored")
	}

	var err error
	if opts.Plan {
		_, err = c.Plan(ctx, poolID)
	} else {
		logger.Debug().Msg("Skipping planning")
	}
	if err == nil && opts.Implement {
		err = c.Implement(ctx, poolID, opts.Bypass)
	}
	if err == nil {
		return nil
	}

	metrics.PoolErrors.Inc()
	var te *taskError
	if !errors.As(err, &te) {
		c.escalate(ctx, fmt.Sprintf("Processing pool %s failed", poolID), err)
	}
	logger.Error().Err(err).Msg("Pool run failed")
	return err
}

// Plan opens a change for whatever the pool needs. It does nothing when the
// pool already has a pending ticket or needs no change. The tracker work
// runs as a task; on failure the partial change is cancelled.
func (c *Coordinator) Plan(ctx context.Context, poolID string) (*types.ChangeTicket, error) {
	logger := log.WithPool("coordinator", poolID)

	snap, err := inventory.Load(ctx, c.Store, poolID)
	if err != nil {
		return nil, err
	}
	pending, err := c.Store.GetPendingTicket(ctx, poolID)
	switch {
	case err == nil:
		logger.Info().Str("ticket", pending.Key).Str("action", string(pending.Action)).
			Msg("Existing change ticket already pending")
		return nil, nil
	case !types.IsNotFound(err):
		return nil, err
	}

	proposal, err := Propose(snap, c.BatchPercent)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		logger.Debug().Msg("Pool is in shape")
		return nil, nil
	}
	logger.Info().Str("action", string(proposal.Action)).Strs("subjects", proposal.Subjects).Msg("Pool needs a change")

	t, err := c.Tasks.Create(ctx, task.Spec{
		Name:        proposal.Title,
		Owner:       c.owner(),
		Description: proposal.Title + "\n" + proposal.Description,
	})
	if err != nil {
		return nil, err
	}

	var ticket *types.ChangeTicket
	err = c.Tasks.Run(ctx, t.ID, func(ctx context.Context, l *task.Log) error {
		var err error
		ticket, err = c.open(ctx, l, snap.Pool, proposal, t.ID)
		return err
	})
	if err != nil {
		return nil, &taskError{taskID: t.ID, err: err}
	}

	metrics.PlansTotal.WithLabelValues(string(ticket.Action)).Inc()
	c.publish(events.EventChangePlanned, ticket, proposal.Title)
	return ticket, nil
}

// open creates the change and its sub-units, drives them to approved and
// records the ticket
func (c *Coordinator) open(ctx context.Context, l *task.Log, pool *types.Pool, p *Proposal, taskID string) (ticket *types.ChangeTicket, err error) {
	now := c.clock().Now()
	start, end := workflow.NextWindow(now, c.Window)

	key, err := c.Tracker.CreateChange(ctx, workflow.ChangeRequest{
		Summary:     "[IMPLEMENT] " + p.Title,
		Description: p.Title + "\n" + p.Description,
		Reason:      p.Reason,
		WindowStart: start,
		WindowEnd:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("create change: %w", err)
	}
	l.Printf("Created change request: %s", key)

	defer func() {
		if err == nil {
			return
		}
		if cerr := c.Cancel(ctx, key, "failure creating change tickets"); cerr != nil {
			l.Printf("Failed to cancel %s: %v", key, cerr)
		}
	}()

	if err := c.transition(ctx, key, workflow.ChangePlanning, workflow.TransitionOptions{}); err != nil {
		return nil, err
	}
	l.Printf("Transitioned %s to planning", key)

	if c.RelatedService != "" {
		if err := c.Tracker.LinkService(ctx, key, c.RelatedService); err != nil {
			return nil, fmt.Errorf("link %s to %s: %w", key, c.RelatedService, err)
		}
		l.Printf("Related %s to service %s", key, c.RelatedService)
	}

	for _, sp := range p.SubUnits {
		if err := c.openSubUnit(ctx, l, key, sp); err != nil {
			return nil, err
		}
	}

	if err := c.transition(ctx, key, workflow.ChangePlanned, workflow.TransitionOptions{}); err != nil {
		return nil, err
	}
	l.Printf("Transitioned change request %s to planned", key)
	if err := c.transition(ctx, key, workflow.ChangeApproved, workflow.TransitionOptions{AsApprover: true}); err != nil {
		return nil, err
	}
	l.Printf("Transitioned change request %s to approved", key)

	ticket = &types.ChangeTicket{
		ID:        uuid.New().String(),
		PoolID:    pool.ID,
		Key:       key,
		Action:    p.Action,
		Outcome:   types.OutcomePending,
		TaskID:    taskID,
		CreatedAt: now,
	}
	if err := storage.SaveTicket(ctx, c.Store, ticket); err != nil {
		return nil, fmt.Errorf("record ticket %s: %w", key, err)
	}
	l.Printf("Recorded %s ticket %s for pool %s (window %s to %s)", p.Action, key, pool.Name,
		start.Format(workflow.TimeFormat), end.Format(workflow.TimeFormat))
	return ticket, nil
}

func (c *Coordinator) openSubUnit(ctx context.Context, l *task.Log, changeKey string, sp SubUnitPlan) error {
	key, err := c.Tracker.CreateSubUnit(ctx, changeKey, workflow.SubUnitRequest{Summary: sp.Summary, Description: sp.Description})
	if err != nil {
		return fmt.Errorf("create sub-unit of %s: %w", changeKey, err)
	}
	l.Printf("Created task: %s", key)

	if err := c.transition(ctx, key, workflow.SubUnitPlanning, workflow.TransitionOptions{}); err != nil {
		return err
	}
	for _, a := range sp.Attachments {
		if err := c.Tracker.Attach(ctx, key, a.Name, []byte(a.Content)); err != nil {
			return fmt.Errorf("attach %s to %s: %w", a.Name, key, err)
		}
		l.Printf("Attached %s to task %s", a.Name, key)
	}
	if err := c.transition(ctx, key, workflow.SubUnitWritten, workflow.TransitionOptions{}); err != nil {
		return err
	}
	if err := c.transition(ctx, key, workflow.SubUnitApproved, workflow.TransitionOptions{AsApprover: true}); err != nil {
		return err
	}
	l.Printf("Approved task %s", key)
	return nil
}

// Implement acts on the pending ticket of a pool according to the phase of
// its change. An expired change is cancelled and a ready change inside its
// window is executed as a task; the call waits for the task. Bypass treats
// the change as in window. A change closed or cancelled in the tracker
// fails the ticket.
func (c *Coordinator) Implement(ctx context.Context, poolID string, bypass bool) error {
	ticket, err := c.Store.GetPendingTicket(ctx, poolID)
	if types.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	pool, err := c.Store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	logger := log.WithTicket("coordinator", ticket.Key).With().Str("pool", pool.Name).Logger()

	change, err := c.Tracker.GetChange(ctx, ticket.Key)
	if err != nil {
		return fmt.Errorf("fetch change %s: %w", ticket.Key, err)
	}
	now := c.clock().Now()

	phase := workflow.Phase(change, now)
	if bypass {
		phase = workflow.StateInWindow
	}

	switch phase {
	case workflow.StateImplementing:
		if !workflow.Expired(change, now) {
			logger.Warn().Msg("Change is already being implemented")
			return nil
		}
		fallthrough

	case workflow.StateExpired:
		logger.Info().Time("window_end", change.WindowEnd).Msg("Change has expired")
		cerr := c.Cancel(ctx, change.Key, "change has expired")
		if err := c.finalize(ctx, ticket.ID, types.OutcomeFailed, "change has expired"); err != nil {
			return err
		}
		c.publish(events.EventChangeExpired, ticket, "change has expired")
		return cerr

	case workflow.StateClosed, workflow.StateCancelled:
		reason := fmt.Sprintf("change is %s in the tracker", change.RawStatus)
		logger.Warn().Str("status", change.RawStatus).Msg("Change finished outside of lifeguard")
		if err := c.finalize(ctx, ticket.ID, types.OutcomeFailed, reason); err != nil {
			return err
		}
		c.publish(events.EventChangeCancelled, ticket, reason)
		return nil

	case workflow.StateInWindow:
		if !bypass && !workflow.Ready(change) {
			logger.Error().Str("status", change.RawStatus).
				Msg("Change is in window but it or one or more sub-units are not ready")
			return nil
		}

		title := fmt.Sprintf("%s pool %s under ticket %s", ticket.Action, pool.Name, change.Key)
		t, err := c.Tasks.Create(ctx, task.Spec{Name: title, Owner: c.owner(), Description: title})
		if err != nil {
			return err
		}
		ticket.TaskID = t.ID
		if err := storage.SaveTicket(ctx, c.Store, ticket); err != nil {
			return err
		}

		h := c.Tasks.Start(ctx, t.ID, func(ctx context.Context, l *task.Log) error {
			return c.Execute(ctx, ticket.ID, bypass, l)
		})
		logger.Info().Str("task_id", h.ID).Msg("Launched change execution")
		if err := h.Wait(); err != nil {
			return &taskError{taskID: h.ID, err: err}
		}
		return nil

	default:
		if workflow.InWindow(change, now) {
			logger.Error().Str("status", change.RawStatus).
				Msg("Change is in window but it is not scheduled")
			return nil
		}
		logger.Info().Str("action", string(ticket.Action)).Time("window_start", change.WindowStart).
			Msg("Change not yet in window")
		return nil
	}
}

// Execute runs every open sub-unit of the ticket's change through the
// provisioner and closes the change. Any failure cancels the change and
// finalizes the ticket as failed. The ticket and change are reloaded first.
func (c *Coordinator) Execute(ctx context.Context, ticketID string, bypass bool, l *task.Log) error {
	ticket, err := c.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Done() {
		return fmt.Errorf("ticket %s already %s", ticket.Key, ticket.Outcome)
	}
	change, err := c.Tracker.GetChange(ctx, ticket.Key)
	if err != nil {
		return fmt.Errorf("fetch change %s: %w", ticket.Key, err)
	}

	c.publish(events.EventChangeStarted, ticket, change.Summary)
	err = c.execute(ctx, l, ticket, change, bypass)
	if err != nil {
		l.Printf("Error occurred: %v", err)
		comment := fmt.Sprintf("an exception occurred running this change: %v", err)
		if cerr := c.Cancel(ctx, change.Key, comment); cerr != nil {
			l.Printf("Cancellation incomplete: %v", cerr)
		}
		metrics.ExecutionsTotal.WithLabelValues(string(ticket.Action), "failure").Inc()
		if ferr := c.finalize(ctx, ticket.ID, types.OutcomeFailed, err.Error()); ferr != nil {
			l.Printf("Failed to finalize ticket %s: %v", ticket.Key, ferr)
		}
		return err
	}

	metrics.ExecutionsTotal.WithLabelValues(string(ticket.Action), "success").Inc()
	c.publish(events.EventChangeCompleted, ticket, change.Summary)
	return c.finalize(ctx, ticket.ID, types.OutcomeSucceeded, "")
}

func (c *Coordinator) execute(ctx context.Context, l *task.Log, ticket *types.ChangeTicket, change *workflow.Change, bypass bool) error {
	started := c.clock().Now()

	comment := fmt.Sprintf("Starting change request %s to %s.", change.Key, change.Summary)
	if err := c.begin(ctx, change.Key, workflow.ChangeImplementation, comment, bypass); err != nil {
		return err
	}
	l.Printf("%s", comment)

	for _, sub := range change.SubUnits {
		if sub.Status.Terminal() {
			l.Printf("Task %s already %s, skipping", sub.Key, sub.Status)
			continue
		}
		if err := c.executeSubUnit(ctx, l, ticket, change.Key, sub, bypass); err != nil {
			return err
		}
	}

	comment = fmt.Sprintf("Successfully completed CRQ %s to %s", change.Key, change.Summary)
	if bypass {
		comment += bypassNotice
		if err := c.Cancel(ctx, change.Key, comment); err != nil {
			return err
		}
	} else if err := c.transition(ctx, change.Key, workflow.ChangeClose, workflow.TransitionOptions{
		Comment:    comment,
		Resolution: workflow.ResolutionCompleted,
		Successful: true,
		Started:    started,
		Finished:   c.clock().Now(),
	}); err != nil {
		return err
	}
	l.Printf("%s", comment)
	return nil
}

func (c *Coordinator) executeSubUnit(ctx context.Context, l *task.Log, ticket *types.ChangeTicket, changeKey string, sub workflow.SubUnit, bypass bool) error {
	started := c.clock().Now()

	comment := fmt.Sprintf("Starting task %s to %s.", sub.Key, sub.Summary)
	if err := c.begin(ctx, sub.Key, workflow.SubUnitImplementation, comment, bypass); err != nil {
		return err
	}
	l.Printf("%s", comment)

	artifacts, err := c.readArtifacts(ctx, changeKey, sub)
	if err != nil {
		return err
	}
	l.Printf("Applying %d artifact(s) of task %s", len(artifacts), sub.Key)

	switch ticket.Action {
	case types.ActionExpand:
		err = c.Provisioner.Expand(ctx, ticket.PoolID, artifacts)
	case types.ActionShrink:
		err = c.Provisioner.Shrink(ctx, ticket.PoolID, artifacts)
	case types.ActionUpdate:
		err = c.Provisioner.Update(ctx, ticket.PoolID, artifacts)
	default:
		err = types.NewValidationError("action %q is not supported", ticket.Action)
	}
	if err != nil {
		return err
	}

	comment = fmt.Sprintf("Completed task %s to %s.", sub.Key, sub.Summary)
	if bypass {
		comment += bypassNotice
		if err := c.Tracker.Comment(ctx, sub.Key, comment); err != nil {
			return fmt.Errorf("comment on %s: %w", sub.Key, err)
		}
	} else if err := c.transition(ctx, sub.Key, workflow.SubUnitClosed, workflow.TransitionOptions{
		Comment:    comment,
		Resolution: workflow.ResolutionCompleted,
		Successful: true,
		Started:    started,
		Finished:   c.clock().Now(),
	}); err != nil {
		return err
	}
	l.Printf("%s", comment)
	return nil
}

// begin moves an item into implementation. In bypass mode the item only
// gets a comment.
func (c *Coordinator) begin(ctx context.Context, key string, t workflow.Transition, comment string, bypass bool) error {
	if !bypass {
		return c.transition(ctx, key, t, workflow.TransitionOptions{Comment: comment})
	}
	if err := c.Tracker.Comment(ctx, key, comment+bypassNotice); err != nil {
		return fmt.Errorf("comment on %s: %w", key, err)
	}
	return nil
}

func (c *Coordinator) readArtifacts(ctx context.Context, changeKey string, sub workflow.SubUnit) ([]provisioner.Artifact, error) {
	out := make([]provisioner.Artifact, 0, len(sub.Artifacts))
	for _, a := range sub.Artifacts {
		content, err := c.Tracker.ReadArtifact(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("read artifact %s of %s: %w", a.Name, sub.Key, err)
		}
		out = append(out, provisioner.Artifact{
			ChangeKey:  changeKey,
			SubUnitKey: sub.Key,
			Name:       a.Name,
			Content:    string(content),
		})
	}
	return out, nil
}

// Cancel cancels every open sub-unit of a change and then the change
// itself, picking the transition that fits its current state. Failures are
// collected rather than stopping the cascade. Closed and cancelled items
// are left alone, so repeating a cancellation is harmless.
func (c *Coordinator) Cancel(ctx context.Context, key, comment string) error {
	ctx = context.WithoutCancel(ctx)
	logger := log.WithTicket("coordinator", key)

	change, err := c.Tracker.GetChange(ctx, key)
	if err != nil {
		metrics.CancellationFailures.Inc()
		return fmt.Errorf("fetch change %s: %w", key, err)
	}

	var errs []error
	for _, sub := range change.SubUnits {
		if sub.Status.Terminal() {
			logger.Info().Str("sub_unit", sub.Key).Str("status", sub.RawStatus).Msg("Sub-unit already finished")
			continue
		}
		if err := c.transition(ctx, sub.Key, workflow.SubUnitCancelled, workflow.TransitionOptions{
			Comment:    comment,
			Resolution: workflow.ResolutionCancelled,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.cancelChange(ctx, change, comment); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		metrics.CancellationFailures.Inc()
		return fmt.Errorf("caught %d errors trying to cancel %s and its sub-units: %w", len(errs), key, errors.Join(errs...))
	}
	logger.Info().Str("comment", comment).Msg("Change cancelled")
	c.Events.Publish(events.New(events.EventChangeCancelled, comment, map[string]string{"ticket": key}))
	return nil
}

func (c *Coordinator) cancelChange(ctx context.Context, change *workflow.Change, comment string) error {
	switch change.Status {
	case workflow.StateClosed, workflow.StateCancelled:
		return nil
	case workflow.StateImplementing:
		now := c.clock().Now()
		return c.transition(ctx, change.Key, workflow.ChangeClose, workflow.TransitionOptions{
			Comment:    comment,
			Resolution: workflow.ResolutionCancelled,
			Successful: false,
			Started:    now,
			Finished:   now,
		})
	case workflow.StateScheduled:
		return c.transition(ctx, change.Key, workflow.ChangeScheduledToCancelled, workflow.TransitionOptions{Comment: comment})
	default:
		return c.transition(ctx, change.Key, workflow.ChangeCancelled, workflow.TransitionOptions{Comment: comment})
	}
}

// transition performs one workflow move. A rejection is explained with the
// transitions the tracker would accept, escalated and returned as a
// WorkflowStateError.
func (c *Coordinator) transition(ctx context.Context, key string, t workflow.Transition, opts workflow.TransitionOptions) error {
	logger := log.WithTicket("coordinator", key)

	err := c.Tracker.Transition(ctx, key, t, opts)
	if err == nil {
		logger.Debug().Str("transition", string(t)).Msg("Transitioned")
		return nil
	}

	werr := &types.WorkflowStateError{Key: key, Target: string(t), Err: err}
	if current, gerr := c.Tracker.GetChange(ctx, key); gerr == nil {
		werr.From = current.RawStatus
	}
	if available, aerr := c.Tracker.AvailableTransitions(ctx, key); aerr == nil {
		werr.Available = available
	}
	logger.Error().Err(werr).Msg("Transition rejected")
	c.escalate(ctx, "issue transition exception", werr)
	return werr
}

// finalize reloads the ticket and records its terminal outcome
func (c *Coordinator) finalize(ctx context.Context, ticketID string, outcome types.Outcome, reason string) error {
	ctx = context.WithoutCancel(ctx)
	return c.Store.Atomic(ctx, func(tx storage.Tx) error {
		ticket, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		ticket.Outcome = outcome
		ticket.Reason = reason
		ticket.FinishedAt = c.clock().Now()
		return tx.PutTicket(ticket)
	})
}

func (c *Coordinator) escalate(ctx context.Context, summary string, cause error) {
	logger := log.WithComponent("coordinator")
	key, err := c.Tracker.CreateIncident(context.WithoutCancel(ctx), types.Incident{
		Owner:       c.owner(),
		Summary:     summary,
		Description: fmt.Sprintf("An exception occurred: %v", cause),
	})
	if err != nil {
		logger.Error().Err(err).Str("summary", summary).Msg("Failed to raise incident")
		return
	}
	metrics.IncidentsTotal.Inc()
	logger.Warn().Str("incident", key).Str("summary", summary).Msg("Raised incident")
}

func (c *Coordinator) publish(t events.EventType, ticket *types.ChangeTicket, message string) {
	c.Events.Publish(events.New(t, message, map[string]string{
		"pool":   ticket.PoolID,
		"ticket": ticket.Key,
		"action": string(ticket.Action),
	}))
}
