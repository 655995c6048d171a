package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/retry"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

// IncidentCreator raises a freeform incident and returns its key
type IncidentCreator interface {
	CreateIncident(ctx context.Context, incident types.Incident) (string, error)
}

// Target is one member to check. Host is the member name.
type Target struct {
	VMID string
	Host string
}

// Targets converts memberships into diagnostic targets
func Targets(members []*types.Membership) []Target {
	targets := make([]Target, 0, len(members))
	for _, m := range members {
		targets = append(targets, Target{VMID: m.VMID, Host: m.Name})
	}
	return targets
}

// Outcome is the final result of one target after its retry cycle
type Outcome struct {
	Target
	Result Result
	Err    error
}

// Runner fans diagnostics out over a fixed number of workers
type Runner struct {
	Remote    Remote
	Store     storage.Store
	Incidents IncidentCreator
	Policy    retry.Policy
	Workers   int
	Command   string
	Timeout   time.Duration
	Owner     string
	Clock     clock.Clock
}

// NewRunner builds a runner from the health configuration. owner is
// recorded on the incidents it raises.
func NewRunner(remote Remote, store storage.Store, incidents IncidentCreator, cfg config.HealthConfig, workers int, owner string) *Runner {
	return &Runner{
		Remote:    remote,
		Store:     store,
		Incidents: incidents,
		Policy: retry.Policy{
			InitialDelay: cfg.InitialDelay,
			Delay:        cfg.RetryDelay,
			MaxAttempts:  cfg.MaxAttempts,
			MaxLifetime:  cfg.RetryLifetime,
			Retryable:    retry.Transient,
		},
		Workers: workers,
		Command: cfg.Command,
		Timeout: cfg.Timeout,
		Owner:   owner,
	}
}

func (r *Runner) clock() clock.Clock {
	if r.Clock == nil {
		return clock.NewClock()
	}
	return r.Clock
}

// RunDiagnostic runs the diagnostic against target under the retry policy.
// The returned result is that of the last attempt.
func (r *Runner) RunDiagnostic(ctx context.Context, target Target) (Result, error) {
	d := &Diagnostic{
		Remote:  r.Remote,
		Host:    target.Host,
		Command: r.Command,
		Timeout: r.Timeout,
		Clock:   r.clock(),
	}

	policy := r.Policy
	if policy.Clock == nil {
		policy.Clock = r.Clock
	}
	policy.OnRetry = func(attempt int, err error) {
		logger := log.WithComponent("health")
		logger.Debug().
			Str("host", target.Host).
			Int("attempt", attempt).
			Err(err).
			Msg("Diagnostic attempt failed, retrying")
	}

	var last Result
	err := policy.Do(ctx, func(ctx context.Context) error {
		res, err := d.Run(ctx)
		last = res
		return err
	})
	if err != nil {
		return last, fmt.Errorf("%s: %w: %w", target.Host, types.ErrDiagnosticFailed, err)
	}
	return last, nil
}

// RunDiagnostics checks every target concurrently and blocks until all of
// them finished. Exactly one DiagnosticRecord is persisted per target.
// Outcomes are ordered by host.
func (r *Runner) RunDiagnostics(ctx context.Context, poolID string, targets []Target) []Outcome {
	queue := make(chan Target, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(targets) {
		workers = len(targets)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make([]Outcome, 0, len(targets))
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range queue {
				outcome := r.check(ctx, poolID, target)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Host < outcomes[j].Host
	})
	return outcomes
}

func (r *Runner) check(ctx context.Context, poolID string, target Target) Outcome {
	timer := metrics.NewTimer()
	res, err := r.RunDiagnostic(ctx, target)
	timer.ObserveDuration(metrics.DiagnosticDuration)
	metrics.DiagnosticsTotal.WithLabelValues(metrics.Result(err)).Inc()

	record := &types.DiagnosticRecord{
		ID:          uuid.New().String(),
		PoolID:      poolID,
		VMID:        target.VMID,
		Host:        target.Host,
		Command:     res.Command,
		Started:     res.Started,
		Finished:    res.Finished,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitCode:    res.ExitCode,
		Interrupted: res.Interrupted,
	}
	if r.Store != nil {
		if perr := r.Store.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutDiagnostic(record)
		}); perr != nil {
			logger := log.WithComponent("health")
			logger.Warn().Err(perr).Str("host", target.Host).Msg("Failed to persist diagnostic record")
		}
	}

	return Outcome{Target: target, Result: res, Err: err}
}

// RunDiagnosticsOnPool checks every member of pool. If any check failed it
// raises exactly one incident listing all failures and returns an error
// wrapping types.ErrDiagnosticFailed.
func (r *Runner) RunDiagnosticsOnPool(ctx context.Context, pool *types.Pool, members []*types.Membership) ([]Outcome, error) {
	logger := log.WithPool("health", pool.Name)
	logger.Info().Int("members", len(members)).Msg("Running diagnostics")

	outcomes := r.RunDiagnostics(ctx, pool.ID, Targets(members))

	var failed []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		logger.Info().Msg("All diagnostics passed")
		return outcomes, nil
	}

	logger.Error().Int("failed", len(failed)).Msg("Diagnostics failed")
	err := fmt.Errorf("%d of %d diagnostics failed on pool %s: %w", len(failed), len(outcomes), pool.Name, types.ErrDiagnosticFailed)

	if r.Incidents == nil {
		return outcomes, err
	}
	key, ierr := r.Incidents.CreateIncident(ctx, types.Incident{
		Owner:       r.Owner,
		Summary:     "Diagnostics failed on pool " + pool.Name,
		Description: FormatFailures(failed),
	})
	if ierr != nil {
		logger.Error().Err(ierr).Msg("Failed to raise diagnostics incident")
		return outcomes, errors.Join(err, ierr)
	}
	metrics.IncidentsTotal.Inc()
	return outcomes, fmt.Errorf("%w (incident %s)", err, key)
}

// FormatFailures renders failed outcomes as an incident description
func FormatFailures(failed []Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d diagnostics failed\n\n", len(failed))
	for _, o := range failed {
		res := o.Result
		fmt.Fprintf(&b, "Host: %s\n", o.Host)
		fmt.Fprintf(&b, "Command: %s\n", res.Command)
		fmt.Fprintf(&b, "Exit Code: %d\n", res.ExitCode)
		fmt.Fprintf(&b, "Started: %s\n", res.Started.Format(time.RFC3339))
		fmt.Fprintf(&b, "Finished: %s\n", res.Finished.Format(time.RFC3339))
		fmt.Fprintf(&b, "Interrupted: %t\n", res.Interrupted)
		fmt.Fprintf(&b, "STDOUT:\n%s\n", res.Stdout)
		fmt.Fprintf(&b, "STDERR:\n%s\n", res.Stderr)
		b.WriteString(strings.Repeat("-", 40) + "\n")
	}
	return b.String()
}
