package health

import (
	"context"
	"fmt"

	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/task"
)

// SweepSummary reports a sweep over every pool
type SweepSummary struct {
	Pools  int
	Failed []string
}

// Sweep checks the members of every pool outside of any change. Each pool
// runs as its own task, one after the other; a failing pool raises its
// consolidated incident and the sweep moves on.
func Sweep(ctx context.Context, store storage.Reader, runner *Runner, tasks *task.Runner, owner string) (SweepSummary, error) {
	logger := log.WithComponent("health")

	pools, err := store.ListPools(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list pools: %w", err)
	}

	summary := SweepSummary{Pools: len(pools)}
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		t, err := tasks.Create(ctx, task.Spec{
			Name:        "health check pool " + pool.Name,
			Owner:       owner,
			Description: "Standalone diagnostics of every member of " + pool.Name,
		})
		if err != nil {
			return summary, err
		}

		err = tasks.Run(ctx, t.ID, func(ctx context.Context, l *task.Log) error {
			members, err := store.ListMembers(ctx, pool.ID)
			if err != nil {
				return err
			}
			l.Printf("Checking %d members", len(members))

			outcomes, err := runner.RunDiagnosticsOnPool(ctx, pool, members)
			for _, o := range outcomes {
				if o.Err != nil {
					l.Printf("%s failed: exit %d: %v", o.Host, o.Result.ExitCode, o.Err)
					continue
				}
				l.Printf("%s passed", o.Host)
			}
			if err != nil && runner.Incidents != nil {
				return task.Escalated(err)
			}
			return err
		})
		if err != nil {
			logger.Warn().Err(err).Str("pool", pool.Name).Msg("Pool failed health sweep")
			summary.Failed = append(summary.Failed, pool.Name)
		}
	}

	logger.Info().Int("pools", summary.Pools).Int("failed", len(summary.Failed)).Msg("Health sweep finished")
	return summary, nil
}
