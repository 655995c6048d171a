package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/health"
	"github.com/cuemby/lifeguard/pkg/retry"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/task"
	"github.com/cuemby/lifeguard/pkg/types"
)

func TestSweepRunsOneTaskPerPool(t *testing.T) {
	ctx := context.Background()
	store := fake.Store(t)
	fake.SeedPool(t, store, fake.Pool(2), 1, 2)

	other := fake.Pool(1)
	other.ID = "p2"
	other.Name = "api.log.tld"
	require.NoError(t, storage.SavePool(ctx, store, other))
	require.NoError(t, store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.PutMember(&types.Membership{PoolID: "p2", VMID: "21", Name: "api1.log.tld"})
	}))

	remote := fake.NewRemote()
	remote.Fail(fake.MemberName(2), 3, "disk full")
	tracker := fake.NewTracker()

	runner := &health.Runner{
		Remote:    remote,
		Store:     store,
		Incidents: tracker,
		Policy:    retry.Policy{Delay: time.Millisecond, MaxAttempts: 1, Retryable: retry.Transient},
		Workers:   2,
		Command:   "/usr/local/bin/healthcheck",
		Timeout:   time.Second,
		Owner:     "lifeguard",
	}
	tasks := task.NewRunner(store, tracker, nil)

	summary, err := health.Sweep(ctx, store, runner, tasks, "lifeguard")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Pools)
	assert.Equal(t, []string{"pool.log.tld"}, summary.Failed)

	// the pool incident only, not a second one for the task
	require.Equal(t, 1, tracker.IncidentCount())
	assert.Equal(t, "Diagnostics failed on pool pool.log.tld", tracker.Incidents[0].Summary)

	all, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	results := map[string]types.TaskResult{}
	for _, tk := range all {
		assert.Equal(t, types.TaskStatusFinished, tk.Status)
		results[tk.Name] = tk.Result
		if tk.Name == "health check pool pool.log.tld" {
			assert.Contains(t, tk.Log, fake.MemberName(2)+" failed: exit 3")
			assert.Contains(t, tk.Log, fake.MemberName(1)+" passed")
		}
	}
	assert.Equal(t, map[string]types.TaskResult{
		"health check pool pool.log.tld": types.TaskResultFail,
		"health check pool api.log.tld":  types.TaskResultSuccess,
	}, results)
}

func TestSweepWithoutPools(t *testing.T) {
	store := fake.Store(t)
	runner := &health.Runner{Remote: fake.NewRemote(), Store: store, Workers: 1}

	summary, err := health.Sweep(context.Background(), store, runner, task.NewRunner(store, nil, nil), "lifeguard")
	require.NoError(t, err)
	assert.Zero(t, summary.Pools)
	assert.Empty(t, summary.Failed)
}
