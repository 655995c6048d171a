package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/health"
	"github.com/cuemby/lifeguard/pkg/retry"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRunner(t *testing.T, remote health.Remote, tracker *fake.Tracker) (*health.Runner, storage.Store) {
	store := newStore(t)
	return &health.Runner{
		Remote:    remote,
		Store:     store,
		Incidents: tracker,
		Policy: retry.Policy{
			Delay:       time.Millisecond,
			MaxAttempts: 2,
			Retryable:   retry.Transient,
		},
		Workers: 4,
		Command: "/usr/local/bin/healthcheck",
		Timeout: time.Second,
		Owner:   "lifeguard",
	}, store
}

func members() []*types.Membership {
	return []*types.Membership{
		{PoolID: "p1", VMID: "11", Name: "web1.log.tld"},
		{PoolID: "p1", VMID: "12", Name: "web2.log.tld"},
	}
}

func TestRunDiagnosticsOnPoolAllFail(t *testing.T) {
	remote := fake.NewRemote()
	remote.Fail("web1.log.tld", 2, "disk full")
	remote.Fail("web2.log.tld", 1, "nginx down")
	tracker := fake.NewTracker()
	runner, store := newRunner(t, remote, tracker)

	pool := &types.Pool{ID: "p1", Name: "web"}
	outcomes, err := runner.RunDiagnosticsOnPool(context.Background(), pool, members())

	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDiagnosticFailed))
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Error(t, o.Err)
		assert.Equal(t, 2, remote.Calls(o.Host), "attempts on %s", o.Host)
	}

	records, err := store.ListDiagnostics(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.Equal(t, 1, tracker.IncidentCount())
	incident := tracker.Incidents[0]
	assert.Equal(t, "Diagnostics failed on pool web", incident.Summary)
	assert.Contains(t, incident.Description, "2 diagnostics failed")
	assert.Contains(t, incident.Description, "Host: web1.log.tld")
	assert.Contains(t, incident.Description, "Host: web2.log.tld")
	assert.Contains(t, incident.Description, "nginx down")
}

func TestNewRunnerRaisesIncidentsAsRunOwner(t *testing.T) {
	remote := fake.NewRemote()
	remote.Fail("web1.log.tld", 1, "disk full")
	tracker := fake.NewTracker()
	cfg := config.HealthConfig{User: "root", Command: "/usr/local/bin/healthcheck", Timeout: time.Second, MaxAttempts: 1}
	runner := health.NewRunner(remote, newStore(t), tracker, cfg, 2, "ticket_script")

	_, err := runner.RunDiagnosticsOnPool(context.Background(), &types.Pool{ID: "p1", Name: "web"}, members())
	require.ErrorIs(t, err, types.ErrDiagnosticFailed)
	require.Equal(t, 1, tracker.IncidentCount())
	assert.Equal(t, "ticket_script", tracker.Incidents[0].Owner)
}

func TestRunDiagnosticsOnPoolPasses(t *testing.T) {
	remote := fake.NewRemote()
	tracker := fake.NewTracker()
	runner, store := newRunner(t, remote, tracker)

	outcomes, err := runner.RunDiagnosticsOnPool(context.Background(), &types.Pool{ID: "p1", Name: "web"}, members())
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, 0, tracker.IncidentCount())
	assert.Equal(t, 1, remote.Calls("web1.log.tld"))

	records, err := store.ListDiagnostics(context.Background(), "p1")
	require.NoError(t, err)
	for _, r := range records {
		assert.True(t, r.Succeeded())
		assert.Equal(t, "/usr/local/bin/healthcheck", r.Command)
	}
}

func TestRunDiagnosticsPartialFailure(t *testing.T) {
	remote := fake.NewRemote()
	remote.Errors["web2.log.tld"] = errors.New("connection refused")
	tracker := fake.NewTracker()
	runner, _ := newRunner(t, remote, tracker)

	outcomes := runner.RunDiagnostics(context.Background(), "p1", health.Targets(members()))
	require.Len(t, outcomes, 2)
	assert.Equal(t, "web1.log.tld", outcomes[0].Host)
	assert.NoError(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[1].Err, types.ErrDiagnosticFailed)
	assert.Equal(t, -1, outcomes[1].Result.ExitCode)
}

func TestRunDiagnosticRecoversOnRetry(t *testing.T) {
	remote := &flakyRemote{failures: 1}
	runner, _ := newRunner(t, remote, fake.NewTracker())

	res, err := runner.RunDiagnostic(context.Background(), health.Target{Host: "web1.log.tld"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 2, remote.calls)
}

func TestRunDiagnosticsEmpty(t *testing.T) {
	runner, _ := newRunner(t, fake.NewRemote(), fake.NewTracker())
	assert.Empty(t, runner.RunDiagnostics(context.Background(), "p1", nil))
}

type flakyRemote struct {
	failures int
	calls    int
}

func (f *flakyRemote) Exec(context.Context, string, string) (health.ExecResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return health.ExecResult{ExitCode: 1}, nil
	}
	return health.ExecResult{}, nil
}
