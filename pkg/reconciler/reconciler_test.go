package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/compute"
	"github.com/cuemby/lifeguard/pkg/dns"
	"github.com/cuemby/lifeguard/pkg/events"
	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/reconciler"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

type env struct {
	store   *storage.BoltStore
	compute *fake.Compute
	dir     *fake.Directory
	broker  *events.Broker
	rec     *reconciler.Reconciler
}

// newEnv seeds pool.log.tld with members 1 and 2 at 10.0.0.1 and 10.0.0.2,
// with every record correct except the alias, which points at 10.0.0.1 and
// a stale 10.0.0.9
func newEnv(t *testing.T) *env {
	t.Helper()
	store := fake.Store(t)
	members := fake.SeedPool(t, store, fake.Pool(2), 1, 2)

	c := fake.NewCompute()
	c.AddMembers(members)

	dir := fake.NewDirectory()
	dir.SetA("pool.log.tld", "10.0.0.1", "10.0.0.9")
	dir.SetA(fake.MemberName(1), "10.0.0.1")
	dir.SetA(fake.MemberName(2), "10.0.0.2")
	dir.SetPTR("10.0.0.1", fake.MemberName(1))
	dir.SetPTR("10.0.0.2", fake.MemberName(2))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cache := inventory.NewCache(compute.StaticResolver{Client: c})
	directory := func(*types.Zone) (dns.Directory, error) { return dir, nil }
	return &env{
		store:   store,
		compute: c,
		dir:     dir,
		broker:  broker,
		rec:     reconciler.NewReconciler(store, cache, directory, broker, time.Hour, false),
	}
}

func checks(l *dns.AuditLog) []dns.Check {
	var out []dns.Check
	for _, f := range l.Findings() {
		out = append(out, f.Check)
	}
	return out
}

func TestAuditPoolReportsAliasDrift(t *testing.T) {
	e := newEnv(t)

	audit, err := e.rec.AuditPool(context.Background(), "p1", false)
	require.NoError(t, err)

	assert.Equal(t, "pool.log.tld", audit.Alias)
	assert.ElementsMatch(t, []dns.Check{dns.CheckStaleAlias, dns.CheckMissingAlias}, checks(audit))
	assert.Zero(t, e.dir.Updates)
}

func TestAuditPoolFixesFindings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	audit, err := e.rec.AuditPool(ctx, "p1", true)
	require.NoError(t, err)
	for _, f := range audit.Findings() {
		assert.True(t, f.Corrected, f.Message)
	}
	assert.Equal(t, 2, e.dir.Updates)

	ips, err := e.dir.LookupA(ctx, "pool.log.tld")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips)

	again, err := e.rec.AuditPool(ctx, "p1", false)
	require.NoError(t, err)
	assert.Empty(t, again.Findings())
}

func TestAuditPoolSkipsTerminatedMembers(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.compute.DestroyVM(context.Background(), "12"))
	e.dir.SetA("pool.log.tld", "10.0.0.1")

	audit, err := e.rec.AuditPool(context.Background(), "p1", false)
	require.NoError(t, err)
	assert.Empty(t, audit.Findings())
}

func TestAuditAllPublishesFindings(t *testing.T) {
	e := newEnv(t)
	sub := e.broker.Subscribe()
	defer e.broker.Unsubscribe(sub)

	logs, err := e.rec.AuditAll(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub:
			assert.Equal(t, events.EventDNSFinding, ev.Type)
			assert.Equal(t, "p1", ev.Metadata["pool"])
			assert.Equal(t, "false", ev.Metadata["corrected"])
			seen[ev.Metadata["check"]] = ev.Metadata["subject"]
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for finding event")
		}
	}
	assert.Equal(t, map[string]string{
		string(dns.CheckStaleAlias):   "pool.log.tld",
		string(dns.CheckMissingAlias): fake.MemberName(2),
	}, seen)
}

func TestAuditAllContinuesPastBrokenPool(t *testing.T) {
	e := newEnv(t)
	broken := fake.Pool(1)
	broken.ID = "p0"
	broken.Name = "broken.log.tld"
	broken.ClusterID = 999
	require.NoError(t, e.store.Atomic(context.Background(), func(tx storage.Tx) error {
		return tx.PutPool(broken)
	}))

	logs, err := e.rec.AuditAll(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.Len(t, logs, 1)
	assert.Equal(t, "pool.log.tld", logs[0].Alias)
}

func TestAuditPoolDirectoryUnavailable(t *testing.T) {
	store := fake.Store(t)
	fake.SeedPool(t, store, fake.Pool(1), 1)
	cache := inventory.NewCache(compute.StaticResolver{Client: fake.NewCompute()})
	refused := errors.New("no TSIG key for zone")
	rec := reconciler.NewReconciler(store, cache, func(*types.Zone) (dns.Directory, error) { return nil, refused }, nil, time.Hour, false)

	_, err := rec.AuditPool(context.Background(), "p1", false)
	assert.ErrorIs(t, err, refused)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	sub := e.broker.Subscribe()
	defer e.broker.Unsubscribe(sub)

	e.rec.Start()
	select {
	case ev := <-sub:
		assert.Equal(t, events.EventDNSFinding, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not audit on start")
	}
	e.rec.Stop()
}
