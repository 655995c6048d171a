package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/compute"
	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/types"
)

func TestLoad(t *testing.T) {
	store := fake.Store(t)
	fake.SeedPool(t, store, fake.Pool(3), 1, 3)

	snap, err := inventory.Load(context.Background(), store, "p1")
	require.NoError(t, err)
	assert.Equal(t, "pool.log.tld", snap.Pool.Name)
	assert.Equal(t, "zone1", snap.Zone.Name)
	assert.Equal(t, 100, snap.Cluster.ID)
	assert.Len(t, snap.Members, 2)

	rendered, err := snap.Render("pool2.log.tld")
	require.NoError(t, err)
	assert.Equal(t, fake.Render("pool2.log.tld"), rendered)

	m, ok := snap.Member("13")
	require.True(t, ok)
	assert.Equal(t, "pool3.log.tld", m.Name)
}

func TestLoadMissingPool(t *testing.T) {
	_, err := inventory.Load(context.Background(), fake.Store(t), "nope")
	assert.True(t, types.IsNotFound(err))
}

func TestCache(t *testing.T) {
	store := fake.Store(t)
	members := fake.SeedPool(t, store, fake.Pool(3), 1, 2, 3)
	c := fake.NewCompute()
	c.AddMembers(members[:2])
	c.AddVM(&types.VM{ID: "13", Name: "pool3.log.tld", IP: "10.0.0.3", StateID: 6})

	snap, err := inventory.Load(context.Background(), store, "p1")
	require.NoError(t, err)
	snap.Members[0].Template = "stale"

	cache := inventory.NewCache(compute.StaticResolver{Client: c})

	counters, err := cache.Counters(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 3, counters.Members)
	assert.Equal(t, 1, counters.Outdated)
	assert.Equal(t, 1, counters.Terminated)

	dnsMembers, err := cache.DNSMembers(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, dnsMembers, 2)
	assert.Equal(t, "10.0.0.1", dnsMembers[0].IP)

	c.AddVM(&types.VM{ID: "99", Name: "late", StateID: 3})
	vms, err := cache.VMs(context.Background(), snap.Zone)
	require.NoError(t, err)
	assert.NotContains(t, vms, "99")

	cache.Invalidate(snap.Zone.Number)
	vms, err = cache.VMs(context.Background(), snap.Zone)
	require.NoError(t, err)
	assert.Contains(t, vms, "99")
}
