package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/security"
	"github.com/cuemby/lifeguard/pkg/types"
)

const manifestYAML = `
zones:
  - number: 1
    name: zone1
    compute_endpoint: http://one.example.com:2633/RPC2
    template: |
      DISK = [ IMAGE = "base" ]
    vars: |
      cpu=1
    ddns_master: 10.0.0.53
    ddns_domain: log.tld
    forward_key:
      name: fwd.
      secret: c2VjcmV0
clusters:
  - id: 100
    zone: 1
    name: cluster100
    template: SCHED_REQUIREMENTS = "CLUSTER_ID=100"
pools:
  - name: web.log.tld
    zone: 1
    cluster: 100
    cardinality: 3
    template: NAME = "{{.hostname}}"
    vars: cpu=2
`

func parseManifest(t *testing.T, text string) *Manifest {
	t.Helper()
	var m Manifest
	require.NoError(t, yaml.Unmarshal([]byte(text), &m))
	return &m
}

func TestApplyManifestCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	store := fake.Store(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := applyManifest(ctx, store, parseManifest(t, manifestYAML), nil, now)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Zones: 1, Clusters: 1, PoolsCreated: 1}, res)

	zone, err := store.GetZone(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "log.tld", zone.DDNSDomain)
	assert.Equal(t, types.TSIGKey{Name: "fwd.", Secret: "c2VjcmV0"}, zone.ForwardKey)

	pool, err := store.GetPoolByName(ctx, "web.log.tld")
	require.NoError(t, err)
	assert.NotEmpty(t, pool.ID)
	assert.Equal(t, 3, pool.Cardinality)
	assert.Equal(t, 100, pool.ClusterID)

	m := parseManifest(t, manifestYAML)
	m.Pools[0].Cardinality = 5
	res, err = applyManifest(ctx, store, m, nil, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.PoolsUpdated)
	assert.Zero(t, res.PoolsCreated)

	updated, err := store.GetPoolByName(ctx, "web.log.tld")
	require.NoError(t, err)
	assert.Equal(t, pool.ID, updated.ID)
	assert.Equal(t, 5, updated.Cardinality)
	assert.Equal(t, now, updated.CreatedAt.UTC())
	assert.Equal(t, now.Add(time.Hour), updated.UpdatedAt.UTC())
}

func TestApplyManifestSealsZoneCredentials(t *testing.T) {
	ctx := context.Background()
	store := fake.Store(t)
	sealer, err := security.NewSealerFromPassword("zone key")
	require.NoError(t, err)

	_, err = applyManifest(ctx, store, parseManifest(t, manifestYAML), sealer, time.Now())
	require.NoError(t, err)

	zone, err := store.GetZone(ctx, 1)
	require.NoError(t, err)
	assert.True(t, security.IsSealed(zone.ForwardKey.Secret))

	opened, err := sealer.OpenZone(zone)
	require.NoError(t, err)
	assert.Equal(t, "c2VjcmV0", opened.ForwardKey.Secret)

	_, err = directoryFor(config.Default(), nil)(zone)
	assert.ErrorIs(t, err, security.ErrNoKey)
	dir, err := directoryFor(config.Default(), sealer)(zone)
	require.NoError(t, err)
	assert.NotNil(t, dir)
}

func TestApplyManifestRejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{
			name:     "cluster without zone",
			manifest: "clusters:\n  - id: 7\n    zone: 9\n    name: orphan\n",
		},
		{
			name:     "pool without cluster",
			manifest: "zones:\n  - number: 1\n    name: zone1\npools:\n  - name: web.log.tld\n    zone: 1\n    cluster: 7\n",
		},
		{
			name:     "negative cardinality",
			manifest: "zones:\n  - number: 1\n    name: zone1\nclusters:\n  - id: 7\n    zone: 1\n    name: c\npools:\n  - name: web.log.tld\n    zone: 1\n    cluster: 7\n    cardinality: -1\n",
		},
		{
			name:     "unnamed zone",
			manifest: "zones:\n  - number: 2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := fake.Store(t)

			_, err := applyManifest(ctx, store, parseManifest(t, tt.manifest), nil, time.Now())
			require.Error(t, err)

			// nothing of a rejected manifest is written
			zones, err := store.ListZones(ctx)
			require.NoError(t, err)
			assert.Empty(t, zones)
		})
	}
}
