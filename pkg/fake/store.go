package fake

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

// PoolTemplate renders to a NAME line followed by the zone and cluster
// templates
const PoolTemplate = `NAME = "{{.hostname}}"
CPU = "{{.cpu}}"
{{template "cluster" .}}
{{template "zone" .}}`

// Store opens a bolt store in a temporary directory
func Store(t testing.TB) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Zone is the zone every seeded pool lives in
func Zone() *types.Zone {
	return &types.Zone{
		Number:          1,
		Name:            "zone1",
		ComputeEndpoint: "http://one.example.com:2633/RPC2",
		Template:        `DISK = [ IMAGE = "base" ]`,
		Vars:            "cpu=1",
		DDNSMaster:      "10.0.0.53",
		DDNSDomain:      "log.tld",
	}
}

// Cluster is the cluster every seeded pool lives in
func Cluster() *types.Cluster {
	return &types.Cluster{ID: 100, ZoneNumber: 1, Name: "cluster100", Template: `SCHED_REQUIREMENTS = "CLUSTER_ID=100"`}
}

// Pool returns a pool called pool.log.tld with the given cardinality
func Pool(cardinality int) *types.Pool {
	return &types.Pool{
		ID:          "p1",
		Name:        "pool.log.tld",
		ZoneNumber:  1,
		ClusterID:   100,
		Cardinality: cardinality,
		Template:    PoolTemplate,
		Vars:        "cpu=2",
	}
}

// MemberName returns the canonical name of index i of pool.log.tld
func MemberName(i int) string {
	return fmt.Sprintf("pool%d.log.tld", i)
}

// Render renders PoolTemplate the way a seeded pool does
func Render(hostname string) string {
	return fmt.Sprintf("NAME = %q\nCPU = \"2\"\n%s\n%s", hostname, Cluster().Template, Zone().Template)
}

// SeedPool writes the zone, cluster and pool plus one up-to-date member per
// index. Member i runs as VM "1<i>".
func SeedPool(t testing.TB, s storage.Store, pool *types.Pool, indices ...int) []*types.Membership {
	t.Helper()
	members := make([]*types.Membership, 0, len(indices))
	for _, i := range indices {
		name := MemberName(i)
		members = append(members, &types.Membership{
			PoolID:    pool.ID,
			VMID:      fmt.Sprintf("1%d", i),
			Name:      name,
			Template:  Render(name),
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}

	err := s.Atomic(context.Background(), func(tx storage.Tx) error {
		if err := tx.PutZone(Zone()); err != nil {
			return err
		}
		if err := tx.PutCluster(Cluster()); err != nil {
			return err
		}
		if err := tx.PutPool(pool); err != nil {
			return err
		}
		for _, m := range members {
			if err := tx.PutMember(m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return members
}
