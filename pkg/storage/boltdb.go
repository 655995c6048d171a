package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cuemby/lifeguard/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketZones       = []byte("zones")
	bucketClusters    = []byte("clusters")
	bucketPools       = []byte("pools")
	bucketMembers     = []byte("members")
	bucketTickets     = []byte("tickets")
	bucketTasks       = []byte("tasks")
	bucketDiagnostics = []byte("diagnostics")
	bucketArtifacts   = []byte("artifacts")
)

// BoltFileName is the database file inside the data directory
const BoltFileName = "lifeguard.db"

// ErrScopeAborted is returned when a nested scope failed inside a bolt
// transaction whose caller still tried to commit.
var ErrScopeAborted = errors.New("transaction aborted by failed nested scope")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, BoltFileName)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketZones,
			bucketClusters,
			bucketPools,
			bucketMembers,
			bucketTickets,
			bucketTasks,
			bucketDiagnostics,
			bucketArtifacts,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Atomic runs fn inside one bolt read-write transaction
func (s *BoltStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		t := &boltTx{boltReader: boltReader{tx: btx}}
		if err := fn(t); err != nil {
			return err
		}
		if t.aborted != nil {
			return fmt.Errorf("%w: %v", ErrScopeAborted, t.aborted)
		}
		return nil
	})
}

func (s *BoltStore) view(fn func(r *boltReader) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltReader{tx: btx})
	})
}

// Read side. Every Store read opens its own view transaction.

func (s *BoltStore) GetZone(ctx context.Context, number int) (zone *types.Zone, err error) {
	err = s.view(func(r *boltReader) error {
		zone, err = r.GetZone(ctx, number)
		return err
	})
	return zone, err
}

func (s *BoltStore) ListZones(ctx context.Context) (zones []*types.Zone, err error) {
	err = s.view(func(r *boltReader) error {
		zones, err = r.ListZones(ctx)
		return err
	})
	return zones, err
}

func (s *BoltStore) GetCluster(ctx context.Context, zoneNumber, id int) (cluster *types.Cluster, err error) {
	err = s.view(func(r *boltReader) error {
		cluster, err = r.GetCluster(ctx, zoneNumber, id)
		return err
	})
	return cluster, err
}

func (s *BoltStore) ListClusters(ctx context.Context) (clusters []*types.Cluster, err error) {
	err = s.view(func(r *boltReader) error {
		clusters, err = r.ListClusters(ctx)
		return err
	})
	return clusters, err
}

func (s *BoltStore) GetPool(ctx context.Context, id string) (pool *types.Pool, err error) {
	err = s.view(func(r *boltReader) error {
		pool, err = r.GetPool(ctx, id)
		return err
	})
	return pool, err
}

func (s *BoltStore) GetPoolByName(ctx context.Context, name string) (pool *types.Pool, err error) {
	err = s.view(func(r *boltReader) error {
		pool, err = r.GetPoolByName(ctx, name)
		return err
	})
	return pool, err
}

func (s *BoltStore) ListPools(ctx context.Context) (pools []*types.Pool, err error) {
	err = s.view(func(r *boltReader) error {
		pools, err = r.ListPools(ctx)
		return err
	})
	return pools, err
}

func (s *BoltStore) GetMember(ctx context.Context, vmID string) (member *types.Membership, err error) {
	err = s.view(func(r *boltReader) error {
		member, err = r.GetMember(ctx, vmID)
		return err
	})
	return member, err
}

func (s *BoltStore) ListMembers(ctx context.Context, poolID string) (members []*types.Membership, err error) {
	err = s.view(func(r *boltReader) error {
		members, err = r.ListMembers(ctx, poolID)
		return err
	})
	return members, err
}

func (s *BoltStore) GetTicket(ctx context.Context, id string) (ticket *types.ChangeTicket, err error) {
	err = s.view(func(r *boltReader) error {
		ticket, err = r.GetTicket(ctx, id)
		return err
	})
	return ticket, err
}

func (s *BoltStore) GetPendingTicket(ctx context.Context, poolID string) (ticket *types.ChangeTicket, err error) {
	err = s.view(func(r *boltReader) error {
		ticket, err = r.GetPendingTicket(ctx, poolID)
		return err
	})
	return ticket, err
}

func (s *BoltStore) ListTickets(ctx context.Context, poolID string) (tickets []*types.ChangeTicket, err error) {
	err = s.view(func(r *boltReader) error {
		tickets, err = r.ListTickets(ctx, poolID)
		return err
	})
	return tickets, err
}

func (s *BoltStore) GetTask(ctx context.Context, id string) (task *types.Task, err error) {
	err = s.view(func(r *boltReader) error {
		task, err = r.GetTask(ctx, id)
		return err
	})
	return task, err
}

func (s *BoltStore) ListTasks(ctx context.Context) (tasks []*types.Task, err error) {
	err = s.view(func(r *boltReader) error {
		tasks, err = r.ListTasks(ctx)
		return err
	})
	return tasks, err
}

func (s *BoltStore) ListDiagnostics(ctx context.Context, poolID string) (records []*types.DiagnosticRecord, err error) {
	err = s.view(func(r *boltReader) error {
		records, err = r.ListDiagnostics(ctx, poolID)
		return err
	})
	return records, err
}

func (s *BoltStore) GetArtifact(ctx context.Context, id string) (artifact *types.AppliedArtifact, err error) {
	err = s.view(func(r *boltReader) error {
		artifact, err = r.GetArtifact(ctx, id)
		return err
	})
	return artifact, err
}

// boltReader implements Reader over an open bolt transaction
type boltReader struct {
	tx *bolt.Tx
}

func getJSON[T any](tx *bolt.Tx, bucket []byte, key, kind string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s not found: %s: %w", kind, key, types.ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func listJSON[T any](tx *bolt.Tx, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var items []*T
	err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep == nil || keep(&item) {
			items = append(items, &item)
		}
		return nil
	})
	return items, err
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func clusterKey(zoneNumber, id int) string {
	return strconv.Itoa(zoneNumber) + "/" + strconv.Itoa(id)
}

func (r *boltReader) GetZone(_ context.Context, number int) (*types.Zone, error) {
	return getJSON[types.Zone](r.tx, bucketZones, strconv.Itoa(number), "zone")
}

func (r *boltReader) ListZones(_ context.Context) ([]*types.Zone, error) {
	zones, err := listJSON[types.Zone](r.tx, bucketZones, nil)
	sort.Slice(zones, func(i, j int) bool { return zones[i].Number < zones[j].Number })
	return zones, err
}

func (r *boltReader) GetCluster(_ context.Context, zoneNumber, id int) (*types.Cluster, error) {
	return getJSON[types.Cluster](r.tx, bucketClusters, clusterKey(zoneNumber, id), "cluster")
}

func (r *boltReader) ListClusters(_ context.Context) ([]*types.Cluster, error) {
	clusters, err := listJSON[types.Cluster](r.tx, bucketClusters, nil)
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].ZoneNumber != clusters[j].ZoneNumber {
			return clusters[i].ZoneNumber < clusters[j].ZoneNumber
		}
		return clusters[i].ID < clusters[j].ID
	})
	return clusters, err
}

func (r *boltReader) GetPool(_ context.Context, id string) (*types.Pool, error) {
	return getJSON[types.Pool](r.tx, bucketPools, id, "pool")
}

func (r *boltReader) GetPoolByName(_ context.Context, name string) (*types.Pool, error) {
	pools, err := listJSON[types.Pool](r.tx, bucketPools, func(p *types.Pool) bool {
		return p.Name == name
	})
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("pool not found: %s: %w", name, types.ErrNotFound)
	}
	return pools[0], nil
}

func (r *boltReader) ListPools(_ context.Context) ([]*types.Pool, error) {
	pools, err := listJSON[types.Pool](r.tx, bucketPools, nil)
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools, err
}

func (r *boltReader) GetMember(_ context.Context, vmID string) (*types.Membership, error) {
	return getJSON[types.Membership](r.tx, bucketMembers, vmID, "member")
}

func (r *boltReader) ListMembers(_ context.Context, poolID string) ([]*types.Membership, error) {
	members, err := listJSON[types.Membership](r.tx, bucketMembers, func(m *types.Membership) bool {
		return m.PoolID == poolID
	})
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, err
}

func (r *boltReader) GetTicket(_ context.Context, id string) (*types.ChangeTicket, error) {
	return getJSON[types.ChangeTicket](r.tx, bucketTickets, id, "ticket")
}

func (r *boltReader) GetPendingTicket(_ context.Context, poolID string) (*types.ChangeTicket, error) {
	tickets, err := listJSON[types.ChangeTicket](r.tx, bucketTickets, func(t *types.ChangeTicket) bool {
		return t.PoolID == poolID && !t.Done()
	})
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("pending ticket not found for pool %s: %w", poolID, types.ErrNotFound)
	}
	return tickets[0], nil
}

// ListTickets lists the tickets of one pool, or of every pool when poolID
// is empty, oldest first
func (r *boltReader) ListTickets(_ context.Context, poolID string) ([]*types.ChangeTicket, error) {
	tickets, err := listJSON[types.ChangeTicket](r.tx, bucketTickets, func(t *types.ChangeTicket) bool {
		return poolID == "" || t.PoolID == poolID
	})
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	return tickets, err
}

func (r *boltReader) GetTask(_ context.Context, id string) (*types.Task, error) {
	return getJSON[types.Task](r.tx, bucketTasks, id, "task")
}

func (r *boltReader) ListTasks(_ context.Context) ([]*types.Task, error) {
	tasks, err := listJSON[types.Task](r.tx, bucketTasks, nil)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, err
}

func (r *boltReader) ListDiagnostics(_ context.Context, poolID string) ([]*types.DiagnosticRecord, error) {
	records, err := listJSON[types.DiagnosticRecord](r.tx, bucketDiagnostics, func(d *types.DiagnosticRecord) bool {
		return d.PoolID == poolID
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Started.Before(records[j].Started) })
	return records, err
}

func (r *boltReader) GetArtifact(_ context.Context, id string) (*types.AppliedArtifact, error) {
	return getJSON[types.AppliedArtifact](r.tx, bucketArtifacts, id, "artifact")
}

// boltTx implements Tx. Bolt has no savepoints, so a failed nested scope
// marks the whole transaction aborted.
type boltTx struct {
	boltReader
	aborted error
}

func (t *boltTx) PutZone(zone *types.Zone) error {
	return putJSON(t.tx, bucketZones, strconv.Itoa(zone.Number), zone)
}

func (t *boltTx) PutCluster(cluster *types.Cluster) error {
	return putJSON(t.tx, bucketClusters, clusterKey(cluster.ZoneNumber, cluster.ID), cluster)
}

func (t *boltTx) PutPool(pool *types.Pool) error {
	return putJSON(t.tx, bucketPools, pool.ID, pool)
}

func (t *boltTx) DeletePool(id string) error {
	return t.tx.Bucket(bucketPools).Delete([]byte(id))
}

func (t *boltTx) PutMember(member *types.Membership) error {
	existing, err := t.GetMember(context.Background(), member.VMID)
	if err == nil && existing.PoolID != member.PoolID {
		return fmt.Errorf("vm %s already belongs to pool %s", member.VMID, existing.PoolID)
	}
	return putJSON(t.tx, bucketMembers, member.VMID, member)
}

func (t *boltTx) DeleteMember(vmID string) error {
	return t.tx.Bucket(bucketMembers).Delete([]byte(vmID))
}

func (t *boltTx) PutTicket(ticket *types.ChangeTicket) error {
	if !ticket.Done() {
		pending, err := t.GetPendingTicket(context.Background(), ticket.PoolID)
		if err == nil && pending.ID != ticket.ID {
			return fmt.Errorf("%w: %s", types.ErrPendingTicket, pending.Key)
		}
	}
	return putJSON(t.tx, bucketTickets, ticket.ID, ticket)
}

func (t *boltTx) PutTask(task *types.Task) error {
	return putJSON(t.tx, bucketTasks, task.ID, task)
}

func (t *boltTx) PutDiagnostic(record *types.DiagnosticRecord) error {
	return putJSON(t.tx, bucketDiagnostics, record.ID, record)
}

func (t *boltTx) PutArtifact(artifact *types.AppliedArtifact) error {
	return putJSON(t.tx, bucketArtifacts, artifact.ID(), artifact)
}

func (t *boltTx) DeleteArtifact(id string) error {
	return t.tx.Bucket(bucketArtifacts).Delete([]byte(id))
}

func (t *boltTx) Atomic(fn func(tx Tx) error) error {
	if err := fn(t); err != nil {
		if t.aborted == nil {
			t.aborted = err
		}
		return err
	}
	return nil
}
