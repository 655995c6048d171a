package storage

import (
	"context"

	"github.com/cuemby/lifeguard/pkg/types"
)

// Reader is the read side shared by stores and open transactions
type Reader interface {
	// Zones and clusters
	GetZone(ctx context.Context, number int) (*types.Zone, error)
	ListZones(ctx context.Context) ([]*types.Zone, error)
	GetCluster(ctx context.Context, zoneNumber, id int) (*types.Cluster, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)

	// Pools
	GetPool(ctx context.Context, id string) (*types.Pool, error)
	GetPoolByName(ctx context.Context, name string) (*types.Pool, error)
	ListPools(ctx context.Context) ([]*types.Pool, error)

	// Memberships
	GetMember(ctx context.Context, vmID string) (*types.Membership, error)
	ListMembers(ctx context.Context, poolID string) ([]*types.Membership, error)

	// Change tickets
	GetTicket(ctx context.Context, id string) (*types.ChangeTicket, error)
	GetPendingTicket(ctx context.Context, poolID string) (*types.ChangeTicket, error)
	ListTickets(ctx context.Context, poolID string) ([]*types.ChangeTicket, error)

	// Tasks
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context) ([]*types.Task, error)

	// Diagnostics
	ListDiagnostics(ctx context.Context, poolID string) ([]*types.DiagnosticRecord, error)

	// Applied artifacts
	GetArtifact(ctx context.Context, id string) (*types.AppliedArtifact, error)
}

// Tx is one open transactional scope. Writes become visible to other
// readers only when the outermost scope commits.
type Tx interface {
	Reader

	PutZone(zone *types.Zone) error
	PutCluster(cluster *types.Cluster) error
	PutPool(pool *types.Pool) error
	DeletePool(id string) error

	PutMember(member *types.Membership) error
	DeleteMember(vmID string) error

	// PutTicket returns ErrPendingTicket when the ticket is pending and the
	// pool already has a different pending ticket.
	PutTicket(ticket *types.ChangeTicket) error

	PutTask(task *types.Task) error
	PutDiagnostic(record *types.DiagnosticRecord) error
	PutArtifact(artifact *types.AppliedArtifact) error
	DeleteArtifact(id string) error

	// Atomic opens a nested scope. If fn fails its writes never commit and
	// the error is returned to the enclosing scope. Backends without
	// savepoints (bolt) also refuse to commit the enclosing scope.
	Atomic(fn func(tx Tx) error) error
}

// Store defines the interface for lifeguard state storage
type Store interface {
	Reader

	// Atomic runs fn in a transaction that commits when fn returns nil
	// and rolls back otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// SaveTask persists a task in its own scope
func SaveTask(ctx context.Context, s Store, task *types.Task) error {
	return s.Atomic(ctx, func(tx Tx) error {
		return tx.PutTask(task)
	})
}

// SaveTicket persists a change ticket in its own scope
func SaveTicket(ctx context.Context, s Store, ticket *types.ChangeTicket) error {
	return s.Atomic(ctx, func(tx Tx) error {
		return tx.PutTicket(ticket)
	})
}

// SavePool persists a pool in its own scope
func SavePool(ctx context.Context, s Store, pool *types.Pool) error {
	if err := pool.Validate(); err != nil {
		return err
	}
	return s.Atomic(ctx, func(tx Tx) error {
		return tx.PutPool(pool)
	})
}
