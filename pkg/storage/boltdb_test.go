package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStorePools(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pool := &types.Pool{ID: "p1", Name: "pool.log.tld", Cardinality: 3, ZoneNumber: 1, ClusterID: 100}
	require.NoError(t, SavePool(ctx, s, pool))

	got, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, pool.Name, got.Name)

	byName, err := s.GetPoolByName(ctx, "pool.log.tld")
	require.NoError(t, err)
	assert.Equal(t, "p1", byName.ID)

	_, err = s.GetPool(ctx, "missing")
	assert.True(t, types.IsNotFound(err))

	err = SavePool(ctx, s, &types.Pool{ID: "p2", Name: "bad", Cardinality: -1})
	assert.True(t, types.IsValidation(err))

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	assert.Len(t, pools, 1)
}

func TestBoltStoreMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Atomic(ctx, func(tx Tx) error {
		for _, m := range []*types.Membership{
			{PoolID: "p1", VMID: "12", Name: "pool3.log.tld"},
			{PoolID: "p1", VMID: "10", Name: "pool1.log.tld"},
			{PoolID: "p2", VMID: "20", Name: "other1.log.tld"},
		} {
			if err := tx.PutMember(m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	members, err := s.ListMembers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "pool1.log.tld", members[0].Name)

	// A VM id belongs to one pool only
	err = s.Atomic(ctx, func(tx Tx) error {
		return tx.PutMember(&types.Membership{PoolID: "p2", VMID: "12", Name: "pool3.log.tld"})
	})
	assert.Error(t, err)

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error { return tx.DeleteMember("12") }))
	_, err = s.GetMember(ctx, "12")
	assert.True(t, types.IsNotFound(err))
}

func TestBoltStoreOnePendingTicketPerPool(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &types.ChangeTicket{ID: "t1", PoolID: "p1", Key: "CRQ-1", Action: types.ActionExpand, Outcome: types.OutcomePending, CreatedAt: time.Now()}
	require.NoError(t, SaveTicket(ctx, s, first))

	second := &types.ChangeTicket{ID: "t2", PoolID: "p1", Key: "CRQ-2", Action: types.ActionShrink, Outcome: types.OutcomePending, CreatedAt: time.Now()}
	err := SaveTicket(ctx, s, second)
	assert.ErrorIs(t, err, types.ErrPendingTicket)

	// Re-saving the same pending ticket is fine
	require.NoError(t, SaveTicket(ctx, s, first))

	pending, err := s.GetPendingTicket(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "CRQ-1", pending.Key)

	first.Outcome = types.OutcomeSucceeded
	require.NoError(t, SaveTicket(ctx, s, first))
	require.NoError(t, SaveTicket(ctx, s, second))

	_, err = s.GetPendingTicket(ctx, "p2")
	assert.True(t, types.IsNotFound(err))

	tickets, err := s.ListTickets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tickets, 2)
}

func TestBoltStoreRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx Tx) error {
		if err := tx.PutMember(&types.Membership{PoolID: "p1", VMID: "1", Name: "pool1.log.tld"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	members, err := s.ListMembers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestBoltStoreNestedScopeFailureAbortsCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx Tx) error {
		if err := tx.PutMember(&types.Membership{PoolID: "p1", VMID: "1", Name: "pool1.log.tld"}); err != nil {
			return err
		}
		nestedErr := tx.Atomic(func(inner Tx) error {
			if err := inner.PutMember(&types.Membership{PoolID: "p1", VMID: "2", Name: "pool2.log.tld"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, nestedErr, boom)
		// swallow the nested error; bolt still refuses to commit
		return nil
	})
	assert.ErrorIs(t, err, ErrScopeAborted)

	members, err := s.ListMembers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestBoltStoreNestedScopeSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Atomic(ctx, func(tx Tx) error {
		if err := tx.DeleteMember("old"); err != nil {
			return err
		}
		return tx.Atomic(func(inner Tx) error {
			return inner.PutMember(&types.Membership{PoolID: "p1", VMID: "new", Name: "pool1.log.tld"})
		})
	})
	require.NoError(t, err)

	m, err := s.GetMember(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "pool1.log.tld", m.Name)
}

func TestBoltStoreTasksDiagnosticsArtifacts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, SaveTask(ctx, s, &types.Task{ID: "task-1", Name: "plan", Status: types.TaskStatusPending, CreatedAt: now}))
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		if err := tx.PutDiagnostic(&types.DiagnosticRecord{ID: "d2", PoolID: "p1", VMID: "2", Started: now.Add(time.Second)}); err != nil {
			return err
		}
		if err := tx.PutDiagnostic(&types.DiagnosticRecord{ID: "d1", PoolID: "p1", VMID: "1", Started: now}); err != nil {
			return err
		}
		return tx.PutArtifact(&types.AppliedArtifact{ChangeKey: "CRQ-1", SubUnitKey: "CRQ-2", Name: "p1.pool2.log.tld.template", VMID: "2"})
	}))

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)

	records, err := s.ListDiagnostics(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "d1", records[0].ID)

	a, err := s.GetArtifact(ctx, types.ArtifactID("CRQ-1", "p1.pool2.log.tld.template"))
	require.NoError(t, err)
	assert.Equal(t, "2", a.VMID)
}

func TestBoltStoreZonesClusters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		if err := tx.PutZone(&types.Zone{Number: 2, Name: "east"}); err != nil {
			return err
		}
		if err := tx.PutZone(&types.Zone{Number: 1, Name: "west"}); err != nil {
			return err
		}
		return tx.PutCluster(&types.Cluster{ID: 100, ZoneNumber: 1, Name: "c100"})
	}))

	zones, err := s.ListZones(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, "west", zones[0].Name)

	c, err := s.GetCluster(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "c100", c.Name)

	_, err = s.GetCluster(ctx, 2, 100)
	assert.True(t, types.IsNotFound(err))
}
