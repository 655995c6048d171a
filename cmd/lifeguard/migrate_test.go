package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lifeguard/pkg/fake"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

func TestCopyStore(t *testing.T) {
	ctx := context.Background()
	src := fake.Store(t)
	fake.SeedPool(t, src, fake.Pool(3), 1, 2)

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, storage.SaveTicket(ctx, src, &types.ChangeTicket{
		ID: "t1", PoolID: "p1", Key: "CRQ-1", Action: types.ActionExpand, Outcome: types.OutcomePending, CreatedAt: created,
	}))
	require.NoError(t, storage.SaveTask(ctx, src, &types.Task{
		ID: "task-1", Name: "plan pool", Status: types.TaskStatusFinished, Result: types.TaskResultSuccess, CreatedAt: created,
	}))

	dst := fake.Store(t)
	counts, err := copyStore(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, copyCounts{Zones: 1, Clusters: 1, Pools: 1, Members: 2, Tickets: 1, Tasks: 1}, counts)

	members, err := dst.ListMembers(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	pending, err := dst.GetPendingTicket(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "CRQ-1", pending.Key)

	// copying again overwrites in place
	again, err := copyStore(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, counts, again)
}
