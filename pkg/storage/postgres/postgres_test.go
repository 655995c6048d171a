package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestUpsertSQL(t *testing.T) {
	sql, args, err := upsert(tableClusters, []string{"zone_number", "id"},
		[]string{"zone_number", "id", "data"}, []any{1, 100, "{}"})
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO clusters (zone_number,id,data) VALUES ($1,$2,$3) on conflict (zone_number, id) do update set data = excluded.data",
		sql)
	assert.Equal(t, []any{1, 100, "{}"}, args)

	sql, _, err = upsert(tableMembers, []string{"vm_id"},
		[]string{"vm_id", "pool_id", "name", "data"}, []any{"1", "p1", "pool1.log.tld", "{}"})
	require.NoError(t, err)
	assert.Contains(t, sql, "pool_id = excluded.pool_id, name = excluded.name, data = excluded.data")
}

// startPostgres starts a PostgreSQL container and returns its DSN. It skips
// the test if Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("lifeguard"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://test:test@%s:%s/lifeguard?sslmode=disable", host, port.Port())
}

func TestStoreIntegration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	pool := &types.Pool{ID: "p1", Name: "pool.log.tld", Cardinality: 2}
	require.NoError(t, storage.SavePool(ctx, s, pool))

	got, err := s.GetPoolByName(ctx, "pool.log.tld")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)

	_, err = s.GetPool(ctx, "missing")
	assert.True(t, types.IsNotFound(err))

	t.Run("one pending ticket per pool", func(t *testing.T) {
		first := &types.ChangeTicket{ID: "t1", PoolID: "p1", Key: "CRQ-1", Outcome: types.OutcomePending, CreatedAt: time.Now()}
		require.NoError(t, storage.SaveTicket(ctx, s, first))

		err := storage.SaveTicket(ctx, s, &types.ChangeTicket{ID: "t2", PoolID: "p1", Key: "CRQ-2", Outcome: types.OutcomePending, CreatedAt: time.Now()})
		assert.ErrorIs(t, err, types.ErrPendingTicket)

		pending, err := s.GetPendingTicket(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "CRQ-1", pending.Key)

		first.Outcome = types.OutcomeFailed
		require.NoError(t, storage.SaveTicket(ctx, s, first))
		_, err = s.GetPendingTicket(ctx, "p1")
		assert.True(t, types.IsNotFound(err))
	})

	t.Run("nested scope rolls back to savepoint", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.PutMember(&types.Membership{PoolID: "p1", VMID: "1", Name: "pool1.log.tld"}); err != nil {
				return err
			}
			nested := tx.Atomic(func(inner storage.Tx) error {
				if err := inner.PutMember(&types.Membership{PoolID: "p1", VMID: "2", Name: "pool2.log.tld"}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, nested, boom)
			return nil
		})
		require.NoError(t, err)

		members, err := s.ListMembers(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "1", members[0].VMID)
	})
}
