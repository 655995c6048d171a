// Package postgres implements storage.Store on PostgreSQL.
//
// Each record kind lives in its own table with the indexed columns broken
// out and the full record kept as jsonb. The one-pending-ticket-per-pool
// rule is a partial unique index, so it also holds across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tableZones       = "zones"
	tableClusters    = "clusters"
	tablePools       = "pools"
	tableMembers     = "members"
	tableTickets     = "tickets"
	tableTasks       = "tasks"
	tableDiagnostics = "diagnostics"
	tableArtifacts   = "artifacts"

	pendingTicketIndex = "tickets_one_pending_idx"
	uniqueViolation    = "23505"
)

const schema = `
create table if not exists zones (
	number integer primary key,
	data jsonb not null
);
create table if not exists clusters (
	zone_number integer not null,
	id integer not null,
	data jsonb not null,
	primary key (zone_number, id)
);
create table if not exists pools (
	id text primary key,
	name text not null unique,
	data jsonb not null
);
create table if not exists members (
	vm_id text primary key,
	pool_id text not null,
	name text not null,
	data jsonb not null
);
create index if not exists members_pool_idx on members (pool_id);
create table if not exists tickets (
	id text primary key,
	pool_id text not null,
	outcome text not null,
	created_at timestamptz not null,
	data jsonb not null
);
create unique index if not exists tickets_one_pending_idx on tickets (pool_id) where outcome = 'pending';
create table if not exists tasks (
	id text primary key,
	created_at timestamptz not null,
	data jsonb not null
);
create table if not exists diagnostics (
	id text primary key,
	pool_id text not null,
	started timestamptz not null,
	data jsonb not null
);
create index if not exists diagnostics_pool_idx on diagnostics (pool_id);
create table if not exists artifacts (
	id text primary key,
	data jsonb not null
);
`

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.Store on a pgx connection pool
type Store struct {
	reader
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects to dsn, pings the server and applies the schema
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	s := &Store{reader: reader{q: pool}, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Atomic runs fn in a read-committed transaction
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{reader: reader{q: tx}, tx: tx, ctx: ctx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// reader implements storage.Reader over any querier
type reader struct {
	q querier
}

func getOne[T any](ctx context.Context, q querier, table, kind, key string, where squirrel.Eq) (*T, error) {
	sql, args, err := psql.Select("data").From(table).Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := q.QueryRow(ctx, sql, args...).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s not found: %s: %w", kind, key, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func list[T any](ctx context.Context, q querier, b squirrel.SelectBuilder) ([]*T, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}

func (r reader) GetZone(ctx context.Context, number int) (*types.Zone, error) {
	return getOne[types.Zone](ctx, r.q, tableZones, "zone", fmt.Sprint(number), squirrel.Eq{"number": number})
}

func (r reader) ListZones(ctx context.Context) ([]*types.Zone, error) {
	return list[types.Zone](ctx, r.q, psql.Select("data").From(tableZones).OrderBy("number"))
}

func (r reader) GetCluster(ctx context.Context, zoneNumber, id int) (*types.Cluster, error) {
	return getOne[types.Cluster](ctx, r.q, tableClusters, "cluster", fmt.Sprintf("%d/%d", zoneNumber, id),
		squirrel.Eq{"zone_number": zoneNumber, "id": id})
}

func (r reader) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	return list[types.Cluster](ctx, r.q, psql.Select("data").From(tableClusters).OrderBy("zone_number", "id"))
}

func (r reader) GetPool(ctx context.Context, id string) (*types.Pool, error) {
	return getOne[types.Pool](ctx, r.q, tablePools, "pool", id, squirrel.Eq{"id": id})
}

func (r reader) GetPoolByName(ctx context.Context, name string) (*types.Pool, error) {
	return getOne[types.Pool](ctx, r.q, tablePools, "pool", name, squirrel.Eq{"name": name})
}

func (r reader) ListPools(ctx context.Context) ([]*types.Pool, error) {
	return list[types.Pool](ctx, r.q, psql.Select("data").From(tablePools).OrderBy("name"))
}

func (r reader) GetMember(ctx context.Context, vmID string) (*types.Membership, error) {
	return getOne[types.Membership](ctx, r.q, tableMembers, "member", vmID, squirrel.Eq{"vm_id": vmID})
}

func (r reader) ListMembers(ctx context.Context, poolID string) ([]*types.Membership, error) {
	return list[types.Membership](ctx, r.q,
		psql.Select("data").From(tableMembers).Where(squirrel.Eq{"pool_id": poolID}).OrderBy("name"))
}

func (r reader) GetTicket(ctx context.Context, id string) (*types.ChangeTicket, error) {
	return getOne[types.ChangeTicket](ctx, r.q, tableTickets, "ticket", id, squirrel.Eq{"id": id})
}

func (r reader) GetPendingTicket(ctx context.Context, poolID string) (*types.ChangeTicket, error) {
	return getOne[types.ChangeTicket](ctx, r.q, tableTickets, "pending ticket for pool", poolID,
		squirrel.Eq{"pool_id": poolID, "outcome": string(types.OutcomePending)})
}

func (r reader) ListTickets(ctx context.Context, poolID string) ([]*types.ChangeTicket, error) {
	b := psql.Select("data").From(tableTickets).OrderBy("created_at")
	if poolID != "" {
		b = b.Where(squirrel.Eq{"pool_id": poolID})
	}
	return list[types.ChangeTicket](ctx, r.q, b)
}

func (r reader) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getOne[types.Task](ctx, r.q, tableTasks, "task", id, squirrel.Eq{"id": id})
}

func (r reader) ListTasks(ctx context.Context) ([]*types.Task, error) {
	return list[types.Task](ctx, r.q, psql.Select("data").From(tableTasks).OrderBy("created_at"))
}

func (r reader) ListDiagnostics(ctx context.Context, poolID string) ([]*types.DiagnosticRecord, error) {
	return list[types.DiagnosticRecord](ctx, r.q,
		psql.Select("data").From(tableDiagnostics).Where(squirrel.Eq{"pool_id": poolID}).OrderBy("started"))
}

func (r reader) GetArtifact(ctx context.Context, id string) (*types.AppliedArtifact, error) {
	return getOne[types.AppliedArtifact](ctx, r.q, tableArtifacts, "artifact", id, squirrel.Eq{"id": id})
}

// pgTx implements storage.Tx. Nested scopes are savepoints.
type pgTx struct {
	reader
	tx  pgx.Tx
	ctx context.Context
}

// upsert builds an insert that overwrites every non-key column on conflict
func upsert(table string, keys, cols []string, vals []any) (string, []any, error) {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var set []string
	for _, c := range cols {
		if !isKey[c] {
			set = append(set, c+" = excluded."+c)
		}
	}
	return psql.Insert(table).Columns(cols...).Values(vals...).
		Suffix("on conflict (" + strings.Join(keys, ", ") + ") do update set " + strings.Join(set, ", ")).
		ToSql()
}

func (t *pgTx) exec(table string, keys, cols []string, vals []any) error {
	sql, args, err := upsert(table, keys, cols, vals)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, sql, args...)
	return err
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	return string(data), err
}

func (t *pgTx) PutZone(zone *types.Zone) error {
	data, err := encode(zone)
	if err != nil {
		return err
	}
	return t.exec(tableZones, []string{"number"}, []string{"number", "data"}, []any{zone.Number, data})
}

func (t *pgTx) PutCluster(cluster *types.Cluster) error {
	data, err := encode(cluster)
	if err != nil {
		return err
	}
	return t.exec(tableClusters, []string{"zone_number", "id"}, []string{"zone_number", "id", "data"},
		[]any{cluster.ZoneNumber, cluster.ID, data})
}

func (t *pgTx) PutPool(pool *types.Pool) error {
	data, err := encode(pool)
	if err != nil {
		return err
	}
	return t.exec(tablePools, []string{"id"}, []string{"id", "name", "data"}, []any{pool.ID, pool.Name, data})
}

func (t *pgTx) DeletePool(id string) error {
	sql, args, err := psql.Delete(tablePools).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, sql, args...)
	return err
}

func (t *pgTx) PutMember(member *types.Membership) error {
	existing, err := t.GetMember(t.ctx, member.VMID)
	if err == nil && existing.PoolID != member.PoolID {
		return fmt.Errorf("vm %s already belongs to pool %s", member.VMID, existing.PoolID)
	}
	data, err := encode(member)
	if err != nil {
		return err
	}
	return t.exec(tableMembers, []string{"vm_id"}, []string{"vm_id", "pool_id", "name", "data"},
		[]any{member.VMID, member.PoolID, member.Name, data})
}

func (t *pgTx) DeleteMember(vmID string) error {
	sql, args, err := psql.Delete(tableMembers).Where(squirrel.Eq{"vm_id": vmID}).ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, sql, args...)
	return err
}

func (t *pgTx) PutTicket(ticket *types.ChangeTicket) error {
	outcome := ticket.Outcome
	if outcome == "" {
		outcome = types.OutcomePending
	}
	created := ticket.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	data, err := encode(ticket)
	if err != nil {
		return err
	}
	err = t.exec(tableTickets, []string{"id"}, []string{"id", "pool_id", "outcome", "created_at", "data"},
		[]any{ticket.ID, ticket.PoolID, string(outcome), created, data})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == pendingTicketIndex {
		return fmt.Errorf("%w: pool %s", types.ErrPendingTicket, ticket.PoolID)
	}
	return err
}

func (t *pgTx) PutTask(task *types.Task) error {
	data, err := encode(task)
	if err != nil {
		return err
	}
	return t.exec(tableTasks, []string{"id"}, []string{"id", "created_at", "data"}, []any{task.ID, task.CreatedAt, data})
}

func (t *pgTx) PutDiagnostic(record *types.DiagnosticRecord) error {
	data, err := encode(record)
	if err != nil {
		return err
	}
	return t.exec(tableDiagnostics, []string{"id"}, []string{"id", "pool_id", "started", "data"},
		[]any{record.ID, record.PoolID, record.Started, data})
}

func (t *pgTx) PutArtifact(artifact *types.AppliedArtifact) error {
	data, err := encode(artifact)
	if err != nil {
		return err
	}
	return t.exec(tableArtifacts, []string{"id"}, []string{"id", "data"}, []any{artifact.ID(), data})
}

func (t *pgTx) DeleteArtifact(id string) error {
	sql, args, err := psql.Delete(tableArtifacts).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, sql, args...)
	return err
}

func (t *pgTx) Atomic(fn func(tx storage.Tx) error) error {
	sp, err := t.tx.Begin(t.ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(&pgTx{reader: reader{q: sp}, tx: sp, ctx: t.ctx}); err != nil {
		_ = sp.Rollback(t.ctx)
		return err
	}
	return sp.Commit(t.ctx)
}
