package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/types"
)

const (
	nodesTable       = "nodes"
	allocationsTable = "allocations"
)

const schema = `
create table if not exists nodes (
	uuid text primary key,
	name text not null default '',
	hardware_type text not null default '',
	provision_state text not null default 'enroll',
	target_provision_state text not null default '',
	power_state text not null default '',
	maintenance boolean not null default false,
	resource_class text not null default '',
	traits text[] not null default '{}',
	reservation text not null default '',
	instance_uuid text not null default '',
	allocation_id text not null default '',
	instance_traits text[] not null default '{}',
	driver_internal_info jsonb not null default '{}',
	last_error text not null default '',
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);

create table if not exists allocations (
	uuid text primary key,
	name text not null default '',
	resource_class text not null default '',
	traits text[] not null default '{}',
	candidate_nodes text[] not null default '{}',
	node_id text not null default '',
	state text not null default 'allocating',
	last_error text not null default '',
	conductor_affinity text not null default '',
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
`

// PGStore implements Store on PostgreSQL. The reservation claim and the
// allocation linkage are guarded UPDATEs: the WHERE clause re-checks the
// precondition and zero affected rows means someone else won the race.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore connects a pool, pings it and ensures the schema exists.
func NewPGStore(ctx context.Context, user, password, host string, port uint16) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=ferro sslmode=disable pool_max_conns=15",
			user, password, host, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PGStore{db: pool}, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

const nodeColumns = `uuid, name, hardware_type, provision_state, target_provision_state,
	power_state, maintenance, resource_class, traits, reservation, instance_uuid,
	allocation_id, instance_traits, driver_internal_info, last_error, created_at, updated_at`

func scanNode(row pgx.Row) (*types.Node, error) {
	node := &types.Node{}
	err := row.Scan(
		&node.UUID,
		&node.Name,
		&node.HardwareType,
		&node.ProvisionState,
		&node.TargetProvisionState,
		&node.PowerState,
		&node.Maintenance,
		&node.ResourceClass,
		&node.Traits,
		&node.Reservation,
		&node.InstanceUUID,
		&node.AllocationID,
		&node.InstanceTraits,
		&node.DriverInternalInfo,
		&node.LastError,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	node.ID = node.UUID
	return node, nil
}

func (s *PGStore) CreateNode(ctx context.Context, node *types.Node) error {
	if node.UUID == "" {
		node.UUID = uuid.New().String()
	}
	if node.ID == "" {
		node.ID = node.UUID
	}
	if node.DriverInternalInfo == nil {
		node.DriverInternalInfo = map[string]interface{}{}
	}
	sql := `
	insert into nodes (uuid, name, hardware_type, provision_state, target_provision_state,
		power_state, maintenance, resource_class, traits, reservation, instance_uuid,
		allocation_id, instance_traits, driver_internal_info, last_error)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`
	_, err := s.db.Exec(ctx, sql,
		node.UUID,
		node.Name,
		node.HardwareType,
		node.ProvisionState,
		node.TargetProvisionState,
		node.PowerState,
		node.Maintenance,
		node.ResourceClass,
		node.Traits,
		node.Reservation,
		node.InstanceUUID,
		node.AllocationID,
		node.InstanceTraits,
		node.DriverInternalInfo,
		node.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

func (s *PGStore) GetNode(ctx context.Context, ident string) (*types.Node, error) {
	sql := fmt.Sprintf(`select %s from nodes where uuid = $1 or (name = $1 and name <> '');`, nodeColumns)
	node, err := scanNode(s.db.QueryRow(ctx, sql, ident))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ferroerr.NodeNotFound{Node: ident}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func (s *PGStore) ListNodes(ctx context.Context, filter Filter) ([]*types.Node, error) {
	builder := squirrel.Select(
		"uuid", "name", "hardware_type", "provision_state", "target_provision_state",
		"power_state", "maintenance", "resource_class", "traits", "reservation",
		"instance_uuid", "allocation_id", "instance_traits", "driver_internal_info",
		"last_error", "created_at", "updated_at",
	).From(nodesTable).PlaceholderFormat(squirrel.Dollar)

	if filter.ResourceClass != "" {
		builder = builder.Where(squirrel.Eq{"resource_class": filter.ResourceClass})
	}
	if filter.ProvisionState != "" {
		builder = builder.Where(squirrel.Eq{"provision_state": string(filter.ProvisionState)})
	}
	if filter.Unassociated {
		builder = builder.Where(squirrel.Eq{"instance_uuid": ""})
	}
	if filter.NoMaintenance {
		builder = builder.Where(squirrel.Eq{"maintenance": false})
	}
	if filter.PowerStateKnown {
		builder = builder.Where(squirrel.NotEq{"power_state": ""})
	}
	if len(filter.UUIDIn) > 0 {
		builder = builder.Where(squirrel.Eq{"uuid": filter.UUIDIn})
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build node query: %w", err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute node query: %w", err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *PGStore) UpdateNode(ctx context.Context, node *types.Node) error {
	sql := `
	update nodes set name=$2, hardware_type=$3, provision_state=$4,
		target_provision_state=$5, power_state=$6, maintenance=$7, resource_class=$8,
		traits=$9, instance_traits=$10, driver_internal_info=$11, last_error=$12,
		updated_at=now()
	where uuid = $1;
	`
	tag, err := s.db.Exec(ctx, sql,
		node.UUID,
		node.Name,
		node.HardwareType,
		node.ProvisionState,
		node.TargetProvisionState,
		node.PowerState,
		node.Maintenance,
		node.ResourceClass,
		node.Traits,
		node.InstanceTraits,
		node.DriverInternalInfo,
		node.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ferroerr.NodeNotFound{Node: node.UUID}
	}
	return nil
}

func (s *PGStore) DeleteNode(ctx context.Context, ident string) error {
	tag, err := s.db.Exec(ctx,
		`delete from nodes where uuid = $1 or (name = $1 and name <> '');`, ident)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ferroerr.NodeNotFound{Node: ident}
	}
	return nil
}

func (s *PGStore) ReserveNode(ctx context.Context, host, ident string) (*types.Node, error) {
	// Claim and readback in one transaction so a lost race reports the
	// actual holder rather than a stale one.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to start reservation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
	update nodes set reservation = $1, updated_at = now()
	where (uuid = $2 or (name = $2 and name <> ''))
	and reservation = '';
	`, host, ident)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve node: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var holder string
		err := tx.QueryRow(ctx,
			`select reservation from nodes where uuid = $1 or (name = $1 and name <> '');`,
			ident).Scan(&holder)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ferroerr.NodeNotFound{Node: ident}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inspect reservation holder: %w", err)
		}
		return nil, &ferroerr.NodeLocked{Node: ident, Host: holder}
	}

	sql := fmt.Sprintf(`select %s from nodes where uuid = $1 or (name = $1 and name <> '');`, nodeColumns)
	node, err := scanNode(tx.QueryRow(ctx, sql, ident))
	if err != nil {
		return nil, fmt.Errorf("failed to read reserved node: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return node, nil
}

func (s *PGStore) ReleaseNode(ctx context.Context, host, ident string) error {
	tag, err := s.db.Exec(ctx, `
	update nodes set reservation = '', updated_at = now()
	where (uuid = $2 or (name = $2 and name <> '')) and reservation = $1;
	`, host, ident)
	if err != nil {
		return fmt.Errorf("failed to release node: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	node, err := s.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if node.Reservation == "" {
		// Already released; release is idempotent.
		return nil
	}
	return &ferroerr.NodeLocked{Node: node.UUID, Host: node.Reservation}
}

func (s *PGStore) TakeOverReservations(ctx context.Context, host string) (int, error) {
	tag, err := s.db.Exec(ctx,
		`update nodes set reservation = '', updated_at = now() where reservation = $1;`, host)
	if err != nil {
		return 0, fmt.Errorf("failed to take over reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const allocationColumns = `uuid, name, resource_class, traits, candidate_nodes, node_id,
	state, last_error, conductor_affinity, created_at, updated_at`

func scanAllocation(row pgx.Row) (*types.Allocation, error) {
	alloc := &types.Allocation{}
	err := row.Scan(
		&alloc.UUID,
		&alloc.Name,
		&alloc.ResourceClass,
		&alloc.Traits,
		&alloc.CandidateNodes,
		&alloc.NodeID,
		&alloc.State,
		&alloc.LastError,
		&alloc.ConductorAffinity,
		&alloc.CreatedAt,
		&alloc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	alloc.ID = alloc.UUID
	return alloc, nil
}

func (s *PGStore) CreateAllocation(ctx context.Context, alloc *types.Allocation) error {
	if alloc.UUID == "" {
		alloc.UUID = uuid.New().String()
	}
	if alloc.ID == "" {
		alloc.ID = alloc.UUID
	}
	if alloc.State == "" {
		alloc.State = types.AllocationAllocating
	}
	sql := `
	insert into allocations (uuid, name, resource_class, traits, candidate_nodes,
		node_id, state, last_error, conductor_affinity)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.db.Exec(ctx, sql,
		alloc.UUID,
		alloc.Name,
		alloc.ResourceClass,
		alloc.Traits,
		alloc.CandidateNodes,
		alloc.NodeID,
		alloc.State,
		alloc.LastError,
		alloc.ConductorAffinity,
	)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *PGStore) GetAllocation(ctx context.Context, ident string) (*types.Allocation, error) {
	sql := fmt.Sprintf(`select %s from allocations where uuid = $1 or (name = $1 and name <> '');`, allocationColumns)
	alloc, err := scanAllocation(s.db.QueryRow(ctx, sql, ident))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ferroerr.AllocationNotFound{Allocation: ident}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return alloc, nil
}

func (s *PGStore) ListAllocations(ctx context.Context) ([]*types.Allocation, error) {
	sql := fmt.Sprintf(`select %s from allocations;`, allocationColumns)
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []*types.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, alloc)
	}
	return allocs, rows.Err()
}

func (s *PGStore) UpdateAllocation(ctx context.Context, alloc *types.Allocation) error {
	sql := `
	update allocations set name=$2, resource_class=$3, traits=$4, candidate_nodes=$5,
		node_id=$6, state=$7, last_error=$8, conductor_affinity=$9, updated_at=now()
	where uuid = $1;
	`
	tag, err := s.db.Exec(ctx, sql,
		alloc.UUID,
		alloc.Name,
		alloc.ResourceClass,
		alloc.Traits,
		alloc.CandidateNodes,
		alloc.NodeID,
		alloc.State,
		alloc.LastError,
		alloc.ConductorAffinity,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ferroerr.AllocationNotFound{Allocation: alloc.UUID}
	}
	return nil
}

func (s *PGStore) DeleteAllocation(ctx context.Context, ident string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to start deletion transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	sql := fmt.Sprintf(`select %s from allocations where uuid = $1 or (name = $1 and name <> '');`, allocationColumns)
	alloc, err := scanAllocation(tx.QueryRow(ctx, sql, ident))
	if errors.Is(err, pgx.ErrNoRows) {
		return &ferroerr.AllocationNotFound{Allocation: ident}
	}
	if err != nil {
		return fmt.Errorf("failed to get allocation: %w", err)
	}

	if alloc.NodeID != "" {
		_, err = tx.Exec(ctx, `
		update nodes set instance_uuid = '', allocation_id = '', updated_at = now()
		where uuid = $1 and allocation_id = $2;
		`, alloc.NodeID, alloc.UUID)
		if err != nil {
			return fmt.Errorf("failed to clear node back references: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `delete from allocations where uuid = $1;`, alloc.UUID); err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit allocation deletion: %w", err)
	}
	return nil
}

func (s *PGStore) AttachAllocation(ctx context.Context, alloc *types.Allocation, nodeUUID string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to start linkage transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Guarded UPDATE: zero rows affected means another allocation won
	// the linkage race after our candidate scan.
	tag, err := tx.Exec(ctx, `
	update nodes set instance_uuid = $1, allocation_id = $1, updated_at = now()
	where uuid = $2 and (instance_uuid = '' or instance_uuid = $1);
	`, alloc.UUID, nodeUUID)
	if err != nil {
		return fmt.Errorf("failed to link node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var instance string
		err := tx.QueryRow(ctx, `select instance_uuid from nodes where uuid = $1;`, nodeUUID).Scan(&instance)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ferroerr.NodeNotFound{Node: nodeUUID}
		}
		if err != nil {
			return fmt.Errorf("failed to inspect node linkage: %w", err)
		}
		return &ferroerr.NodeAssociated{Node: nodeUUID, Instance: instance}
	}

	_, err = tx.Exec(ctx, `
	update allocations set node_id = $2, state = $3, last_error = '', updated_at = now()
	where uuid = $1;
	`, alloc.UUID, nodeUUID, types.AllocationActive)
	if err != nil {
		return fmt.Errorf("failed to activate allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit linkage: %w", err)
	}

	alloc.NodeID = nodeUUID
	alloc.State = types.AllocationActive
	alloc.LastError = ""
	return nil
}
