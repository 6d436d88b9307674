package storage

import (
	"context"

	"github.com/ferrohq/ferro/pkg/types"
)

// Filter narrows ListNodes at the storage layer. Zero values mean
// "don't filter on this". The allocation matcher depends on these
// being applied by the backend, not by scanning everything into memory.
type Filter struct {
	ResourceClass   string
	ProvisionState  types.ProvisionState
	Unassociated    bool // instance_uuid must be empty
	NoMaintenance   bool // maintenance must be false
	PowerStateKnown bool // power_state must have been observed
	UUIDIn          []string
}

// Store defines the interface for conductor state storage.
//
// The contract the task manager and allocation matcher rely on:
//
//   - ReserveNode is an atomic host-qualified compare-and-set; claims
//     racing for the same node see exactly one success, every loser
//     gets ferroerr.NodeLocked, same-host claims included.
//   - ReleaseNode is idempotent for the holding host.
//   - AttachAllocation links an allocation to a node and flips the
//     allocation active in one transaction, failing with
//     ferroerr.NodeAssociated if another linkage raced in first.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, ident string) (*types.Node, error)
	ListNodes(ctx context.Context, filter Filter) ([]*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) error
	DeleteNode(ctx context.Context, ident string) error

	// Reservation (the cross-process lock primitive)
	ReserveNode(ctx context.Context, host, ident string) (*types.Node, error)
	ReleaseNode(ctx context.Context, host, ident string) error
	// TakeOverReservations clears every reservation held by host and
	// returns how many were cleared. Called at conductor startup to
	// recover locks leaked by a previous crash of the same host.
	TakeOverReservations(ctx context.Context, host string) (int, error)

	// Allocations
	CreateAllocation(ctx context.Context, alloc *types.Allocation) error
	GetAllocation(ctx context.Context, ident string) (*types.Allocation, error)
	ListAllocations(ctx context.Context) ([]*types.Allocation, error)
	UpdateAllocation(ctx context.Context, alloc *types.Allocation) error
	// DeleteAllocation removes the allocation and clears the back
	// references on its node, if any.
	DeleteAllocation(ctx context.Context, ident string) error
	// AttachAllocation performs the atomic allocation-to-node linkage.
	AttachAllocation(ctx context.Context, alloc *types.Allocation, nodeUUID string) error

	// Utility
	Close() error
}
