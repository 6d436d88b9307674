package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReserveNodeCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	node := &types.Node{UUID: "n1", ProvisionState: types.StateAvailable}
	require.NoError(t, store.CreateNode(ctx, node))

	got, err := store.ReserveNode(ctx, "host-a", "n1")
	require.NoError(t, err)
	assert.Equal(t, "host-a", got.Reservation)

	_, err = store.ReserveNode(ctx, "host-b", "n1")
	require.Error(t, err)
	assert.True(t, ferroerr.IsNodeLocked(err))

	// A second claim by the holder's own host conflicts too.
	_, err = store.ReserveNode(ctx, "host-a", "n1")
	require.Error(t, err)
	var locked *ferroerr.NodeLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "host-a", locked.Host)

	require.NoError(t, store.ReleaseNode(ctx, "host-a", "n1"))
	_, err = store.ReserveNode(ctx, "host-a", "n1")
	assert.NoError(t, err)
}

func TestReserveNodeConcurrentRace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(ctx, &types.Node{UUID: "n1"}))

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		host := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ReserveNode(ctx, host, "n1"); err == nil {
				wins <- host
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for h := range wins {
		winners = append(winners, h)
	}
	require.Len(t, winners, 1, "exactly one racer must win the reservation")

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], node.Reservation)
}

func TestReleaseNodeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(ctx, &types.Node{UUID: "n1"}))

	_, err := store.ReserveNode(ctx, "host-a", "n1")
	require.NoError(t, err)

	require.NoError(t, store.ReleaseNode(ctx, "host-a", "n1"))
	// Second release is a no-op.
	require.NoError(t, store.ReleaseNode(ctx, "host-a", "n1"))

	// Releasing someone else's reservation is an error.
	_, err = store.ReserveNode(ctx, "host-b", "n1")
	require.NoError(t, err)
	err = store.ReleaseNode(ctx, "host-a", "n1")
	assert.True(t, ferroerr.IsNodeLocked(err))
}

func TestGetNodeByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(ctx, &types.Node{UUID: "n1", Name: "rack3-blade7"}))

	node, err := store.GetNode(ctx, "rack3-blade7")
	require.NoError(t, err)
	assert.Equal(t, "n1", node.UUID)

	_, err = store.GetNode(ctx, "missing")
	assert.True(t, ferroerr.IsNotFound(err))
}

func TestListNodesFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seed := []*types.Node{
		{UUID: "a", ResourceClass: "x-large", ProvisionState: types.StateAvailable, PowerState: types.PowerOn},
		{UUID: "b", ResourceClass: "x-large", ProvisionState: types.StateAvailable, PowerState: types.PowerOn, Maintenance: true},
		{UUID: "c", ResourceClass: "x-large", ProvisionState: types.StateActive, PowerState: types.PowerOn},
		{UUID: "d", ResourceClass: "small", ProvisionState: types.StateAvailable, PowerState: types.PowerOn},
		{UUID: "e", ResourceClass: "x-large", ProvisionState: types.StateAvailable, PowerState: types.PowerOn, InstanceUUID: "inst-1"},
		{UUID: "f", ResourceClass: "x-large", ProvisionState: types.StateAvailable},
	}
	for _, n := range seed {
		require.NoError(t, store.CreateNode(ctx, n))
	}

	nodes, err := store.ListNodes(ctx, Filter{
		ResourceClass:   "x-large",
		ProvisionState:  types.StateAvailable,
		Unassociated:    true,
		NoMaintenance:   true,
		PowerStateKnown: true,
	})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].UUID)

	nodes, err = store.ListNodes(ctx, Filter{UUIDIn: []string{"c", "d"}})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestAttachAllocationRace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(ctx, &types.Node{UUID: "n1"}))

	first := &types.Allocation{UUID: "alloc-1", State: types.AllocationAllocating}
	second := &types.Allocation{UUID: "alloc-2", State: types.AllocationAllocating}
	require.NoError(t, store.CreateAllocation(ctx, first))
	require.NoError(t, store.CreateAllocation(ctx, second))

	require.NoError(t, store.AttachAllocation(ctx, first, "n1"))
	assert.Equal(t, types.AllocationActive, first.State)
	assert.Equal(t, "n1", first.NodeID)

	err := store.AttachAllocation(ctx, second, "n1")
	require.Error(t, err)
	assert.True(t, ferroerr.IsNodeAssociated(err))

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "alloc-1", node.InstanceUUID)
	assert.Equal(t, "alloc-1", node.AllocationID)

	// Attaching the same allocation again is the expected-linkage case.
	require.NoError(t, store.AttachAllocation(ctx, first, "n1"))
}

func TestDeleteAllocationClearsBackReferences(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateNode(ctx, &types.Node{UUID: "n1"}))

	alloc := &types.Allocation{UUID: "alloc-1"}
	require.NoError(t, store.CreateAllocation(ctx, alloc))
	require.NoError(t, store.AttachAllocation(ctx, alloc, "n1"))

	require.NoError(t, store.DeleteAllocation(ctx, "alloc-1"))

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, node.InstanceUUID)
	assert.Empty(t, node.AllocationID)

	_, err = store.GetAllocation(ctx, "alloc-1")
	assert.True(t, ferroerr.IsNotFound(err))
}

func TestTakeOverReservations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, u := range []string{"n1", "n2", "n3"} {
		require.NoError(t, store.CreateNode(ctx, &types.Node{UUID: u}))
	}
	_, err := store.ReserveNode(ctx, "host-a", "n1")
	require.NoError(t, err)
	_, err = store.ReserveNode(ctx, "host-a", "n2")
	require.NoError(t, err)
	_, err = store.ReserveNode(ctx, "host-b", "n3")
	require.NoError(t, err)

	cleared, err := store.TakeOverReservations(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	node, err := store.GetNode(ctx, "n3")
	require.NoError(t, err)
	assert.Equal(t, "host-b", node.Reservation)
}
