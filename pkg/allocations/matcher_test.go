package allocations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/storage"
	"github.com/ferrohq/ferro/pkg/task"
	"github.com/ferrohq/ferro/pkg/types"
)

func newTestMatcher(t *testing.T, store storage.Store) (*Matcher, *[]time.Duration) {
	return newTestMatcherHost(t, store, "cond-a")
}

func newTestMatcherHost(t *testing.T, store storage.Store, host string) (*Matcher, *[]time.Duration) {
	t.Helper()
	cfg := config.Default()
	cfg.Hostname = host
	cfg.NodeLockedRetryInterval = time.Millisecond
	cfg.AllocationRetryAttempts = 2
	cfg.AllocationRetryInterval = time.Millisecond

	registry := driver.NewRegistry()
	driver.RegisterFake(registry)
	tasks := task.NewManager(store, registry, nil, cfg)

	m := NewMatcher(store, tasks, nil, cfg)
	var sleeps []time.Duration
	m.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return m, &sleeps
}

func newBoltStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func availableNode(t *testing.T, store storage.Store, class string, traits ...string) *types.Node {
	t.Helper()
	node := &types.Node{
		UUID:           uuid.NewString(),
		HardwareType:   "fake-hardware",
		ProvisionState: types.StateAvailable,
		PowerState:     types.PowerOff,
		ResourceClass:  class,
		Traits:         traits,
	}
	require.NoError(t, store.CreateNode(context.Background(), node))
	return node
}

func newAllocation(t *testing.T, store storage.Store, class string, traits ...string) *types.Allocation {
	t.Helper()
	alloc := &types.Allocation{
		UUID:          uuid.NewString(),
		ResourceClass: class,
		Traits:        traits,
		State:         types.AllocationAllocating,
	}
	require.NoError(t, store.CreateAllocation(context.Background(), alloc))
	return alloc
}

func TestProcessMatchesAndLinks(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	availableNode(t, store, "x-large")
	availableNode(t, store, "x-large")
	availableNode(t, store, "small")
	alloc := newAllocation(t, store, "x-large")

	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationActive, got.State)
	assert.Empty(t, got.LastError)
	require.NotEmpty(t, got.NodeID)

	node, err := store.GetNode(ctx, got.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "x-large", node.ResourceClass)
	assert.Equal(t, alloc.UUID, node.InstanceUUID)
	assert.Equal(t, alloc.UUID, node.AllocationID)
	assert.Empty(t, node.Reservation, "lock must be released after matching")
}

func TestProcessNoMatchingNodes(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	availableNode(t, store, "small")
	alloc := newAllocation(t, store, "x-large")

	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationError, got.State)
	assert.Contains(t, got.LastError, "no available nodes")
	assert.Contains(t, got.LastError, "x-large")
	assert.Empty(t, got.NodeID)
}

func TestProcessCandidateListMessage(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	node := availableNode(t, store, "small")
	alloc := newAllocation(t, store, "x-large")
	alloc.CandidateNodes = []string{node.UUID}

	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationError, got.State)
	assert.Contains(t, got.LastError, "candidate nodes")
}

func TestProcessTraitSupersetFilter(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	availableNode(t, store, "x-large", "CUSTOM_RAID")
	match := availableNode(t, store, "x-large", "CUSTOM_RAID", "CUSTOM_GPU", "CUSTOM_NVME")
	alloc := newAllocation(t, store, "x-large", "CUSTOM_RAID", "CUSTOM_GPU")

	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationActive, got.State)
	assert.Equal(t, match.UUID, got.NodeID, "only the trait superset node qualifies")
}

func TestProcessAllCandidatesLocked(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, sleeps := newTestMatcher(t, store)

	for i := 0; i < 2; i++ {
		node := availableNode(t, store, "x-large")
		_, err := store.ReserveNode(ctx, "other-host", node.UUID)
		require.NoError(t, err)
	}
	alloc := newAllocation(t, store, "x-large")

	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationError, got.State)
	assert.Contains(t, got.LastError, "could not reserve any of 2 suitable nodes")
	assert.Len(t, *sleeps, 1, "two passes, one pause between them")
}

func TestProcessLockedNodeFreedBetweenPasses(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	node := availableNode(t, store, "x-large")
	_, err := store.ReserveNode(ctx, "other-host", node.UUID)
	require.NoError(t, err)

	m.sleep = func(time.Duration) {
		require.NoError(t, store.ReleaseNode(ctx, "other-host", node.UUID))
	}

	alloc := newAllocation(t, store, "x-large")
	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationActive, got.State)
	assert.Equal(t, node.UUID, got.NodeID)
}

// staleStore serves a stale candidate scan so the in-lock
// re-verification has something to catch.
type staleStore struct {
	storage.Store
	stale []*types.Node
}

func (s *staleStore) ListNodes(ctx context.Context, filter storage.Filter) ([]*types.Node, error) {
	return s.stale, nil
}

func TestProcessReverifiesUnderLock(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)

	node := availableNode(t, store, "x-large")
	// The node went into maintenance after the scan.
	node.Maintenance = true
	require.NoError(t, store.UpdateNode(ctx, node))

	staleCopy := *node
	staleCopy.Maintenance = false
	wrapped := &staleStore{Store: store, stale: []*types.Node{&staleCopy}}

	m, sleeps := newTestMatcher(t, store)
	m.store = wrapped

	alloc := newAllocation(t, store, "x-large")
	m.Process(ctx, alloc)

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationError, got.State)
	assert.Contains(t, got.LastError, "unable to find a suitable node")
	assert.Empty(t, *sleeps, "an unsuitable node must not consume the retry budget")

	fresh, err := store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Reservation)
	assert.Empty(t, fresh.InstanceUUID)
}

func TestProcessConcurrentAllocationsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)

	nodes := 2
	for i := 0; i < nodes; i++ {
		availableNode(t, store, "x-large")
	}

	allocs := make([]*types.Allocation, 4)
	for i := range allocs {
		allocs[i] = newAllocation(t, store, "x-large")
	}

	var wg sync.WaitGroup
	for i, alloc := range allocs {
		m, _ := newTestMatcherHost(t, store, "cond-"+string(rune('a'+i)))
		wg.Add(1)
		go func(a *types.Allocation) {
			defer wg.Done()
			m.Process(ctx, a)
		}(alloc)
	}
	wg.Wait()

	active := 0
	seen := make(map[string]bool)
	for _, alloc := range allocs {
		got, err := store.GetAllocation(ctx, alloc.UUID)
		require.NoError(t, err)
		if got.State == types.AllocationActive {
			active++
			assert.False(t, seen[got.NodeID], "a node must serve at most one allocation")
			seen[got.NodeID] = true
		}
	}
	assert.Equal(t, nodes, active)
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	node := availableNode(t, store, "x-large", "CUSTOM_RAID")
	node.ProvisionState = types.StateActive
	require.NoError(t, store.UpdateNode(ctx, node))

	alloc := newAllocation(t, store, "x-large", "CUSTOM_RAID")
	require.NoError(t, m.Backfill(ctx, alloc, node.UUID))

	got, err := store.GetAllocation(ctx, alloc.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationActive, got.State)
	assert.Equal(t, node.UUID, got.NodeID)
}

func TestBackfillValidation(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	m, _ := newTestMatcher(t, store)

	tests := []struct {
		name    string
		setup   func(node *types.Node, alloc *types.Allocation)
		wantErr string
	}{
		{
			name:    "node not active",
			setup:   func(node *types.Node, alloc *types.Allocation) { node.ProvisionState = types.StateAvailable },
			wantErr: "only active nodes",
		},
		{
			name:    "resource class mismatch",
			setup:   func(node *types.Node, alloc *types.Allocation) { alloc.ResourceClass = "small" },
			wantErr: "resource class",
		},
		{
			name:    "missing trait",
			setup:   func(node *types.Node, alloc *types.Allocation) { alloc.Traits = []string{"CUSTOM_FPGA"} },
			wantErr: "traits",
		},
		{
			name:    "outside candidate list",
			setup:   func(node *types.Node, alloc *types.Allocation) { alloc.CandidateNodes = []string{"other-uuid"} },
			wantErr: "candidate nodes",
		},
		{
			name:    "already associated elsewhere",
			setup:   func(node *types.Node, alloc *types.Allocation) { node.InstanceUUID = "someone-else" },
			wantErr: "associated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := availableNode(t, store, "x-large", "CUSTOM_RAID")
			node.ProvisionState = types.StateActive
			alloc := newAllocation(t, store, "x-large")
			tt.setup(node, alloc)
			require.NoError(t, store.UpdateNode(ctx, node))

			err := m.Backfill(ctx, alloc, node.UUID)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
