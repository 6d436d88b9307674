package allocations

import (
	"context"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/task"
	"github.com/ferrohq/ferro/pkg/types"
)

// Backfill records an allocation against a node that was deployed
// before allocations existed, or outside of them. Unlike Process it
// runs on a caller's request path, so every failure comes back as a
// distinguishable error instead of landing on the allocation record.
func (m *Matcher) Backfill(ctx context.Context, alloc *types.Allocation, nodeIdent string) error {
	t, err := m.tasks.Acquire(ctx, []string{nodeIdent}, task.AcquireOptions{
		SkipDriverLoad: true,
		Purpose:        "backfilling allocation " + alloc.UUID,
	})
	if err != nil {
		return err
	}
	defer t.Release()

	node, err := t.Node()
	if err != nil {
		return err
	}

	if node.ProvisionState != types.StateActive {
		return ferroerr.Invalidf("node %s is in state %q, only active nodes accept a backfilled allocation",
			node.UUID, node.ProvisionState)
	}
	if node.InstanceUUID != "" && node.InstanceUUID != alloc.UUID {
		return &ferroerr.NodeAssociated{Node: node.UUID, Instance: node.InstanceUUID}
	}
	if alloc.ResourceClass != "" && node.ResourceClass != alloc.ResourceClass {
		return ferroerr.Invalidf("node %s has resource class %q, allocation %s requires %q",
			node.UUID, node.ResourceClass, alloc.UUID, alloc.ResourceClass)
	}
	if !hasAllTraits(node, alloc.Traits) {
		return ferroerr.Invalidf("node %s does not carry all requested traits %v", node.UUID, alloc.Traits)
	}
	if len(alloc.CandidateNodes) > 0 && !containsString(alloc.CandidateNodes, node.UUID) {
		return ferroerr.Invalidf("node %s is not among the allocation's candidate nodes", node.UUID)
	}

	// The allocation inherits the node's class when created open-ended.
	if alloc.ResourceClass == "" {
		alloc.ResourceClass = node.ResourceClass
	}
	alloc.ConductorAffinity = m.tasks.Host()

	return m.store.AttachAllocation(ctx, alloc, node.UUID)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
