package allocations

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/events"
	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/log"
	"github.com/ferrohq/ferro/pkg/metrics"
	"github.com/ferrohq/ferro/pkg/storage"
	"github.com/ferrohq/ferro/pkg/task"
	"github.com/ferrohq/ferro/pkg/types"
)

// Matcher binds allocations to nodes. One Matcher serves the whole
// process; it is safe for concurrent use.
type Matcher struct {
	store  storage.Store
	tasks  *task.Manager
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger

	// sleep separates the retry pacing from the wall clock; tests
	// substitute it.
	sleep func(time.Duration)
}

// NewMatcher creates a matcher.
func NewMatcher(store storage.Store, tasks *task.Manager, broker *events.Broker, cfg *config.Config) *Matcher {
	return &Matcher{
		store:  store,
		tasks:  tasks,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("allocations"),
		sleep:  time.Sleep,
	}
}

// Process runs the full matching algorithm for one allocation. It
// never returns an error: matching runs as a background task, so every
// failure, expected or not, lands on the allocation record's state and
// LastError instead of propagating into the worker pool.
func (m *Matcher) Process(ctx context.Context, alloc *types.Allocation) {
	logger := m.logger.With().Str("allocation", alloc.UUID).Logger()

	if err := m.allocate(ctx, alloc); err != nil {
		if ferroerr.IsExpected(err) {
			logger.Warn().Msg(err.Error())
		} else {
			logger.Error().Err(err).Msg("allocation processing failed")
		}
		alloc.State = types.AllocationError
		alloc.LastError = err.Error()
		if uerr := m.store.UpdateAllocation(ctx, alloc); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to record allocation failure")
		}
		m.broker.Publish(&events.Notification{
			Type:    events.NotifyAllocationError,
			Action:  "allocate",
			Message: err.Error(),
			Metadata: map[string]string{
				"allocation": alloc.UUID,
			},
		})
		metrics.AllocationsTotal.WithLabelValues("error").Inc()
		return
	}

	logger.Info().Str("node_uuid", alloc.NodeID).Msg("allocation is active")
	m.broker.Publish(&events.Notification{
		Type:     events.NotifyAllocationActive,
		NodeUUID: alloc.NodeID,
		Action:   "allocate",
		Metadata: map[string]string{
			"allocation": alloc.UUID,
		},
	})
	metrics.AllocationsTotal.WithLabelValues("active").Inc()
}

func (m *Matcher) allocate(ctx context.Context, alloc *types.Allocation) error {
	alloc.ConductorAffinity = m.tasks.Host()
	alloc.State = types.AllocationAllocating
	if err := m.store.UpdateAllocation(ctx, alloc); err != nil {
		return err
	}

	// The store applies the cheap constraints; traits are matched here
	// because they are a superset check, not an equality.
	nodes, err := m.store.ListNodes(ctx, storage.Filter{
		ResourceClass:   alloc.ResourceClass,
		ProvisionState:  types.StateAvailable,
		Unassociated:    true,
		NoMaintenance:   true,
		PowerStateKnown: true,
		UUIDIn:          alloc.CandidateNodes,
	})
	if err != nil {
		return err
	}
	metrics.AllocationCandidates.Observe(float64(len(nodes)))

	if len(nodes) == 0 {
		reason := fmt.Sprintf("no available nodes match the resource class %s", alloc.ResourceClass)
		if len(alloc.CandidateNodes) > 0 {
			reason = fmt.Sprintf("none of the requested candidate nodes are available for the resource class %s", alloc.ResourceClass)
		}
		return &ferroerr.AllocationFailed{Allocation: alloc.UUID, Reason: reason}
	}

	candidates := nodes[:0]
	for _, node := range nodes {
		if hasAllTraits(node, alloc.Traits) {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return &ferroerr.AllocationFailed{
			Allocation: alloc.UUID,
			Reason: fmt.Sprintf("no available nodes with the resource class %s carry the requested traits %v",
				alloc.ResourceClass, alloc.Traits),
		}
	}

	// Spread concurrent requests across the fleet instead of having
	// every conductor walk the same candidate order.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	remaining := candidates
	for attempt := 1; ; attempt++ {
		var locked []*types.Node
		for _, node := range remaining {
			matched, contended, err := m.tryNode(ctx, alloc, node)
			if err != nil {
				return err
			}
			if matched {
				return nil
			}
			if contended {
				locked = append(locked, node)
			}
		}

		if len(locked) == 0 {
			return &ferroerr.AllocationFailed{
				Allocation: alloc.UUID,
				Reason:     fmt.Sprintf("unable to find a suitable node among %d candidates", len(candidates)),
			}
		}
		if attempt >= m.cfg.AllocationRetryAttempts {
			return &ferroerr.AllocationFailed{
				Allocation: alloc.UUID,
				Reason:     fmt.Sprintf("could not reserve any of %d suitable nodes", len(locked)),
			}
		}
		m.logger.Debug().
			Str("allocation", alloc.UUID).
			Int("locked", len(locked)).
			Int("attempt", attempt).
			Msg("all suitable nodes are locked, retrying")
		m.sleep(m.cfg.AllocationRetryInterval)
		remaining = locked
	}
}

// tryNode attempts to claim one candidate. It reports contended=true
// for lock conflicts, which keep the node in the retry set; any other
// reason to pass on the node just drops it.
func (m *Matcher) tryNode(ctx context.Context, alloc *types.Allocation, node *types.Node) (matched, contended bool, err error) {
	t, err := m.tasks.Acquire(ctx, []string{node.UUID}, task.AcquireOptions{
		// The candidate loop is its own retry mechanism, and this
		// conductor may not even have the node's driver; the linkage
		// below needs only the lock.
		NoRetry:        true,
		SkipDriverLoad: true,
		Purpose:        "allocation " + alloc.UUID,
	})
	if err != nil {
		switch {
		case ferroerr.IsNodeLocked(err):
			return false, true, nil
		case ferroerr.IsNodeAssociated(err), ferroerr.IsNotFound(err):
			return false, false, nil
		}
		return false, false, err
	}
	defer t.Release()

	// The candidate scan ran without the lock; anything may have
	// changed since. Re-check every constraint on the fresh copy.
	fresh, err := t.Node()
	if err != nil {
		return false, false, err
	}
	if !suitable(fresh, alloc) {
		return false, false, nil
	}

	if err := m.store.AttachAllocation(ctx, alloc, fresh.UUID); err != nil {
		if ferroerr.IsNodeAssociated(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, false, nil
}

// suitable re-verifies the candidate constraints under the lock.
func suitable(node *types.Node, alloc *types.Allocation) bool {
	if node.Maintenance {
		return false
	}
	if node.ProvisionState != types.StateAvailable {
		return false
	}
	if node.InstanceUUID != "" && node.InstanceUUID != alloc.UUID {
		return false
	}
	if node.ResourceClass != alloc.ResourceClass {
		return false
	}
	if !node.PowerState.Known() {
		return false
	}
	return hasAllTraits(node, alloc.Traits)
}

func hasAllTraits(node *types.Node, traits []string) bool {
	for _, trait := range traits {
		if !node.HasTrait(trait) {
			return false
		}
	}
	return true
}
