package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ferrohq/ferro/pkg/allocations"
	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/events"
	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/log"
	"github.com/ferrohq/ferro/pkg/orchestrator"
	"github.com/ferrohq/ferro/pkg/steps"
	"github.com/ferrohq/ferro/pkg/storage"
	"github.com/ferrohq/ferro/pkg/task"
	"github.com/ferrohq/ferro/pkg/types"
)

// Conductor is the long-running service. It owns the worker pool, the
// background sweeps (resuming suspended phases, dispatching pending
// allocations, polling power states) and the synchronous operation
// entry points.
type Conductor struct {
	cfg      *config.Config
	store    storage.Store
	registry *driver.Registry
	broker   *events.Broker
	tasks    *task.Manager
	matcher  *allocations.Matcher
	orch     *orchestrator.Orchestrator
	logger   zerolog.Logger

	workCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	// inflight guards against a slow background job being submitted
	// again by the next sweep tick.
	mu       sync.Mutex
	inflight map[string]bool
}

// New wires a conductor from its dependencies. templates may be nil.
func New(cfg *config.Config, store storage.Store, registry *driver.Registry, broker *events.Broker, templates steps.TemplateSource) *Conductor {
	tasks := task.NewManager(store, registry, broker, cfg)
	return &Conductor{
		cfg:      cfg,
		store:    store,
		registry: registry,
		broker:   broker,
		tasks:    tasks,
		matcher:  allocations.NewMatcher(store, tasks, broker, cfg),
		orch:     orchestrator.New(steps.NewResolver(cfg, templates), broker, cfg),
		logger:   log.WithComponent("conductor"),
		workCh:   make(chan func(), 64),
		stopCh:   make(chan struct{}),
		inflight: make(map[string]bool),
	}
}

// Start recovers reservations leaked by a previous run of this host,
// then launches the worker pool and the background loops.
func (c *Conductor) Start(ctx context.Context) error {
	cleared, err := c.store.TakeOverReservations(ctx, c.cfg.Hostname)
	if err != nil {
		return fmt.Errorf("failed to take over reservations: %w", err)
	}
	if cleared > 0 {
		c.logger.Warn().Int("reservations", cleared).Msg("cleared stale reservations from a previous run")
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	c.wg.Add(1)
	go c.sweepLoop()

	if c.cfg.PowerSyncInterval > 0 {
		c.wg.Add(1)
		go c.powerSyncLoop()
	}

	c.logger.Info().
		Str("hostname", c.cfg.Hostname).
		Int("workers", c.cfg.Workers).
		Msg("conductor started")
	return nil
}

// Stop shuts down the loops and waits for in-flight jobs to finish.
func (c *Conductor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("conductor stopped")
}

func (c *Conductor) worker() {
	defer c.wg.Done()
	for {
		select {
		case job := <-c.workCh:
			job()
		case <-c.stopCh:
			return
		}
	}
}

// submit queues a background job, deduplicated by key until it
// finishes.
func (c *Conductor) submit(key string, job func()) {
	c.mu.Lock()
	if c.inflight[key] {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = true
	c.mu.Unlock()

	wrapped := func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		job()
	}

	select {
	case c.workCh <- wrapped:
	case <-c.stopCh:
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}
}

func (c *Conductor) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			c.resumeSuspended(ctx)
			c.dispatchAllocations(ctx)
		case <-c.stopCh:
			return
		}
	}
}

// resumeSuspended picks up nodes whose phase suspended on an
// asynchronous step and drives them forward from the stored cursor.
func (c *Conductor) resumeSuspended(ctx context.Context) {
	for _, state := range []types.ProvisionState{types.StateCleanWait, types.StateDeployWait} {
		nodes, err := c.store.ListNodes(ctx, storage.Filter{ProvisionState: state})
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to list suspended nodes")
			continue
		}
		for _, node := range nodes {
			if node.Reservation != "" {
				continue
			}
			nodeUUID := node.UUID
			c.submit("resume:"+nodeUUID, func() {
				if err := c.resumeNode(ctx, nodeUUID); err != nil && !ferroerr.IsNodeLocked(err) {
					c.logger.Error().Err(err).Str("node_uuid", nodeUUID).Msg("failed to resume suspended phase")
				}
			})
		}
	}
}

func (c *Conductor) resumeNode(ctx context.Context, nodeUUID string) error {
	t, err := c.tasks.Acquire(ctx, []string{nodeUUID}, task.AcquireOptions{
		NoRetry: true,
		Purpose: "resuming suspended phase",
	})
	if err != nil {
		return err
	}
	defer t.Release()
	return c.orch.Resume(ctx, t)
}

// dispatchAllocations hands pending allocations to the matcher. An
// allocation with affinity to another conductor is left alone; one
// with no affinity is up for grabs.
func (c *Conductor) dispatchAllocations(ctx context.Context) {
	allocs, err := c.store.ListAllocations(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list allocations")
		return
	}
	for _, alloc := range allocs {
		if alloc.State != types.AllocationAllocating {
			continue
		}
		if alloc.ConductorAffinity != "" && alloc.ConductorAffinity != c.cfg.Hostname {
			continue
		}
		a := alloc
		c.submit("allocation:"+a.UUID, func() {
			c.matcher.Process(ctx, a)
		})
	}
}

func (c *Conductor) powerSyncLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PowerSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.syncPowerStates(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// syncPowerStates polls the BMC of every resting node and corrects the
// recorded power state when reality disagrees.
func (c *Conductor) syncPowerStates(ctx context.Context) {
	nodes, err := c.store.ListNodes(ctx, storage.Filter{})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list nodes for power sync")
		return
	}
	for _, node := range nodes {
		if !types.Stable(node.ProvisionState) || node.Maintenance || node.Reservation != "" {
			continue
		}
		nodeUUID := node.UUID
		c.submit("powersync:"+nodeUUID, func() {
			if err := c.syncNodePower(ctx, nodeUUID); err != nil && !ferroerr.IsNodeLocked(err) {
				c.logger.Debug().Err(err).Str("node_uuid", nodeUUID).Msg("power sync skipped")
			}
		})
	}
}

func (c *Conductor) syncNodePower(ctx context.Context, nodeUUID string) error {
	t, err := c.tasks.Acquire(ctx, []string{nodeUUID}, task.AcquireOptions{
		NoRetry: true,
		Purpose: "power state sync",
	})
	if err != nil {
		return err
	}
	defer t.Release()

	node, err := t.Node()
	if err != nil {
		return err
	}
	bundle, err := t.Driver()
	if err != nil {
		return err
	}

	power, err := bundle.Power.PowerState(ctx, node)
	if err != nil {
		return err
	}
	if power == node.PowerState {
		return nil
	}

	c.broker.Publish(&events.Notification{
		Type:     events.NotifyPowerCorrected,
		NodeUUID: node.UUID,
		Action:   "power_sync",
		Message:  fmt.Sprintf("power state corrected from %q to %q", node.PowerState, power),
	})
	node.PowerState = power
	return t.SaveNode(ctx, node)
}

// VerifyNode runs the verify phase synchronously.
func (c *Conductor) VerifyNode(ctx context.Context, ident string) error {
	t, err := c.tasks.Acquire(ctx, []string{ident}, task.AcquireOptions{Purpose: "verify"})
	if err != nil {
		return err
	}
	defer t.Release()
	return c.orch.Verify(ctx, t)
}

// CleanNode runs the clean phase synchronously. The phase may suspend
// on an asynchronous step; the sweep loop finishes it later.
func (c *Conductor) CleanNode(ctx context.Context, ident string, userSteps []types.Step) error {
	t, err := c.tasks.Acquire(ctx, []string{ident}, task.AcquireOptions{Purpose: "clean"})
	if err != nil {
		return err
	}
	defer t.Release()
	return c.orch.Clean(ctx, t, userSteps)
}

// DeployNode runs the deploy phase synchronously. The phase may
// suspend on an asynchronous step; the sweep loop finishes it later.
func (c *Conductor) DeployNode(ctx context.Context, ident string, userSteps []types.Step) error {
	t, err := c.tasks.Acquire(ctx, []string{ident}, task.AcquireOptions{Purpose: "deploy"})
	if err != nil {
		return err
	}
	defer t.Release()
	return c.orch.Deploy(ctx, t, userSteps)
}

// TeardownNode unbinds a node's workload and returns it to the
// available pool, deleting the backing allocation if one exists.
func (c *Conductor) TeardownNode(ctx context.Context, ident string) error {
	t, err := c.tasks.Acquire(ctx, []string{ident}, task.AcquireOptions{Purpose: "teardown"})
	if err != nil {
		return err
	}
	defer t.Release()

	node, err := t.Node()
	if err != nil {
		return err
	}
	if err := t.ProcessEvent(ctx, types.EventDelete); err != nil {
		return err
	}

	if node.AllocationID != "" {
		if err := c.store.DeleteAllocation(ctx, node.AllocationID); err != nil && !ferroerr.IsNotFound(err) {
			return fmt.Errorf("failed to delete allocation %s: %w", node.AllocationID, err)
		}
	}
	node.InstanceUUID = ""
	node.AllocationID = ""
	node.InstanceTraits = nil
	node.LastError = ""
	if err := t.SaveNode(ctx, node); err != nil {
		return err
	}
	return t.ProcessEvent(ctx, types.EventDone)
}

// CreateAllocation persists a new allocation and queues it for
// matching. The caller observes progress on the allocation record.
func (c *Conductor) CreateAllocation(ctx context.Context, alloc *types.Allocation) error {
	if alloc.ResourceClass == "" {
		return &ferroerr.MissingParameterValue{Reason: "allocation requires a resource class"}
	}
	if alloc.UUID == "" {
		alloc.UUID = uuid.NewString()
	}
	alloc.State = types.AllocationAllocating
	alloc.LastError = ""
	if err := c.store.CreateAllocation(ctx, alloc); err != nil {
		return err
	}

	a := alloc
	c.submit("allocation:"+a.UUID, func() {
		c.matcher.Process(context.Background(), a)
	})
	return nil
}

// BackfillAllocation records an allocation against an already active
// node. Validation failures come back to the caller and land on the
// allocation record.
func (c *Conductor) BackfillAllocation(ctx context.Context, alloc *types.Allocation, nodeIdent string) error {
	if alloc.UUID == "" {
		alloc.UUID = uuid.NewString()
	}
	alloc.State = types.AllocationAllocating
	if err := c.store.CreateAllocation(ctx, alloc); err != nil {
		return err
	}

	if err := c.matcher.Backfill(ctx, alloc, nodeIdent); err != nil {
		alloc.State = types.AllocationError
		alloc.LastError = err.Error()
		if uerr := c.store.UpdateAllocation(ctx, alloc); uerr != nil {
			c.logger.Error().Err(uerr).Str("allocation", alloc.UUID).Msg("failed to record backfill failure")
		}
		return err
	}
	return nil
}
