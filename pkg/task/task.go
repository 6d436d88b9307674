package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/events"
	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/log"
	"github.com/ferrohq/ferro/pkg/metrics"
	"github.com/ferrohq/ferro/pkg/storage"
	"github.com/ferrohq/ferro/pkg/types"
)

// Resource binds one locked node to its loaded driver bundle.
type Resource struct {
	Node   *types.Node
	Driver *driver.Bundle
}

// AcquireOptions tunes one acquisition.
type AcquireOptions struct {
	// Shared acquires without touching the reservation; the task must
	// treat the nodes as read-mostly.
	Shared bool
	// NoRetry makes lock contention fail on the first conflict. The
	// allocation matcher uses this and runs its own candidate loop.
	NoRetry bool
	// SkipDriverLoad leaves Resource.Driver nil; used when the current
	// conductor may not support the node's hardware type.
	SkipDriverLoad bool
	// Purpose is a human-readable tag carried into logs and lock errors.
	Purpose string
}

// Manager acquires Tasks. It carries the conductor's host identity and
// the retry bounds; the same Manager is shared by every caller in the
// process.
type Manager struct {
	store    storage.Store
	registry *driver.Registry
	broker   *events.Broker
	host     string
	cfg      *config.Config
	logger   zerolog.Logger
}

// NewManager creates a task manager for this conductor host.
func NewManager(store storage.Store, registry *driver.Registry, broker *events.Broker, cfg *config.Config) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		broker:   broker,
		host:     cfg.Hostname,
		cfg:      cfg,
		logger:   log.WithComponent("task"),
	}
}

// Host returns the conductor hostname used in reservations.
func (m *Manager) Host() string {
	return m.host
}

// Task is the in-memory handle over one or more locked nodes. It is
// not persisted and must not outlive the operation that acquired it;
// Release runs on every exit path (defer it immediately).
type Task struct {
	manager *Manager

	mu        sync.Mutex
	resources []*Resource
	shared    bool
	purpose   string
	released  bool
}

// Acquire claims one or more nodes by id, UUID or name and loads their
// drivers. Exclusive acquisition claims each node's reservation for
// this host, retrying contention up to the configured attempt count
// unless NoRetry is set. Acquisition is all-or-nothing: any failure
// (contention after retries, missing node, driver load) rolls back
// every reservation already claimed in this call before returning.
func (m *Manager) Acquire(ctx context.Context, idents []string, opts AcquireOptions) (*Task, error) {
	if len(idents) == 0 {
		return nil, ferroerr.Invalidf("at least one node identifier is required to acquire a task")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LockAcquireDuration)

	t := &Task{
		manager: m,
		shared:  opts.Shared,
		purpose: opts.Purpose,
	}

	for _, ident := range idents {
		res, err := m.acquireOne(ctx, ident, opts)
		if err != nil {
			t.Release()
			return nil, err
		}
		t.resources = append(t.resources, res)
	}
	return t, nil
}

func (m *Manager) acquireOne(ctx context.Context, ident string, opts AcquireOptions) (*Resource, error) {
	var node *types.Node
	var err error

	if opts.Shared {
		node, err = m.store.GetNode(ctx, ident)
		if err != nil {
			return nil, err
		}
	} else {
		attempts := uint(m.cfg.NodeLockedRetryAttempts)
		if opts.NoRetry {
			attempts = 1
		}
		err = retry.Do(
			func() error {
				var rerr error
				node, rerr = m.store.ReserveNode(ctx, m.host, ident)
				if ferroerr.IsNodeLocked(rerr) {
					metrics.LockConflictsTotal.Inc()
					m.logger.Debug().
						Str("node", ident).
						Str("purpose", opts.Purpose).
						Msg("node is locked, will retry")
				}
				return rerr
			},
			retry.Attempts(attempts),
			retry.Delay(m.cfg.NodeLockedRetryInterval),
			retry.DelayType(retry.FixedDelay),
			retry.RetryIf(ferroerr.IsNodeLocked),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			return nil, err
		}
	}

	res := &Resource{Node: node}
	if !opts.SkipDriverLoad {
		bundle, err := m.registry.Load(node.HardwareType)
		if err != nil {
			// Give the reservation back before reporting the failure.
			if !opts.Shared {
				if rerr := m.store.ReleaseNode(ctx, m.host, node.UUID); rerr != nil {
					m.logger.Error().Err(rerr).
						Str("node_uuid", node.UUID).
						Msg("failed to roll back reservation after driver load failure")
				}
			}
			return nil, fmt.Errorf("failed to load driver for node %s: %w", node.UUID, err)
		}
		res.Driver = bundle
	}
	return res, nil
}

// Shared reports whether this task holds shared (read-mostly) locks.
func (t *Task) Shared() bool {
	return t.shared
}

// Purpose returns the acquisition's human-readable tag.
func (t *Task) Purpose() string {
	return t.purpose
}

// Resources returns every node/driver pair held by this task, in
// acquisition order. Multi-node tasks must use this instead of the
// singular accessors.
func (t *Task) Resources() []*Resource {
	return t.resources
}

// Node returns the single node of a single-node task.
func (t *Task) Node() (*types.Node, error) {
	if len(t.resources) != 1 {
		return nil, ferroerr.Invalidf("task spans %d nodes; use Resources for multi-node tasks", len(t.resources))
	}
	return t.resources[0].Node, nil
}

// Driver returns the single driver bundle of a single-node task.
func (t *Task) Driver() (*driver.Bundle, error) {
	if len(t.resources) != 1 {
		return nil, ferroerr.Invalidf("task spans %d nodes; use Resources for multi-node tasks", len(t.resources))
	}
	if t.resources[0].Driver == nil {
		return nil, ferroerr.Invalidf("task was acquired without driver loading")
	}
	return t.resources[0].Driver, nil
}

// RequireExclusive guards operations that mutate node state. It fails
// before any side effect when the task is shared.
func (t *Task) RequireExclusive(purpose string) error {
	if t.shared {
		return &ferroerr.ExclusiveLockRequired{Purpose: purpose}
	}
	return nil
}

// SaveNode persists the current state of a node held by this task.
func (t *Task) SaveNode(ctx context.Context, node *types.Node) error {
	if err := t.RequireExclusive("saving node " + node.UUID); err != nil {
		return err
	}
	return t.manager.store.UpdateNode(ctx, node)
}

// ProcessEvent applies a provisioning state machine event to the
// single node of this task and persists the transition. An event with
// no matching transition fails with InvalidState and changes nothing.
func (t *Task) ProcessEvent(ctx context.Context, event types.Event) error {
	node, err := t.Node()
	if err != nil {
		return err
	}
	if err := t.RequireExclusive(fmt.Sprintf("processing event %q", event)); err != nil {
		return err
	}

	next, err := types.Advance(node.ProvisionState, event)
	if err != nil {
		return &ferroerr.InvalidState{Node: node.UUID, Reason: err.Error()}
	}

	prev := node.ProvisionState
	prevTarget := node.TargetProvisionState
	node.ProvisionState = next
	node.TargetProvisionState = types.TargetFor(next)
	if err := t.manager.store.UpdateNode(ctx, node); err != nil {
		node.ProvisionState = prev
		node.TargetProvisionState = prevTarget
		return err
	}

	t.manager.broker.Publish(&events.Notification{
		Type:     events.NotifyProvisionSet,
		NodeUUID: node.UUID,
		Action:   string(event),
		Message:  fmt.Sprintf("provision state changed from %q to %q", prev, next),
	})
	return nil
}

// Release frees every lock held by this task. It is idempotent and
// safe after partial acquisition failure; callers defer it on every
// path, including cancellation.
func (t *Task) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true

	if !t.shared {
		// Release uses a background context: an operation cancelled
		// mid-flight must still give its reservations back.
		ctx := context.Background()
		for _, res := range t.resources {
			if err := t.manager.store.ReleaseNode(ctx, t.manager.host, res.Node.UUID); err != nil {
				t.manager.logger.Error().Err(err).
					Str("node_uuid", res.Node.UUID).
					Msg("failed to release node reservation")
			}
		}
	}
	t.resources = nil
}

// Released reports whether Release has run.
func (t *Task) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}
