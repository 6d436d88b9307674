package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/steps"
	"github.com/ferrohq/ferro/pkg/storage"
	"github.com/ferrohq/ferro/pkg/task"
	"github.com/ferrohq/ferro/pkg/types"
)

type harness struct {
	store storage.Store
	tasks *task.Manager
	orch  *Orchestrator
}

// newHarness wires a bolt store, a task manager and an orchestrator
// around a single shared driver bundle so tests can inspect what ran.
func newHarness(t *testing.T, bundle *driver.Bundle) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Hostname = "cond-a"
	cfg.NodeLockedRetryInterval = time.Millisecond

	registry := driver.NewRegistry()
	registry.Register(bundle.HardwareType, func() (*driver.Bundle, error) {
		return bundle, nil
	})

	return &harness{
		store: store,
		tasks: task.NewManager(store, registry, nil, cfg),
		orch:  New(steps.NewResolver(cfg, nil), nil, cfg),
	}
}

func (h *harness) createNode(t *testing.T, state types.ProvisionState) *types.Node {
	t.Helper()
	node := &types.Node{
		UUID:           uuid.NewString(),
		HardwareType:   "fake-hardware",
		ProvisionState: state,
		ResourceClass:  "x-large",
	}
	require.NoError(t, h.store.CreateNode(context.Background(), node))
	return node
}

func (h *harness) acquire(t *testing.T, nodeUUID string) *task.Task {
	t.Helper()
	tk, err := h.tasks.Acquire(context.Background(), []string{nodeUUID}, task.AcquireOptions{Purpose: "test"})
	require.NoError(t, err)
	t.Cleanup(tk.Release)
	return tk
}

func TestVerifySuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, driver.NewFakeBundle())
	node := h.createNode(t, types.StateEnroll)

	tk := h.acquire(t, node.UUID)
	require.NoError(t, h.orch.Verify(ctx, tk))
	tk.Release()

	got, err := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateManageable, got.ProvisionState)
	assert.Equal(t, types.PowerOn, got.PowerState, "verify records the observed power state")
	assert.Empty(t, got.LastError)
	assert.Equal(t, "fake-vendor", got.DriverInternalInfo["vendor"])
	assert.Equal(t, "uefi", got.DriverInternalInfo["boot_mode"])
	assert.NotNil(t, got.DriverInternalInfo["bios_settings"])
}

func TestVerifyPowerFailureReturnsToEnroll(t *testing.T) {
	ctx := context.Background()
	bundle := driver.NewFakeBundle()
	bundle.Power.(*driver.FakePower).StateErr = errors.New("bmc timeout")
	h := newHarness(t, bundle)
	node := h.createNode(t, types.StateEnroll)

	tk := h.acquire(t, node.UUID)
	err := h.orch.Verify(ctx, tk)
	require.Error(t, err)
	tk.Release()

	got, gerr := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, gerr)
	assert.Equal(t, types.StateEnroll, got.ProvisionState, "failed verify returns the node to enroll")
	assert.Contains(t, got.LastError, "power state")
	assert.Contains(t, got.LastError, "bmc timeout")
}

func (h *harness) createNodeWithBMC(t *testing.T, state types.ProvisionState, redfishURL string) *types.Node {
	t.Helper()
	node := &types.Node{
		UUID:           uuid.NewString(),
		HardwareType:   "fake-hardware",
		ProvisionState: state,
		ResourceClass:  "x-large",
		DriverInternalInfo: map[string]interface{}{
			"redfish_address": redfishURL,
		},
	}
	require.NoError(t, h.store.CreateNode(context.Background(), node))
	return node
}

func TestVerifyProbesReachableBMC(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	h := newHarness(t, driver.NewFakeBundle())
	node := h.createNodeWithBMC(t, types.StateEnroll, server.URL)

	tk := h.acquire(t, node.UUID)
	require.NoError(t, h.orch.Verify(ctx, tk))
	tk.Release()

	got, err := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateManageable, got.ProvisionState)
}

func TestVerifyFailsWhenBMCUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ctx := context.Background()
	h := newHarness(t, driver.NewFakeBundle())
	node := h.createNodeWithBMC(t, types.StateEnroll, server.URL)

	tk := h.acquire(t, node.UUID)
	err := h.orch.Verify(ctx, tk)
	require.Error(t, err)
	tk.Release()

	got, gerr := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, gerr)
	assert.Equal(t, types.StateEnroll, got.ProvisionState, "an unreachable BMC fails verify")
	assert.Contains(t, got.LastError, "unreachable")
}

func TestDeployRunsPlanToActive(t *testing.T) {
	ctx := context.Background()
	bundle := driver.NewFakeBundle()
	h := newHarness(t, bundle)
	node := h.createNode(t, types.StateAvailable)

	tk := h.acquire(t, node.UUID)
	require.NoError(t, h.orch.Deploy(ctx, tk, nil))
	tk.Release()

	got, err := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, got.ProvisionState)
	assert.Empty(t, got.LastError)
	assert.NotContains(t, got.DriverInternalInfo, "deploy_steps", "finished plan is cleared")

	deploy := bundle.Deploy.(*driver.FakeDeploy)
	require.Len(t, deploy.Executed, 1)
	assert.Equal(t, "deploy.deploy", deploy.Executed[0].Key())
}

func TestDeploySuspendsAndResumes(t *testing.T) {
	ctx := context.Background()
	bundle := driver.NewFakeBundle()
	deploy := bundle.Deploy.(*driver.FakeDeploy)
	deploy.StepsByPhase = map[types.Phase][]types.Step{
		types.PhaseDeploy: {
			{Interface: "deploy", Step: "deploy", Priority: 100},
			{Interface: "deploy", Step: "finalize", Priority: 50},
		},
	}
	deploy.ExecuteFunc = func(_ context.Context, _ *types.Node, step types.Step) (driver.StepResult, error) {
		if step.Step == "deploy" {
			return driver.StepAsync, nil
		}
		return driver.StepDone, nil
	}

	h := newHarness(t, bundle)
	node := h.createNode(t, types.StateAvailable)

	tk := h.acquire(t, node.UUID)
	require.NoError(t, h.orch.Deploy(ctx, tk, nil))
	tk.Release()

	got, err := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeployWait, got.ProvisionState, "async step suspends the phase")

	// The out-of-band work finished; resume from the stored cursor.
	tk = h.acquire(t, node.UUID)
	require.NoError(t, h.orch.Resume(ctx, tk))
	tk.Release()

	got, err = h.store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, got.ProvisionState)

	executed := make([]string, len(deploy.Executed))
	for i, s := range deploy.Executed {
		executed[i] = s.Step
	}
	assert.Equal(t, []string{"deploy", "finalize"}, executed, "resume must not re-run the suspended step")
}

func TestCleanFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	bundle := driver.NewFakeBundle()
	deploy := bundle.Deploy.(*driver.FakeDeploy)
	deploy.ExecuteFunc = func(_ context.Context, _ *types.Node, step types.Step) (driver.StepResult, error) {
		return driver.StepDone, errors.New("disk controller did not respond")
	}

	h := newHarness(t, bundle)
	node := h.createNode(t, types.StateManageable)

	tk := h.acquire(t, node.UUID)
	err := h.orch.Clean(ctx, tk, nil)
	require.Error(t, err)
	tk.Release()

	got, gerr := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, gerr)
	assert.Equal(t, types.StateCleanFailed, got.ProvisionState)
	assert.Contains(t, got.LastError, "clean step deploy.erase_devices failed")
	assert.Contains(t, got.LastError, "disk controller did not respond")
}

func TestCleanSucceedsToAvailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, driver.NewFakeBundle())
	node := h.createNode(t, types.StateManageable)

	tk := h.acquire(t, node.UUID)
	require.NoError(t, h.orch.Clean(ctx, tk, nil))
	tk.Release()

	got, err := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAvailable, got.ProvisionState)
}

func TestResumeRequiresSuspendedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, driver.NewFakeBundle())
	node := h.createNode(t, types.StateAvailable)

	tk := h.acquire(t, node.UUID)
	err := h.orch.Resume(ctx, tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suspended phase")
}

func TestDeployRejectsWrongState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, driver.NewFakeBundle())
	node := h.createNode(t, types.StateEnroll)

	tk := h.acquire(t, node.UUID)
	err := h.orch.Deploy(ctx, tk, nil)
	require.Error(t, err, "deploy from enroll has no transition")

	got, gerr := h.store.GetNode(ctx, node.UUID)
	require.NoError(t, gerr)
	assert.Equal(t, types.StateEnroll, got.ProvisionState)
}
