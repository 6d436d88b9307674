package driver

import (
	"context"
	"fmt"

	"github.com/ferrohq/ferro/pkg/types"
)

// FakeInterface is a configurable facet used by the fake-hardware
// bundle and throughout the conductor tests.
type FakeInterface struct {
	FacetName    string
	StepsByPhase map[types.Phase][]types.Step

	ValidateErr error
	// ExecuteFunc overrides step execution; the default completes
	// synchronously.
	ExecuteFunc func(ctx context.Context, node *types.Node, step types.Step) (StepResult, error)

	// Executed records every step run through this facet, in order.
	Executed []types.Step
}

func (f *FakeInterface) Name() string { return f.FacetName }

func (f *FakeInterface) Validate(ctx context.Context, node *types.Node) error {
	return f.ValidateErr
}

func (f *FakeInterface) Steps(phase types.Phase) []types.Step {
	return f.StepsByPhase[phase]
}

func (f *FakeInterface) ExecuteStep(ctx context.Context, node *types.Node, step types.Step) (StepResult, error) {
	f.Executed = append(f.Executed, step)
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, node, step)
	}
	return StepDone, nil
}

// FakePower is a FakeInterface with an in-memory power state.
type FakePower struct {
	FakeInterface

	State    types.PowerState
	StateErr error
}

func (f *FakePower) PowerState(ctx context.Context, node *types.Node) (types.PowerState, error) {
	if f.StateErr != nil {
		return types.PowerUnknown, f.StateErr
	}
	return f.State, nil
}

func (f *FakePower) SetPowerState(ctx context.Context, node *types.Node, target types.PowerState) error {
	switch target {
	case types.PowerOn, types.PowerOff:
		f.State = target
		return nil
	}
	return fmt.Errorf("unsupported power target %q", target)
}

// FakeManagement reports fixed boot and vendor facts.
type FakeManagement struct {
	FakeInterface

	Boot   BootInfo
	Vendor string
}

func (f *FakeManagement) BootInfo(ctx context.Context, node *types.Node) (BootInfo, error) {
	return f.Boot, nil
}

func (f *FakeManagement) VendorName(ctx context.Context, node *types.Node) (string, error) {
	if f.Vendor == "" {
		return "fake-vendor", nil
	}
	return f.Vendor, nil
}

// FakeBIOS reports fixed settings.
type FakeBIOS struct {
	FakeInterface

	SettingsMap map[string]string
}

func (f *FakeBIOS) Settings(ctx context.Context, node *types.Node) (map[string]string, error) {
	return f.SettingsMap, nil
}

// FakeDeploy is the deploy facet of the fake bundle.
type FakeDeploy struct {
	FakeInterface
}

// NewFakeBundle builds the fake-hardware bundle: every facet succeeds,
// power reports on, and deploy/clean carry a small default step set so
// plan resolution has something to chew on.
func NewFakeBundle() *Bundle {
	return &Bundle{
		HardwareType: "fake-hardware",
		Power: &FakePower{
			FakeInterface: FakeInterface{FacetName: "power"},
			State:         types.PowerOn,
		},
		Management: &FakeManagement{
			FakeInterface: FakeInterface{FacetName: "management"},
			Boot:          BootInfo{BootMode: "uefi"},
		},
		Deploy: &FakeDeploy{
			FakeInterface: FakeInterface{
				FacetName: "deploy",
				StepsByPhase: map[types.Phase][]types.Step{
					types.PhaseDeploy: {
						{Interface: "deploy", Step: "deploy", Priority: 100},
					},
					types.PhaseClean: {
						{Interface: "deploy", Step: "erase_devices", Priority: 10, RequiresRamdisk: true},
					},
				},
			},
		},
		BIOS: &FakeBIOS{
			FakeInterface: FakeInterface{FacetName: "bios"},
			SettingsMap:   map[string]string{"BootMode": "Uefi"},
		},
	}
}

// RegisterFake wires the fake-hardware type into a registry.
func RegisterFake(registry *Registry) {
	registry.Register("fake-hardware", func() (*Bundle, error) {
		return NewFakeBundle(), nil
	})
}
