package driver

import (
	"context"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/types"
)

// StepResult tells the orchestrator how a step finished.
type StepResult int

const (
	// StepDone means the step completed synchronously.
	StepDone StepResult = iota
	// StepAsync means the step started work that completes out of band
	// (a BMC task, a ramdisk callback); the phase suspends and the
	// conductor's polling loop resumes it later.
	StepAsync
)

// Interface is one facet of a hardware type (power, management, deploy,
// bios). Implementations must be safe for use from a single task at a
// time; the task manager never shares a loaded bundle across tasks.
type Interface interface {
	// Name returns the facet name steps refer to ("power", "bios", ...).
	Name() string

	// Validate checks that the node carries enough driver configuration
	// for this facet to operate (addresses, credentials).
	Validate(ctx context.Context, node *types.Node) error

	// Steps reports this facet's default steps for a phase. A nil
	// return contributes nothing to the plan.
	Steps(phase types.Phase) []types.Step

	// ExecuteStep runs one step previously reported by Steps.
	ExecuteStep(ctx context.Context, node *types.Node, step types.Step) (StepResult, error)
}

// PowerInterface controls and observes machine power through the BMC.
type PowerInterface interface {
	Interface

	PowerState(ctx context.Context, node *types.Node) (types.PowerState, error)
	SetPowerState(ctx context.Context, node *types.Node, target types.PowerState) error
}

// BootInfo is the boot configuration read from the BMC during verify.
type BootInfo struct {
	BootMode   string // "uefi" or "bios"
	SecureBoot bool
}

// ManagementInterface reads identity and boot configuration.
type ManagementInterface interface {
	Interface

	BootInfo(ctx context.Context, node *types.Node) (BootInfo, error)
	VendorName(ctx context.Context, node *types.Node) (string, error)
}

// BIOSInterface reads firmware settings.
type BIOSInterface interface {
	Interface

	Settings(ctx context.Context, node *types.Node) (map[string]string, error)
}

// DeployInterface owns the image workflow steps.
type DeployInterface interface {
	Interface
}

// Bundle is the full set of interfaces for one hardware type, resolved
// once when a task loads the node and owned by that task until release.
type Bundle struct {
	HardwareType string

	Power      PowerInterface
	Management ManagementInterface
	Deploy     DeployInterface
	BIOS       BIOSInterface
}

// Interfaces returns every loaded facet in a fixed order. Step
// collection iterates this, so the order is part of plan stability.
func (b *Bundle) Interfaces() []Interface {
	var out []Interface
	for _, iface := range []Interface{b.Power, b.Management, b.Deploy, b.BIOS} {
		if iface != nil {
			out = append(out, iface)
		}
	}
	return out
}

// InterfaceByName resolves a facet by the name steps carry.
func (b *Bundle) InterfaceByName(name string) Interface {
	for _, iface := range b.Interfaces() {
		if iface.Name() == name {
			return iface
		}
	}
	return nil
}

// Validate runs every facet's validation.
func (b *Bundle) Validate(ctx context.Context, node *types.Node) error {
	for _, iface := range b.Interfaces() {
		if err := iface.Validate(ctx, node); err != nil {
			return ferroerr.Invalidf("driver validation failed for interface %q on node %s: %v", iface.Name(), node.UUID, err)
		}
	}
	return nil
}
