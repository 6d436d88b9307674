package types

import (
	"time"
)

// Node represents one physical machine under conductor management
type Node struct {
	ID   string // storage identifier
	UUID string
	Name string

	HardwareType string // driver bundle name, e.g. "redfish", "fake-hardware"

	ProvisionState       ProvisionState
	TargetProvisionState ProvisionState
	PowerState           PowerState

	Maintenance   bool
	ResourceClass string
	Traits        []string

	// Reservation holds the hostname of the conductor that owns the
	// exclusive lock, or "" when the node is unclaimed.
	Reservation string

	InstanceUUID string
	AllocationID string

	// InstanceTraits overlay the node traits while an instance is
	// associated; template matching uses the union.
	InstanceTraits []string

	// DriverInternalInfo is a durable key/value bag for orchestration
	// state that must survive a conductor restart (resolved step plans,
	// plan cursors, cached BMC facts).
	DriverInternalInfo map[string]interface{}

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTrait reports whether the node's effective trait set (node traits
// plus any instance overlay) contains the given trait.
func (n *Node) HasTrait(trait string) bool {
	for _, t := range n.Traits {
		if t == trait {
			return true
		}
	}
	for _, t := range n.InstanceTraits {
		if t == trait {
			return true
		}
	}
	return false
}

// Associated reports whether the node is bound to a workload.
func (n *Node) Associated() bool {
	return n.InstanceUUID != ""
}

// ProvisionState is the node's position in the provisioning state machine
type ProvisionState string

const (
	StateEnroll       ProvisionState = "enroll"
	StateVerifying    ProvisionState = "verifying"
	StateManageable   ProvisionState = "manageable"
	StateCleaning     ProvisionState = "cleaning"
	StateCleanWait    ProvisionState = "clean wait"
	StateCleanFailed  ProvisionState = "clean failed"
	StateAvailable    ProvisionState = "available"
	StateDeploying    ProvisionState = "deploying"
	StateDeployWait   ProvisionState = "wait call-back"
	StateActive       ProvisionState = "active"
	StateDeployFailed ProvisionState = "deploy failed"
	StateDeleting     ProvisionState = "deleting"
	StateError        ProvisionState = "error"
)

// PowerState is the last observed BMC power state
type PowerState string

const (
	PowerOn        PowerState = "power on"
	PowerOff       PowerState = "power off"
	PowerRebooting PowerState = "rebooting"
	PowerUnknown   PowerState = ""
)

// Known reports whether a power state has ever been read from the BMC.
func (p PowerState) Known() bool {
	return p != PowerUnknown
}

// Allocation is a request to claim exactly one node matching a resource
// class, an optional trait set and an optional candidate-node list.
type Allocation struct {
	ID   string
	UUID string
	Name string

	ResourceClass  string
	Traits         []string
	CandidateNodes []string // node UUIDs; empty means any node

	NodeID string // set once matched

	State     AllocationState
	LastError string

	// ConductorAffinity records which conductor is or was processing
	// this allocation, for takeover after a conductor crash.
	ConductorAffinity string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllocationState represents allocation progress
type AllocationState string

const (
	AllocationAllocating AllocationState = "allocating"
	AllocationActive     AllocationState = "active"
	AllocationError      AllocationState = "error"
)

// Step is one unit of orchestration work belonging to a driver interface
type Step struct {
	Interface string                 `json:"interface"`
	Step      string                 `json:"step"`
	Priority  int                    `json:"priority"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Abortable bool                   `json:"abortable,omitempty"`

	// RequiresRamdisk marks steps that need the provisioning ramdisk
	// booted on the node; they are skipped when ramdisk use is disabled.
	RequiresRamdisk bool `json:"requires_ramdisk,omitempty"`

	// ArgsInfo declares the step's argument contract. Only driver-default
	// steps carry it; user steps are validated against it.
	ArgsInfo map[string]ArgInfo `json:"argsinfo,omitempty"`
}

// ArgInfo describes one declared step argument
type ArgInfo struct {
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Key identifies a step within a plan; (interface, step) pairs are
// unique in any resolved plan.
func (s Step) Key() string {
	return s.Interface + "." + s.Step
}

// Phase names an orchestration phase
type Phase string

const (
	PhaseDeploy  Phase = "deploy"
	PhaseClean   Phase = "clean"
	PhaseVerify  Phase = "verify"
	PhaseService Phase = "service"
)

// DeployTemplate expands a trait name into a list of steps. A template
// applies to a node when its name is present in the node's effective
// trait set.
type DeployTemplate struct {
	Name  string
	Steps []Step
}
