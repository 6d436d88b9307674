package ferroerr

import (
	"errors"
	"fmt"
	"strings"
)

// NodeLocked is returned when an exclusive claim finds the node already
// reserved by another conductor. It is the only transient error in the
// taxonomy: callers retry it at the appropriate layer.
type NodeLocked struct {
	Node string // node UUID or name
	Host string // conductor currently holding the reservation
}

func (e *NodeLocked) Error() string {
	return fmt.Sprintf("node %s is locked by host %s, please retry after the current operation is completed", e.Node, e.Host)
}

// NodeAssociated means the node is already bound to an instance; the
// caller lost a race and must re-evaluate, never retry blindly.
type NodeAssociated struct {
	Node     string
	Instance string
}

func (e *NodeAssociated) Error() string {
	return fmt.Sprintf("node %s is associated with instance %s", e.Node, e.Instance)
}

// InstanceAssociated means the instance UUID is already bound to a
// different node.
type InstanceAssociated struct {
	Instance string
	Node     string
}

func (e *InstanceAssociated) Error() string {
	return fmt.Sprintf("instance %s is already associated with node %s", e.Instance, e.Node)
}

// NodeNotFound is terminal for the current operation.
type NodeNotFound struct {
	Node string
}

func (e *NodeNotFound) Error() string {
	return fmt.Sprintf("node %s could not be found", e.Node)
}

// AllocationNotFound is terminal for the current operation.
type AllocationNotFound struct {
	Allocation string
}

func (e *AllocationNotFound) Error() string {
	return fmt.Sprintf("allocation %s could not be found", e.Allocation)
}

// AllocationFailed is an expected operational outcome of allocation
// matching; it is recorded on the allocation's LastError, not raised to
// background-task callers.
type AllocationFailed struct {
	Allocation string
	Reason     string
}

func (e *AllocationFailed) Error() string {
	return fmt.Sprintf("failed to process allocation %s: %s", e.Allocation, e.Reason)
}

// InvalidParameterValue reports a caller-input problem. Messages name
// the field, value and constraint so the caller can act on them.
type InvalidParameterValue struct {
	Reason string
}

func (e *InvalidParameterValue) Error() string {
	return e.Reason
}

// Invalidf builds an InvalidParameterValue from a format string.
func Invalidf(format string, args ...interface{}) *InvalidParameterValue {
	return &InvalidParameterValue{Reason: fmt.Sprintf(format, args...)}
}

// MissingParameterValue reports absent required caller input.
type MissingParameterValue struct {
	Reason string
}

func (e *MissingParameterValue) Error() string {
	return e.Reason
}

// ExclusiveLockRequired is returned before any side effect when an
// operation that mutates node state is invoked through a shared task.
type ExclusiveLockRequired struct {
	Purpose string
}

func (e *ExclusiveLockRequired) Error() string {
	if e.Purpose == "" {
		return "an exclusive lock is required, but the current task is shared"
	}
	return fmt.Sprintf("an exclusive lock is required for %q, but the current task is shared", e.Purpose)
}

// InvalidState is returned when the provisioning state machine has no
// transition for the requested event.
type InvalidState struct {
	Node   string
	Reason string
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("invalid state change for node %s: %s", e.Node, e.Reason)
}

// IsNodeLocked reports whether err (or anything it wraps) is a lock
// contention error.
func IsNodeLocked(err error) bool {
	var target *NodeLocked
	return errors.As(err, &target)
}

// IsNodeAssociated reports whether err is a lost-race association error.
func IsNodeAssociated(err error) bool {
	var target *NodeAssociated
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a node or allocation lookup miss.
func IsNotFound(err error) bool {
	var n *NodeNotFound
	var a *AllocationNotFound
	return errors.As(err, &n) || errors.As(err, &a)
}

// IsExpected reports whether err belongs to the domain taxonomy, i.e.
// an anticipated operational outcome rather than a bug. Expected errors
// are logged without a stack dump; anything else gets full context.
func IsExpected(err error) bool {
	var (
		locked    *NodeLocked
		nodeAssoc *NodeAssociated
		instAssoc *InstanceAssociated
		nodeMiss  *NodeNotFound
		allocMiss *AllocationNotFound
		allocFail *AllocationFailed
		invalid   *InvalidParameterValue
		missing   *MissingParameterValue
		exclusive *ExclusiveLockRequired
		badState  *InvalidState
	)
	switch {
	case errors.As(err, &locked),
		errors.As(err, &nodeAssoc),
		errors.As(err, &instAssoc),
		errors.As(err, &nodeMiss),
		errors.As(err, &allocMiss),
		errors.As(err, &allocFail),
		errors.As(err, &invalid),
		errors.As(err, &missing),
		errors.As(err, &exclusive),
		errors.As(err, &badState):
		return true
	}
	return false
}

// JoinReasons renders a list of constraint failures as one readable
// reason string for LastError fields.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
