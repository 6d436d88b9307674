package types

import "fmt"

// Event names a provisioning state machine trigger
type Event string

const (
	EventVerify Event = "verify"
	EventManage Event = "manage"
	EventClean  Event = "clean"
	EventWait   Event = "wait"
	EventResume Event = "resume"
	EventDone   Event = "done"
	EventFail   Event = "fail"
	EventDeploy Event = "deploy"
	EventDelete Event = "delete"
)

type transitionKey struct {
	From  ProvisionState
	Event Event
}

// transitions is the provisioning state machine table. Every mutation
// of a node's provision state goes through Advance; there are no ad hoc
// state writes elsewhere.
var transitions = map[transitionKey]ProvisionState{
	{StateEnroll, EventVerify}:       StateVerifying,
	{StateVerifying, EventDone}:      StateManageable,
	{StateVerifying, EventFail}:      StateEnroll,
	{StateManageable, EventClean}:    StateCleaning,
	{StateCleaning, EventWait}:       StateCleanWait,
	{StateCleanWait, EventResume}:    StateCleaning,
	{StateCleaning, EventDone}:       StateAvailable,
	{StateCleaning, EventFail}:       StateCleanFailed,
	{StateCleanFailed, EventClean}:   StateCleaning,
	{StateCleanFailed, EventManage}:  StateManageable,
	{StateAvailable, EventDeploy}:    StateDeploying,
	{StateDeploying, EventWait}:      StateDeployWait,
	{StateDeployWait, EventResume}:   StateDeploying,
	{StateDeploying, EventDone}:      StateActive,
	{StateDeploying, EventFail}:      StateDeployFailed,
	{StateDeployFailed, EventDeploy}: StateDeploying,
	{StateDeployFailed, EventDelete}: StateDeleting,
	{StateActive, EventDelete}:       StateDeleting,
	{StateDeleting, EventDone}:       StateAvailable,
	{StateDeleting, EventFail}:       StateError,
}

// targets maps the state entered by an event to the terminal state the
// operation is driving toward, recorded as the node's target state
// while the phase is in flight.
var targets = map[ProvisionState]ProvisionState{
	StateVerifying:  StateManageable,
	StateCleaning:   StateAvailable,
	StateCleanWait:  StateAvailable,
	StateDeploying:  StateActive,
	StateDeployWait: StateActive,
	StateDeleting:   StateAvailable,
}

// Advance returns the state reached by applying event in from, or an
// error when the table has no matching transition.
func Advance(from ProvisionState, event Event) (ProvisionState, error) {
	next, ok := transitions[transitionKey{From: from, Event: event}]
	if !ok {
		return from, fmt.Errorf("no transition for event %q in state %q", event, from)
	}
	return next, nil
}

// TargetFor returns the terminal state an in-flight state is driving
// toward, or "" for stable states.
func TargetFor(state ProvisionState) ProvisionState {
	return targets[state]
}

// Stable reports whether a state is a rest state (no phase in flight).
func Stable(state ProvisionState) bool {
	return targets[state] == ""
}
