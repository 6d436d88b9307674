/*
Package events distributes conductor notifications to in-process
subscribers.

Orchestrators publish phase-start, phase-end and phase-error
notifications (plus power-state corrections and allocation outcomes)
around every lifecycle operation. Publishing is strictly
fire-and-forget: a full broker or subscriber buffer drops the
notification rather than blocking or failing the operation that emitted
it. Publish on a nil broker is a no-op, so components can run without
notifications wired up.
*/
package events
