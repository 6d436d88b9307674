/*
Package types defines the core data model shared across Ferro packages.

The three durable records are Node (a physical machine and its
provisioning position), Allocation (a request to claim exactly one node
matching a resource class, traits and candidate list) and the resolved
step plans persisted inside a node's DriverInternalInfo bag. Step and
DeployTemplate are the transient shapes the step resolution engine works
over.

# Provisioning state machine

Node lifecycle is a fixed transition table driven through Advance:

	enroll ──verify──▶ verifying ──done──▶ manageable
	                      │fail
	                      ▼
	                   enroll

	manageable ──clean──▶ cleaning ──done──▶ available
	available ──deploy──▶ deploying ──done──▶ active

Cleaning and deploying each have a wait state (clean wait,
wait call-back) entered when a step reports asynchronous completion; the
conductor's polling loop resumes them. Failure events land in
clean failed / deploy failed, from which the phase can be retried.

Invariants:

  - Reservation is non-empty exactly while some conductor holds the
    exclusive lock on the node.
  - A node with InstanceUUID set is associated and must never be
    claimed by another allocation.
  - All provision state changes go through Advance; an event with no
    matching table entry is an error surfaced to the caller.
*/
package types
