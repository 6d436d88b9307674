/*
Package task implements exclusive and shared node acquisition, the only
concurrency primitive between conductors.

A Task is an in-memory handle over one or more nodes. Exclusive
acquisition claims each node's reservation column for this conductor's
hostname through an atomic compare-and-set in the store; shared
acquisition just reads the node. The handle itself is never persisted
and never crosses process boundaries; only the reservation does.

Callers defer Release immediately after a successful Acquire. Release
is idempotent, so error paths and the happy path share one cleanup.

Acquisition of multiple nodes is all-or-nothing: if any node in the
batch cannot be claimed, every reservation already taken by that call
is rolled back before the error is returned.
*/
package task
