/*
Package allocations matches workload requests to nodes.

The matcher filters candidates at the store (resource class, available
state, no association, no maintenance, known power state, optional
candidate list), applies the trait superset check in memory, shuffles,
and then walks the candidates taking a single-attempt exclusive lock on
each. Constraints are re-verified under the lock before the atomic
allocation-to-node linkage; a node that changed since the scan is
released and dropped without consuming the retry budget. Candidates
that were merely locked go through a bounded retry loop with a
configurable pause between passes.

Matching runs as a background task. Its outcome, success or failure,
is persisted on the allocation record; Process never returns an error.
Backfill is the synchronous variant for adopting already-deployed
nodes and reports errors to its caller.
*/
package allocations
