/*
Package conductor is the long-running service that ties the core
together: the task manager, the allocation matcher and the phase
orchestrator, plus the background machinery around them.

At startup the conductor clears reservations left behind by a previous
run of the same host, so a crash never strands nodes in a locked state.
A worker pool executes background jobs; periodic sweeps resume phases
suspended on asynchronous steps, dispatch pending allocations and poll
BMC power states on resting nodes. Synchronous entry points (verify,
clean, deploy, teardown, allocation create and backfill) acquire their
own exclusive task and release it on every path.
*/
package conductor
