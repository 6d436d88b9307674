/*
Package orchestrator executes the provisioning phases.

Verify checks the node's driver configuration against the live BMC,
corrects the recorded power state and caches first hardware facts.
Deploy and Clean resolve a step plan, persist it with a cursor on the
node and execute it in priority order, saving after every step. A step
that reports asynchronous completion suspends the phase; the
conductor's polling loop later resumes it from the stored cursor, so a
suspended phase survives both the wait and a conductor restart.

Every failure lands on the node's LastError and drives the state
machine's fail transition for the phase. Expected domain errors are
logged quietly; anything else is logged as a bug.
*/
package orchestrator
