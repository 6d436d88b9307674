/*
Package steps resolves the execution plan for an orchestration phase.

A plan merges three sources with fixed precedence: driver defaults
(lowest), deploy templates matched by node trait (middle) and
request-supplied steps (highest). Identity is the (interface, step)
pair. Operator priority overrides from configuration apply after the
merge; a zero priority disables a step. Core steps, currently only
deploy.deploy, can never be disabled or removed.

The final plan sorts by descending priority with a stable sort, so
equal priorities keep their merge order. Resolved plans persist in the
node's DriverInternalInfo together with a cursor, which is how a
half-finished phase survives a conductor restart.
*/
package steps
