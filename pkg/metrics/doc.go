/*
Package metrics exposes the conductor's Prometheus collectors.

Collectors are package-level and registered at init; the conductor's
status listener serves them through Handler on /metrics. The interesting
series for operators: ferro_node_lock_conflicts_total (reservation
contention), ferro_allocations_total by outcome, and
ferro_step_duration_seconds by phase.
*/
package metrics
