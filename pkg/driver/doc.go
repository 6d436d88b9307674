/*
Package driver defines the capability interfaces hardware types expose
to the conductor and the registry that resolves them.

A hardware type is a Bundle of named facets (power, management, deploy,
bios), each implementing a fixed contract: Validate, per-phase Steps,
and ExecuteStep. The task manager resolves a node's hardware type into
a Bundle exactly once at acquisition time; the bundle is owned by that
task until release and is never shared.

Steps reported by a facet at priority 0 exist but are manual-only:
they only run when a template or user request raises their priority.
ExecuteStep returns StepAsync when the work completes out of band (a
BMC task), which suspends the phase until the conductor's polling loop
resumes it.

Two bundles ship in-tree: fake-hardware (no-op facets for tests and
enrollment smoke testing) and redfish (power, management and bios over
a retrying HTTP client). Vendor-specific bundles register through
Registry.Register.
*/
package driver
