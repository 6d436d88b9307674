/*
Package health probes BMC reachability.

A node whose BMC stops answering cannot be verified, cleaned or
deployed, and a long outage usually means a cabling or credential
problem rather than a transient blip. The checkers here give the
conductor a cheap reachability signal that is independent of the full
driver stack: an HTTP probe of the Redfish service root, or a bare TCP
connect to the IPMI RMCP port for BMCs that speak no HTTP.

Status applies a consecutive-failure threshold so one flaky probe
never flags a BMC.
*/
package health
