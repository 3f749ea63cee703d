// Package sandbox owns the lifecycle of the remote sandboxes that run agents.
//
// # Orchestrator
//
// Orchestrator.GetOrCreate is the single entry point for obtaining a ready
// sandbox. It reconciles the stored record against the provider before
// deciding what to do:
//
//   - RUNNING with a live relay: reuse it after one liveness probe
//   - STARTING: reconnect and finish waiting for readiness
//   - ERROR or STOPPED: tear it down and provision anew
//   - no record: provision
//
// A RUNNING or STARTING sandbox that cannot be reached is torn down and
// replaced without surfacing an error.
//
// Provisioning creates a remote instance, records it as STARTING, runs the
// Workflow inside it and waits for the relay's /health to report
// agent_ready. A failure at any step marks the record and the agent ERROR
// and kills the instance. The caller receives an error that matches
// ErrConnection, ErrProvisioning or ErrHealthTimeout under errors.Is.
//
// Stop kills the instance, deletes the record and returns the agent to IDLE.
// Touch refreshes a sandbox's last-activity time so the reaper leaves it alone.
//
// # Concurrency
//
// Config.SerializePerAgent serializes GetOrCreate and Stop per agent ID with
// an in-process keyed mutex. Without it two concurrent first messages can
// each provision a sandbox; the later record replaces the earlier one and
// the orphan is reclaimed by the provider's lifetime limit.
//
// # Provisioner
//
// Provisioner and Instance abstract the sandbox provider. The e2b package
// implements them against the hosted API; FakeProvisioner implements them in
// memory for tests.
package sandbox
