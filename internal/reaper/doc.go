// Package reaper reclaims sandboxes that have been idle longer than a
// threshold. Each sweep kills the remote instance, conditionally deletes the
// record and returns the agent to IDLE. A Locker keeps replicas from
// sweeping concurrently.
package reaper
