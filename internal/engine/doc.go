// Package engine runs the per-agent dispatch loop. Each launched agent gets
// its own goroutine that polls for live updates, invokes the addressed
// procedure from the registry, and publishes the correlated response until
// the agent submits, disconnects, or runs out of assignment time.
package engine
