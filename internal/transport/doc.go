// Package transport connects agents to remote clients over WebSockets.
//
// Inbound frames are decoded on a per-connection reader goroutine and queued
// on the agent. Outbound observations are persisted, then handed to the hub's
// bridge loop, which is the only place that publishes to subscribers.
package transport
