// Package agent tracks connected agent processes and their liveness.
//
// # Registry
//
// The Registry is the authoritative view of which agents are online:
//
//	reg := agent.NewRegistry(events, cfg)
//
// Key operations:
//
//   - Register(conn): Add a connection, evicting any prior one for the agent
//   - Heartbeat(agentID, raw): Refresh liveness and merge health metrics
//   - Disconnect(agentID, reason): Tear down an agent's connection
//   - Get(agentID) / Snapshot(): Query connected agents
//
// # Single Connection Per Agent
//
// At most one live connection exists per agent ID. A new registration for
// an already-connected agent evicts the prior connection: the old transport
// is told it was superseded and closed, and the new connection takes over
// immediately. The agent never observes a gap in its online status.
//
// # Heartbeats
//
// Agents send periodic heartbeats carrying optional health metrics. A
// background sweep (default every 30s) force-disconnects any connection
// whose last heartbeat is older than the stale threshold (default 45s).
//
// # Disconnect Semantics
//
// Disconnecting an agent, for any reason, runs the same teardown path:
// the transport is closed, in-flight commands for the agent are rejected,
// registered cleanup hooks run, and an offline event is published. The
// hooks and event publication happen outside the registry lock.
//
// # Thread Safety
//
// The Registry uses a single mutex around the connection map. Transport
// closes, command invalidation, cleanup hooks, and event publication are
// all performed after the lock is released.
package agent
