// ABOUTME: Represents a single connected agent and its transport handle.
// ABOUTME: Tracks identity, heartbeat liveness and last reported health metrics.

package agent

import (
	"sync"
	"time"
)

// Transport is the wire-level handle for a connected agent. The websocket
// layer implements it; tests substitute fakes.
type Transport interface {
	// SendCommand delivers a correlated command frame to the agent.
	SendCommand(commandID, name string, params map[string]any) error

	// SendHeartbeatAck acknowledges a heartbeat.
	SendHeartbeatAck(ts time.Time) error

	// SendRevoked tells the agent its registration was taken over or
	// administratively closed. Best effort, errors are ignored.
	SendRevoked(reason string) error

	// Close tears down the underlying connection.
	Close(reason string) error
}

// Connection is a registered agent connection. Identity fields are immutable
// after registration; liveness state is guarded by its own mutex so reads
// don't contend with the registry lock.
type Connection struct {
	AgentID     string
	OwnerID     string
	DisplayName string

	transport   Transport
	connectedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	metrics       HealthMetrics
}

// NewConnection wraps a verified identity and its transport.
func NewConnection(agentID, ownerID, displayName string, transport Transport) *Connection {
	now := time.Now()
	return &Connection{
		AgentID:       agentID,
		OwnerID:       ownerID,
		DisplayName:   displayName,
		transport:     transport,
		connectedAt:   now,
		lastHeartbeat: now,
	}
}

// Transport returns the wire handle for this connection.
func (c *Connection) Transport() Transport {
	return c.transport
}

// ConnectedAt returns when the connection registered.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastHeartbeat returns the time of the most recent heartbeat, or the
// registration time if none has arrived yet.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Metrics returns a copy of the last reported health metrics.
func (c *Connection) Metrics() HealthMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// touch records a heartbeat, merging any reported metrics.
func (c *Connection) touch(at time.Time, report *MetricsReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = at
	if report != nil {
		c.metrics.merge(report)
	}
}

// Info is the externally visible description of a connection.
type Info struct {
	AgentID       string        `json:"agent_id"`
	OwnerID       string        `json:"owner_id"`
	DisplayName   string        `json:"display_name,omitempty"`
	ConnectedAt   time.Time     `json:"connected_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Metrics       HealthMetrics `json:"metrics"`
}

// info snapshots the connection for listing.
func (c *Connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		AgentID:       c.AgentID,
		OwnerID:       c.OwnerID,
		DisplayName:   c.DisplayName,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		Metrics:       c.metrics,
	}
}
