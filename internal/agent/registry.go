// ABOUTME: Registry of connected agents with single-connection-per-agent semantics.
// ABOUTME: Runs the heartbeat sweep and the shared disconnect teardown path.

package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/events"
)

// ErrAgentNotFound indicates the specified agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// CommandInvalidator rejects in-flight commands for an agent that went
// offline. The command dispatcher implements it; the indirection avoids a
// package cycle.
type CommandInvalidator interface {
	RejectAgent(agentID, reason string) int
}

// CleanupHook runs after an agent's connection is fully removed. Hooks run
// outside the registry lock and must not call back into the registry
// synchronously.
type CleanupHook func(agentID, ownerID string)

// Registry tracks all connected agents. At most one live connection exists
// per agent ID; a new registration evicts the prior connection.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection

	events *events.Broadcaster
	logger *slog.Logger

	sweepInterval time.Duration
	staleAfter    time.Duration

	invalidator CommandInvalidator
	hooks       []CleanupHook

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry creates a registry. Call Start to begin the heartbeat sweep.
func NewRegistry(broadcaster *events.Broadcaster, sweepInterval, staleAfter time.Duration) *Registry {
	return &Registry{
		conns:         make(map[string]*Connection),
		events:        broadcaster,
		logger:        slog.Default().With("component", "registry"),
		sweepInterval: sweepInterval,
		staleAfter:    staleAfter,
		done:          make(chan struct{}),
	}
}

// SetInvalidator wires the command dispatcher in after construction.
func (r *Registry) SetInvalidator(inv CommandInvalidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidator = inv
}

// AddCleanupHook registers a hook to run on every disconnect.
func (r *Registry) AddCleanupHook(hook CleanupHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register adds a connection. If the agent already has a live connection,
// the old one is evicted: told it was superseded, closed, and replaced
// without the agent ever appearing offline. In-flight commands survive an
// eviction; a result arriving over the new connection still correlates.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	prior := r.conns[conn.AgentID]
	r.conns[conn.AgentID] = conn
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("evicting superseded connection", "agent_id", conn.AgentID)
		_ = prior.Transport().SendRevoked("superseded by new connection")
		_ = prior.Transport().Close("superseded")
	}

	r.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"owner_id", conn.OwnerID,
		"name", conn.DisplayName,
		"evicted_prior", prior != nil,
	)

	if prior == nil {
		r.events.Publish(events.AgentOnline, map[string]any{
			"agent_id": conn.AgentID,
			"owner_id": conn.OwnerID,
		})
	}
}

// Heartbeat refreshes an agent's liveness and merges any reported metrics.
// A malformed metrics report is dropped with a warning; the heartbeat still
// counts. Returns the acknowledged timestamp.
func (r *Registry) Heartbeat(agentID string, rawMetrics json.RawMessage) (time.Time, error) {
	r.mu.Lock()
	conn := r.conns[agentID]
	r.mu.Unlock()

	if conn == nil {
		return time.Time{}, ErrAgentNotFound
	}

	report, err := ParseMetricsReport(rawMetrics)
	if err != nil {
		r.logger.Warn("dropping invalid metrics report", "agent_id", agentID, "error", err)
		report = nil
	}

	now := time.Now()
	conn.touch(now, report)
	return now, nil
}

// Get returns the live connection for an agent, or nil.
func (r *Registry) Get(agentID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[agentID]
}

// Snapshot returns info for all connected agents.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.info())
	}
	return infos
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Disconnect tears down an agent's connection by ID.
func (r *Registry) Disconnect(agentID, reason string) error {
	r.mu.Lock()
	conn := r.conns[agentID]
	r.mu.Unlock()

	if conn == nil {
		return ErrAgentNotFound
	}
	r.Remove(conn, reason)
	return nil
}

// Remove tears down a specific connection. The identity check makes this
// safe to call from a connection's own read-loop teardown: if the agent was
// already superseded by a newer connection, the stale handle is a no-op and
// the replacement is untouched.
func (r *Registry) Remove(conn *Connection, reason string) {
	r.mu.Lock()
	current, ok := r.conns[conn.AgentID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.AgentID)
	invalidator := r.invalidator
	hooks := make([]CleanupHook, len(r.hooks))
	copy(hooks, r.hooks)
	remaining := len(r.conns)
	r.mu.Unlock()

	_ = conn.Transport().Close(reason)

	rejected := 0
	if invalidator != nil {
		rejected = invalidator.RejectAgent(conn.AgentID, reason)
	}

	for _, hook := range hooks {
		hook(conn.AgentID, conn.OwnerID)
	}

	r.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"reason", reason,
		"rejected_commands", rejected,
		"total_agents", remaining,
	)

	r.events.Publish(events.AgentOffline, map[string]any{
		"agent_id": conn.AgentID,
		"owner_id": conn.OwnerID,
		"reason":   reason,
	})
}

// Start launches the background heartbeat sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.runSweep()
}

func (r *Registry) runSweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sweepOnce(now)
		}
	}
}

// sweepOnce force-disconnects every connection whose last heartbeat is
// older than the stale threshold.
func (r *Registry) sweepOnce(now time.Time) {
	cutoff := now.Add(-r.staleAfter)

	r.mu.Lock()
	var stale []*Connection
	for _, conn := range r.conns {
		if conn.LastHeartbeat().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		r.logger.Warn("heartbeat timeout",
			"agent_id", conn.AgentID,
			"last_heartbeat", conn.LastHeartbeat(),
		)
		r.Remove(conn, "heartbeat timeout")
	}
}

// Close stops the sweep and disconnects every agent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, conn := range conns {
		r.Remove(conn, "gateway shutting down")
	}
}
