// ABOUTME: Dispatches commands to connected agents and correlates their results.
// ABOUTME: Supports synchronous issue-and-wait and fire-and-forget async dispatch.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/store"
)

// Dispatch errors.
var (
	ErrNotConnected = errors.New("agent not connected")
	ErrTimeout      = errors.New("command timed out")
	ErrDisconnected = errors.New("agent disconnected")
	ErrShutdown     = errors.New("dispatcher shutting down")
	ErrRemote       = errors.New("command failed on agent")
)

// maxSyncTimeout caps how long a synchronous Issue may wait. Longer-running
// work belongs on DispatchAsync.
const maxSyncTimeout = 3*time.Minute + 30*time.Second

// Result is a completed command outcome. Restricted marks a command the
// agent accepted but will not run until its operator approves it; this is a
// successful dispatch, not a failure.
type Result struct {
	Payload    string
	Restricted bool
}

type outcome struct {
	result Result
	err    error
}

// pendingCommand tracks one in-flight synchronous command. The channel is
// buffered so whichever path settles first never blocks.
type pendingCommand struct {
	agentID string
	ch      chan outcome
	timer   *time.Timer
}

// ConnectionSource looks up live agent connections. The registry satisfies
// it.
type ConnectionSource interface {
	Get(agentID string) *agent.Connection
}

// Dispatcher routes commands to agents and correlates results by command
// ID. A command settles exactly once: first of result, timeout, disconnect
// or shutdown wins; everything after is a no-op.
type Dispatcher struct {
	conns  ConnectionSource
	audit  store.CommandAuditStore
	events *events.Broadcaster
	logger *slog.Logger

	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool
}

// NewDispatcher creates a dispatcher. The audit store may be nil in tests.
func NewDispatcher(conns ConnectionSource, audit store.CommandAuditStore, broadcaster *events.Broadcaster, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		conns:          conns,
		audit:          audit,
		events:         broadcaster,
		logger:         slog.Default().With("component", "dispatcher"),
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingCommand),
	}
}

// Issue sends a command to an agent and waits for its result. A timeout of
// zero or less uses the default; timeouts beyond maxSyncTimeout are
// rejected outright. Returns ErrNotConnected without dispatching if the
// agent has no live connection.
func (d *Dispatcher) Issue(ctx context.Context, agentID, name string, params map[string]any, requester string, timeout time.Duration) (*Result, error) {
	if name == "" {
		return nil, errors.New("command name is required")
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if timeout > maxSyncTimeout {
		return nil, fmt.Errorf("timeout %s exceeds maximum %s, use async dispatch", timeout, maxSyncTimeout)
	}

	conn := d.conns.Get(agentID)
	if conn == nil {
		return nil, ErrNotConnected
	}

	commandID := uuid.New().String()
	pc := &pendingCommand{
		agentID: agentID,
		ch:      make(chan outcome, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShutdown
	}
	d.pending[commandID] = pc
	d.mu.Unlock()

	d.recordDispatch(commandID, agentID, name, params, requester)

	if err := conn.Transport().SendCommand(commandID, name, params); err != nil {
		sendErr := fmt.Errorf("sending command: %w", err)
		d.settle(commandID, outcome{err: sendErr})
		<-pc.ch
		d.recordOutcome(commandID, Result{}, sendErr)
		return nil, sendErr
	}

	pc.timer = time.AfterFunc(timeout, func() {
		d.settle(commandID, outcome{err: ErrTimeout})
	})
	defer pc.timer.Stop()

	d.logger.Debug("command issued",
		"command_id", commandID,
		"agent_id", agentID,
		"name", name,
		"timeout", timeout,
	)

	select {
	case <-ctx.Done():
		d.settle(commandID, outcome{err: ctx.Err()})
		out := <-pc.ch
		d.recordOutcome(commandID, out.result, out.err)
		if out.err != nil {
			return nil, out.err
		}
		return &out.result, nil

	case out := <-pc.ch:
		d.recordOutcome(commandID, out.result, out.err)
		if out.err != nil {
			return nil, out.err
		}
		return &out.result, nil
	}
}

// DispatchAsync sends a command without waiting for the result. The audit
// record is the durable trace; the terminal outcome lands on it when the
// agent reports back. Returns the command ID for tracking.
func (d *Dispatcher) DispatchAsync(ctx context.Context, agentID, name string, params map[string]any, requester string) (string, error) {
	if name == "" {
		return "", errors.New("command name is required")
	}

	conn := d.conns.Get(agentID)
	if conn == nil {
		return "", ErrNotConnected
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrShutdown
	}
	d.mu.Unlock()

	commandID := uuid.New().String()
	d.recordDispatch(commandID, agentID, name, params, requester)

	if err := conn.Transport().SendCommand(commandID, name, params); err != nil {
		d.updateAudit(commandID, store.CommandStatusFailed, err.Error())
		return "", fmt.Errorf("sending command: %w", err)
	}

	d.logger.Debug("async command dispatched", "command_id", commandID, "agent_id", agentID, "name", name)
	return commandID, nil
}

// HandleResult settles an in-flight synchronous command. A result for an
// unknown or already-settled command is discarded without effect; late
// results after a timeout are expected and harmless.
func (d *Dispatcher) HandleResult(commandID, payload, errMsg string, restricted bool) {
	out := outcome{result: Result{Payload: payload, Restricted: restricted}}
	if errMsg != "" {
		out.err = fmt.Errorf("%w: %s", ErrRemote, errMsg)
	}

	if !d.settle(commandID, out) {
		d.logger.Debug("discarding result for unknown command", "command_id", commandID)
	}
}

// HandleAsyncResult records the terminal outcome of a fire-and-forget
// command and publishes the result event.
func (d *Dispatcher) HandleAsyncResult(commandID, payload, errMsg string, restricted bool) {
	status := store.CommandStatusSuccess
	result := payload
	switch {
	case errMsg != "":
		status = store.CommandStatusFailed
		result = errMsg
	case restricted:
		status = store.CommandStatusApprovalRequired
	}

	d.updateAudit(commandID, status, result)

	if restricted {
		d.events.Publish(events.CommandApprovalNeeded, map[string]any{
			"command_id": commandID,
		})
		return
	}
	d.events.Publish(events.CommandResult, map[string]any{
		"command_id": commandID,
		"status":     status,
	})
}

// RejectAgent fails every in-flight command for an agent. Called by the
// registry when the agent disconnects. Returns how many commands were
// rejected.
func (d *Dispatcher) RejectAgent(agentID, reason string) int {
	d.mu.Lock()
	var ids []string
	for id, pc := range d.pending {
		if pc.agentID == agentID {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrDisconnected, reason)
	rejected := 0
	for _, id := range ids {
		if d.settle(id, outcome{err: err}) {
			rejected++
		}
	}
	return rejected
}

// Pending returns the number of in-flight synchronous commands.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Shutdown fails all in-flight commands and refuses new ones.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var ids []string
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.settle(id, outcome{err: ErrShutdown})
	}
}

// settle resolves a pending command exactly once. Returns false if the
// command is unknown or already settled.
func (d *Dispatcher) settle(commandID string, out outcome) bool {
	d.mu.Lock()
	pc, ok := d.pending[commandID]
	if ok {
		delete(d.pending, commandID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.ch <- out
	return true
}

// recordDispatch writes the initial audit record. Audit failures are logged
// and swallowed; dispatch never blocks on the audit trail.
func (d *Dispatcher) recordDispatch(commandID, agentID, name string, params map[string]any, requester string) {
	if d.audit == nil {
		return
	}
	err := d.audit.InsertCommand(context.Background(), &store.CommandRecord{
		CommandID: commandID,
		AgentID:   agentID,
		Text:      name,
		Params:    params,
		Requester: requester,
		Status:    store.CommandStatusSent,
	})
	if err != nil {
		d.logger.Error("failed to record command dispatch", "command_id", commandID, "error", err)
	}
}

// recordOutcome writes the terminal audit record for a synchronous command
// and publishes the matching event.
func (d *Dispatcher) recordOutcome(commandID string, result Result, err error) {
	status := store.CommandStatusSuccess
	payload := result.Payload
	switch {
	case errors.Is(err, ErrTimeout):
		status = store.CommandStatusTimeout
		payload = ""
	case err != nil:
		status = store.CommandStatusFailed
		payload = err.Error()
	case result.Restricted:
		status = store.CommandStatusApprovalRequired
	}

	d.updateAudit(commandID, status, payload)

	if err == nil && result.Restricted {
		d.events.Publish(events.CommandApprovalNeeded, map[string]any{
			"command_id": commandID,
		})
	}
}

// updateAudit applies a terminal status, swallowing failures.
func (d *Dispatcher) updateAudit(commandID, status, result string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.UpdateCommandResult(context.Background(), commandID, status, result); err != nil {
		d.logger.Error("failed to record command outcome",
			"command_id", commandID,
			"status", status,
			"error", err,
		)
	}
}
