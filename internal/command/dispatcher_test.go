// ABOUTME: Tests for the command dispatcher
// ABOUTME: Covers correlation, timeouts, disconnect rejection, restricted results and async dispatch

package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/store"
)

type stubTransport struct {
	mu     sync.Mutex
	sent   []sentCommand
	sendCh chan sentCommand
	fail   error
}

type sentCommand struct {
	CommandID string
	Name      string
	Params    map[string]any
}

func newStubTransport() *stubTransport {
	return &stubTransport{sendCh: make(chan sentCommand, 16)}
}

func (s *stubTransport) SendCommand(commandID, name string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cmd := sentCommand{CommandID: commandID, Name: name, Params: params}
	s.sent = append(s.sent, cmd)
	s.sendCh <- cmd
	return nil
}

func (s *stubTransport) SendHeartbeatAck(ts time.Time) error { return nil }
func (s *stubTransport) SendRevoked(reason string) error     { return nil }
func (s *stubTransport) Close(reason string) error           { return nil }

type stubConns struct {
	mu    sync.Mutex
	conns map[string]*agent.Connection
}

func (s *stubConns) Get(agentID string) *agent.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[agentID]
}

func newTestDispatcher(t *testing.T, audit store.CommandAuditStore) (*Dispatcher, *stubTransport) {
	t.Helper()
	transport := newStubTransport()
	conns := &stubConns{conns: map[string]*agent.Connection{
		"agent-1": agent.NewConnection("agent-1", "owner-1", "", transport),
	}}
	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)
	d := NewDispatcher(conns, audit, broadcaster, time.Second)
	t.Cleanup(d.Shutdown)
	return d, transport
}

func TestIssue_Success(t *testing.T) {
	d, transport := newTestDispatcher(t, nil)

	go func() {
		cmd := <-transport.sendCh
		d.HandleResult(cmd.CommandID, "done", "", false)
	}()

	result, err := d.Issue(context.Background(), "agent-1", "restart", map[string]any{"service": "nginx"}, "op", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Payload)
	assert.False(t, result.Restricted)
	assert.Equal(t, 0, d.Pending())
}

func TestIssue_RestrictedResult(t *testing.T) {
	d, transport := newTestDispatcher(t, nil)

	go func() {
		cmd := <-transport.sendCh
		d.HandleResult(cmd.CommandID, "awaiting operator approval", "", true)
	}()

	result, err := d.Issue(context.Background(), "agent-1", "wipe-disk", nil, "op", time.Second)
	require.NoError(t, err, "restricted is a successful dispatch")
	assert.True(t, result.Restricted)
}

func TestIssue_RemoteError(t *testing.T) {
	d, transport := newTestDispatcher(t, nil)

	go func() {
		cmd := <-transport.sendCh
		d.HandleResult(cmd.CommandID, "", "no such service", false)
	}()

	_, err := d.Issue(context.Background(), "agent-1", "restart", nil, "op", time.Second)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "no such service")
}

func TestIssue_NotConnected(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	_, err := d.Issue(context.Background(), "ghost", "restart", nil, "op", time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, d.Pending())
}

func TestIssue_TimeoutThenLateResultIsNoOp(t *testing.T) {
	d, transport := newTestDispatcher(t, nil)

	_, err := d.Issue(context.Background(), "agent-1", "slow", nil, "op", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, d.Pending())

	// The late result must be discarded without effect.
	cmd := <-transport.sendCh
	d.HandleResult(cmd.CommandID, "too late", "", false)
	assert.Equal(t, 0, d.Pending())
}

func TestIssue_RejectsExcessiveTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	_, err := d.Issue(context.Background(), "agent-1", "restart", nil, "op", 10*time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "async")
}

func TestIssue_ContextCancelled(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Issue(ctx, "agent-1", "slow", nil, "op", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.Pending())
}

func TestIssue_SendFailureCleansUp(t *testing.T) {
	d, transport := newTestDispatcher(t, nil)
	transport.fail = errors.New("broken pipe")

	_, err := d.Issue(context.Background(), "agent-1", "restart", nil, "op", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 0, d.Pending())
}

func TestRejectAgent_FailsAllInFlight(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := d.Issue(context.Background(), "agent-1", "slow", nil, "op", 10*time.Second)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return d.Pending() == n }, time.Second, 5*time.Millisecond)

	rejected := d.RejectAgent("agent-1", "connection lost")
	assert.Equal(t, n, rejected)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(time.Second):
			t.Fatal("issue did not return after rejection")
		}
	}
	assert.Equal(t, 0, d.Pending())
}

func TestRejectAgent_LeavesOtherAgentsAlone(t *testing.T) {
	d, transport := newTestDispatcher(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Issue(context.Background(), "agent-1", "slow", nil, "op", 10*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, d.RejectAgent("other-agent", "gone"))
	assert.Equal(t, 1, d.Pending())

	cmd := <-transport.sendCh
	d.HandleResult(cmd.CommandID, "ok", "", false)
	assert.NoError(t, <-done)
}

func TestShutdown_FailsInFlightAndRefusesNew(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Issue(context.Background(), "agent-1", "slow", nil, "op", 10*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)

	d.Shutdown()
	assert.ErrorIs(t, <-done, ErrShutdown)

	_, err := d.Issue(context.Background(), "agent-1", "restart", nil, "op", time.Second)
	assert.ErrorIs(t, err, ErrShutdown)
}

func setupAuditStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIssue_WritesAuditTrail(t *testing.T) {
	audit := setupAuditStore(t)
	d, transport := newTestDispatcher(t, audit)

	go func() {
		cmd := <-transport.sendCh
		d.HandleResult(cmd.CommandID, "ok", "", false)
	}()

	_, err := d.Issue(context.Background(), "agent-1", "restart", nil, "operator", time.Second)
	require.NoError(t, err)

	transport.mu.Lock()
	commandID := transport.sent[0].CommandID
	transport.mu.Unlock()

	rec, err := audit.GetCommand(context.Background(), commandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusSuccess, rec.Status)
	assert.Equal(t, "ok", rec.Result)
	assert.Equal(t, "operator", rec.Requester)
}

func TestDispatchAsync(t *testing.T) {
	audit := setupAuditStore(t)
	d, transport := newTestDispatcher(t, audit)

	trackingID, err := d.DispatchAsync(context.Background(), "agent-1", "backup", map[string]any{"target": "/data"}, "cron")
	require.NoError(t, err)
	require.NotEmpty(t, trackingID)

	// Dispatch returns before any result arrives; the audit record is the
	// durable trace.
	rec, err := audit.GetCommand(context.Background(), trackingID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusSent, rec.Status)

	cmd := <-transport.sendCh
	assert.Equal(t, trackingID, cmd.CommandID)

	d.HandleAsyncResult(trackingID, "backup complete", "", false)

	rec, err = audit.GetCommand(context.Background(), trackingID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusSuccess, rec.Status)
	assert.Equal(t, "backup complete", rec.Result)
}

func TestDispatchAsync_NotConnected(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	_, err := d.DispatchAsync(context.Background(), "ghost", "backup", nil, "cron")
	assert.ErrorIs(t, err, ErrNotConnected)
}
