// ABOUTME: WebSocket endpoint for agent connections: handshake, frame dispatch, transport
// ABOUTME: Implements the agent.Transport interface over coder/websocket JSON frames

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/secrets"
)

// Frame kinds. The first client frame must be a hello; after the handshake
// the read loop dispatches on kind.
const (
	kindHello        = "hello"
	kindHelloAck     = "hello:ack"
	kindHelloReject  = "hello:reject"
	kindHeartbeat    = "heartbeat"
	kindHeartbeatAck = "heartbeat:ack"
	kindCommand      = "command"
	kindResult       = "command:result"
	kindAsyncResult  = "command:async-result"
	kindRevoked      = "revoked"
)

// statusRestricted marks a result the agent accepted but parked for
// operator approval.
const statusRestricted = "restricted"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// clientFrame is every message an agent sends. Fields beyond Kind are
// populated per kind.
type clientFrame struct {
	Kind string `json:"kind"`

	// hello
	Token  string `json:"token,omitempty"`
	Ticket string `json:"ticket,omitempty"`

	// heartbeat
	Metrics json.RawMessage `json:"metrics,omitempty"`

	// command:result / command:async-result
	CommandID string `json:"command_id,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"`
}

// serverFrame is every message the gateway sends.
type serverFrame struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	AgentID   string         `json:"agent_id,omitempty"`
	CommandID string         `json:"command_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// wsHandler processes one post-handshake client frame.
type wsHandler func(conn *agent.Connection, frame clientFrame)

// wsTransport adapts a websocket connection to agent.Transport. Writes are
// serialized; the read side lives in the gateway's read loop.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) writeFrame(frame serverFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, frame)
}

func (t *wsTransport) SendCommand(commandID, name string, params map[string]any) error {
	return t.writeFrame(serverFrame{
		Kind:      kindCommand,
		CommandID: commandID,
		Name:      name,
		Params:    params,
	})
}

func (t *wsTransport) SendHeartbeatAck(ts time.Time) error {
	return t.writeFrame(serverFrame{Kind: kindHeartbeatAck, Timestamp: ts})
}

func (t *wsTransport) SendRevoked(reason string) error {
	return t.writeFrame(serverFrame{Kind: kindRevoked, Reason: reason})
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleAgentWS upgrades the connection and runs the agent session: one
// hello, then the frame loop until the socket drops.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	identity, err := g.performHandshake(r.Context(), wsConn)
	if err != nil {
		g.logger.Warn("agent handshake rejected", "error", err, "remote", r.RemoteAddr)
		_ = wsjson.Write(r.Context(), wsConn, serverFrame{Kind: kindHelloReject, Error: err.Error()})
		_ = wsConn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return
	}

	transport := newWSTransport(wsConn)
	conn := agent.NewConnection(identity.AgentID, identity.OwnerID, identity.DisplayName, transport)
	g.registry.Register(conn)

	if err := transport.writeFrame(serverFrame{
		Kind:      kindHelloAck,
		AgentID:   identity.AgentID,
		Timestamp: time.Now(),
	}); err != nil {
		g.registry.Remove(conn, "handshake ack failed")
		return
	}

	g.readLoop(r.Context(), conn, wsConn)
}

// performHandshake reads and verifies the hello frame. A connection that
// fails here is never registered.
func (g *Gateway) performHandshake(ctx context.Context, wsConn *websocket.Conn) (*auth.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var hello clientFrame
	if err := wsjson.Read(ctx, wsConn, &hello); err != nil {
		return nil, errors.New("reading hello frame failed")
	}
	if hello.Kind != kindHello {
		return nil, errors.New("first frame must be hello")
	}

	switch {
	case hello.Ticket != "":
		return g.redeemConnectTicket(hello.Ticket)
	case g.verifier != nil:
		if hello.Token == "" {
			return nil, errors.New("credential required")
		}
		return g.verifier.Verify(hello.Token)
	default:
		return nil, errors.New("no credential accepted: auth not configured and no ticket presented")
	}
}

// redeemConnectTicket resolves a pre-minted connect ticket. Tickets are
// reusable until expiry so an agent can reconnect after a network blip
// without a fresh mint.
func (g *Gateway) redeemConnectTicket(ticket string) (*auth.Identity, error) {
	payload, ok := g.secrets.Consume(ticketKey(ticket), secrets.PolicyReusable)
	if !ok {
		return nil, errors.New("unknown or expired connect ticket")
	}

	var identity auth.Identity
	if err := json.Unmarshal([]byte(payload), &identity); err != nil {
		return nil, errors.New("malformed connect ticket")
	}
	return &identity, nil
}

func ticketKey(ticket string) string {
	return "ticket:" + ticket
}

// readLoop dispatches inbound frames until the connection drops, then runs
// the registry teardown. The dispatch table is static; unknown kinds are
// logged and skipped.
func (g *Gateway) readLoop(ctx context.Context, conn *agent.Connection, wsConn *websocket.Conn) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, wsConn, &frame); err != nil {
			g.registry.Remove(conn, "connection closed")
			return
		}

		handler, ok := g.wsHandlers[frame.Kind]
		if !ok {
			g.logger.Warn("dropping frame with unknown kind", "kind", frame.Kind, "agent_id", conn.AgentID)
			continue
		}
		handler(conn, frame)
	}
}

func (g *Gateway) handleHeartbeatFrame(conn *agent.Connection, frame clientFrame) {
	ts, err := g.registry.Heartbeat(conn.AgentID, frame.Metrics)
	if err != nil {
		// Registry already dropped this connection; the read loop will
		// notice the close shortly.
		return
	}
	if err := conn.Transport().SendHeartbeatAck(ts); err != nil {
		g.logger.Debug("heartbeat ack failed", "agent_id", conn.AgentID, "error", err)
	}
}

func (g *Gateway) handleResultFrame(conn *agent.Connection, frame clientFrame) {
	g.dispatcher.HandleResult(frame.CommandID, frame.Result, frame.Error, frame.Status == statusRestricted)
}

func (g *Gateway) handleAsyncResultFrame(conn *agent.Connection, frame clientFrame) {
	g.dispatcher.HandleAsyncResult(frame.CommandID, frame.Result, frame.Error, frame.Status == statusRestricted)
}
