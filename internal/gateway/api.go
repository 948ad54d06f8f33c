// ABOUTME: Operator HTTP API: agents, delivery stats/dead/replay, command dispatch
// ABOUTME: Bearer-token protected when auth is configured; consumed by relay-admin

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/command"
	"github.com/2389/relay-gateway/internal/secrets"
	"github.com/2389/relay-gateway/internal/store"
)

// registerAPIRoutes attaches the operator API to the mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.Handle("/api/agents", g.requireAuth(http.HandlerFunc(g.handleAgents)))
	mux.Handle("/api/agents/", g.requireAuth(http.HandlerFunc(g.handleAgentByID)))
	mux.Handle("/api/agents/ticket", g.requireAuth(http.HandlerFunc(g.handleMintTicket)))
	mux.Handle("/api/delivery/send", g.requireAuth(http.HandlerFunc(g.handleDeliverySend)))
	mux.Handle("/api/delivery/stats", g.requireAuth(http.HandlerFunc(g.handleDeliveryStats)))
	mux.Handle("/api/delivery/dead", g.requireAuth(http.HandlerFunc(g.handleDeadLetters)))
	mux.Handle("/api/delivery/replay", g.requireAuth(http.HandlerFunc(g.handleReplay)))
	mux.Handle("/api/commands", g.requireAuth(http.HandlerFunc(g.handleCommands)))
	mux.Handle("/api/commands/approve", g.requireAuth(http.HandlerFunc(g.handleApproveCommand)))
}

// requireAuth enforces a bearer JWT when auth is configured. Without a
// configured secret the API is open, matching the websocket side.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		if _, err := g.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleAgents lists connected agents.
func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	infos := g.registry.Snapshot()
	if infos == nil {
		infos = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": infos})
}

// handleAgentByID supports DELETE /api/agents/{id} for operator-initiated
// disconnects.
func (g *Gateway) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if agentID == "" || strings.Contains(agentID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := g.registry.Disconnect(agentID, "operator request"); err != nil {
		writeError(w, http.StatusNotFound, "agent not connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleMintTicket creates a short-lived connect ticket an agent can present
// instead of a JWT. Reusable until expiry.
func (g *Gateway) handleMintTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		AgentID     string `json:"agent_id"`
		OwnerID     string `json:"owner_id"`
		DisplayName string `json:"display_name"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "agent_id and owner_id are required")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"AgentID":     req.AgentID,
		"OwnerID":     req.OwnerID,
		"DisplayName": req.DisplayName,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "minting ticket failed")
		return
	}

	ticket := uuid.New().String()
	g.secrets.Put(ticketKey(ticket), string(payload))

	writeJSON(w, http.StatusCreated, map[string]any{
		"ticket":      ticket,
		"expires_in":  g.config.Secrets.TTL.Seconds(),
		"connect_url": "/ws/agent",
	})
}

// handleDeliverySend enqueues a delivery item.
func (g *Gateway) handleDeliverySend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		AccountID   string         `json:"account_id"`
		Recipient   string         `json:"recipient"`
		Platform    string         `json:"platform"`
		Content     string         `json:"content"`
		ContentType string         `json:"content_type"`
		Options     map[string]any `json:"options"`
		AgentID     string         `json:"agent_id"`
		UserID      string         `json:"user_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	item, err := g.queue.Enqueue(r.Context(), &store.DeliveryItem{
		AccountID:   req.AccountID,
		Recipient:   req.Recipient,
		Platform:    req.Platform,
		Content:     req.Content,
		ContentType: req.ContentType,
		Options:     req.Options,
		AgentID:     req.AgentID,
		UserID:      req.UserID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// handleDeliveryStats returns per-status delivery counts, optionally scoped
// with ?owner=.
func (g *Gateway) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := g.queue.Stats(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "querying stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeadLetters lists dead-lettered items, newest first.
func (g *Gateway) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	items, err := g.queue.DeadLetters(r.Context(), r.URL.Query().Get("owner"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "querying dead letters failed")
		return
	}
	if items == nil {
		items = []*store.DeliveryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleReplay resets a dead item and re-attempts it immediately.
func (g *Gateway) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	item, err := g.queue.Replay(r.Context(), req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "delivery item not found")
		return
	case errors.Is(err, store.ErrNotDead):
		writeError(w, http.StatusConflict, "item is not dead-lettered")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleCommands dispatches a command to an agent. Synchronous by default;
// async=true returns a tracking ID immediately. A restricted sync result
// includes a single-use approval token redeemable at /api/commands/approve.
func (g *Gateway) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		AgentID   string         `json:"agent_id"`
		Name      string         `json:"name"`
		Params    map[string]any `json:"params"`
		Requester string         `json:"requester"`
		TimeoutMS int            `json:"timeout_ms"`
		Async     bool           `json:"async"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "agent_id and name are required")
		return
	}

	if req.Async {
		trackingID, err := g.dispatcher.DispatchAsync(r.Context(), req.AgentID, req.Name, req.Params, req.Requester)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"command_id": trackingID})
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	result, err := g.dispatcher.Issue(r.Context(), req.AgentID, req.Name, req.Params, req.Requester, timeout)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	resp := map[string]any{
		"result":     result.Payload,
		"restricted": result.Restricted,
	}
	if result.Restricted {
		resp["approval_token"] = g.mintApprovalToken(req.AgentID, req.Name, req.Params, req.Requester)
	}
	writeJSON(w, http.StatusOK, resp)
}

// approvalGrant is what an approval token redeems into: the exact command
// to re-dispatch once an operator signs off.
type approvalGrant struct {
	AgentID   string         `json:"agent_id"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Requester string         `json:"requester"`
}

// mintApprovalToken stores a single-use grant for re-dispatching a
// restricted command.
func (g *Gateway) mintApprovalToken(agentID, name string, params map[string]any, requester string) string {
	token := uuid.New().String()
	payload, err := json.Marshal(approvalGrant{
		AgentID:   agentID,
		Name:      name,
		Params:    params,
		Requester: requester,
	})
	if err != nil {
		return ""
	}
	g.secrets.Put(approvalKey(token), string(payload))
	return token
}

func approvalKey(token string) string {
	return "approve:" + token
}

// handleApproveCommand redeems an approval token and re-dispatches the
// command with operator approval attached. Single use: a second redemption
// of the same token fails.
func (g *Gateway) handleApproveCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ApprovalToken string `json:"approval_token"`
		ApprovedBy    string `json:"approved_by"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.ApprovalToken == "" {
		writeError(w, http.StatusBadRequest, "approval_token is required")
		return
	}

	payload, ok := g.secrets.Consume(approvalKey(req.ApprovalToken), secrets.PolicySingleUse)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown, expired or already used approval token")
		return
	}

	var grant approvalGrant
	if err := json.Unmarshal([]byte(payload), &grant); err != nil {
		writeError(w, http.StatusInternalServerError, "malformed approval grant")
		return
	}

	params := grant.Params
	if params == nil {
		params = make(map[string]any)
	}
	params["approved"] = true
	params["approved_by"] = req.ApprovedBy

	trackingID, err := g.dispatcher.DispatchAsync(r.Context(), grant.AgentID, grant.Name, params, grant.Requester)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": trackingID})
}

// writeCommandError maps dispatcher errors to HTTP statuses.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrNotConnected):
		writeError(w, http.StatusConflict, "agent not connected")
	case errors.Is(err, command.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "command timed out")
	case errors.Is(err, command.ErrRemote):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, command.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
