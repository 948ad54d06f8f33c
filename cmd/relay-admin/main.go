// ABOUTME: Operator CLI for a running relay-gateway
// ABOUTME: Lists agents, shows delivery stats, browses dead letters and replays them

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-admin <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  agents               List connected agents")
		fmt.Println("  disconnect <id>      Force-disconnect an agent")
		fmt.Println("  stats [owner]        Show delivery counts by status")
		fmt.Println("  dead [owner]         List dead-lettered deliveries")
		fmt.Println("  replay <id>          Re-attempt a dead-lettered delivery")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  RELAY_GATEWAY_URL    Gateway base URL (default http://localhost:8080)")
		fmt.Println("  RELAY_ADMIN_TOKEN    Bearer token for the operator API")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := newClient()

	var err error
	switch os.Args[1] {
	case "agents":
		err = c.agents(ctx)
	case "disconnect":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: relay-admin disconnect <agent-id>")
		} else {
			err = c.disconnect(ctx, os.Args[2])
		}
	case "stats":
		owner := ""
		if len(os.Args) > 2 {
			owner = os.Args[2]
		}
		err = c.stats(ctx, owner)
	case "dead":
		owner := ""
		if len(os.Args) > 2 {
			owner = os.Args[2]
		}
		err = c.deadLetters(ctx, owner)
	case "replay":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: relay-admin replay <delivery-id>")
		} else {
			err = c.replay(ctx, os.Args[2])
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *client {
	baseURL := os.Getenv("RELAY_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &client{
		baseURL: baseURL,
		token:   os.Getenv("RELAY_ADMIN_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// call makes an authenticated request and decodes the JSON response into out.
// Non-2xx responses are surfaced with the server's error message.
func (c *client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) agents(ctx context.Context) error {
	var resp struct {
		Agents []struct {
			AgentID       string    `json:"agent_id"`
			OwnerID       string    `json:"owner_id"`
			DisplayName   string    `json:"display_name,omitempty"`
			ConnectedAt   time.Time `json:"connected_at"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		} `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return err
	}

	if len(resp.Agents) == 0 {
		fmt.Println("No agents connected")
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, a := range resp.Agents {
		cyan.Printf("  %s", a.AgentID)
		if a.DisplayName != "" {
			fmt.Printf(" (%s)", a.DisplayName)
		}
		fmt.Println()
		gray.Printf("    owner: %s  connected: %s  last heartbeat: %s ago\n",
			a.OwnerID,
			a.ConnectedAt.Local().Format("15:04:05"),
			time.Since(a.LastHeartbeat).Round(time.Second),
		)
	}
	fmt.Printf("\n  %d connected\n", len(resp.Agents))
	return nil
}

func (c *client) disconnect(ctx context.Context, agentID string) error {
	if err := c.call(ctx, http.MethodDelete, "/api/agents/"+agentID, nil, nil); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Disconnected %s\n", agentID)
	return nil
}

func (c *client) stats(ctx context.Context, owner string) error {
	path := "/api/delivery/stats"
	if owner != "" {
		path += "?owner=" + owner
	}

	var stats store.DeliveryStats
	if err := c.call(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return err
	}

	fmt.Printf("  pending:   %d\n", stats.Pending)
	fmt.Printf("  sending:   %d\n", stats.Sending)
	fmt.Printf("  retrying:  %d\n", stats.Retrying)
	fmt.Printf("  sent:      %d\n", stats.Sent)
	if stats.Dead > 0 {
		color.New(color.FgRed).Printf("  dead:      %d\n", stats.Dead)
	} else {
		fmt.Printf("  dead:      %d\n", stats.Dead)
	}
	fmt.Printf("  total:     %d\n", stats.Total)
	return nil
}

func (c *client) deadLetters(ctx context.Context, owner string) error {
	path := "/api/delivery/dead"
	if owner != "" {
		path += "?owner=" + owner
	}

	var resp struct {
		Items []store.DeliveryItem `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Items) == 0 {
		fmt.Println("No dead letters")
		return nil
	}

	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)
	for _, item := range resp.Items {
		red.Printf("  %s", item.ID)
		fmt.Printf("  %s → %s", item.Platform, item.Recipient)
		if item.DeadAt != nil {
			gray.Printf("  died %s", item.DeadAt.Local().Format("Jan 02 15:04"))
		}
		fmt.Println()
		if item.LastError != "" {
			gray.Printf("    last error: %s\n", item.LastError)
		}
	}
	fmt.Printf("\n  %d dead letter(s). Replay with: relay-admin replay <id>\n", len(resp.Items))
	return nil
}

func (c *client) replay(ctx context.Context, id string) error {
	var item store.DeliveryItem
	if err := c.call(ctx, http.MethodPost, "/api/delivery/replay", map[string]string{"id": id}, &item); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	switch item.Status {
	case store.StatusSent:
		green.Printf("  ✓ Replayed %s: sent\n", id)
	case store.StatusDead:
		color.New(color.FgRed).Printf("  ✗ Replayed %s: dead again (%s)\n", id, item.LastError)
	default:
		fmt.Printf("  Replayed %s: %s\n", id, item.Status)
	}
	return nil
}
