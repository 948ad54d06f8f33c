// ABOUTME: Gateway orchestrator wiring the registry, dispatcher, delivery queue and HTTP server
// ABOUTME: Manages startup recovery, listeners (TCP or tsnet) and ordered graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/command"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/delivery"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/secrets"
	"github.com/2389/relay-gateway/internal/store"
)

// Gateway orchestrates the relay-gateway server components: agent websocket
// endpoint, delivery queue, command dispatch and the operator HTTP API.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	broadcaster *events.Broadcaster
	registry    *agent.Registry
	dispatcher  *command.Dispatcher
	queue       *delivery.Queue
	secrets     *secrets.Store
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	wsHandlers map[string]wsHandler
}

type options struct {
	send delivery.SendFunc
}

// Option customizes gateway construction.
type Option func(*options)

// WithSender overrides the delivery send function. The default routes
// deliveries as commands to the item's owning agent.
func WithSender(send delivery.SendFunc) Option {
	return func(o *options) { o.send = send }
}

// New creates a Gateway from configuration. Call Run to start serving.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	g := &Gateway{
		config:      cfg,
		store:       s,
		broadcaster: events.NewBroadcaster(logger),
		logger:      logger.With("component", "gateway"),
	}

	g.registry = agent.NewRegistry(g.broadcaster, cfg.Agents.SweepInterval, cfg.Agents.StaleAfter)
	g.dispatcher = command.NewDispatcher(g.registry, s, g.broadcaster, cfg.Agents.CommandTimeout)
	g.registry.SetInvalidator(g.dispatcher)

	send := o.send
	if send == nil {
		send = g.deliverViaAgent
	}
	g.queue = delivery.NewQueue(s, send, g.broadcaster, delivery.Config{
		Backoff:       cfg.Delivery.Backoff,
		BatchSize:     cfg.Delivery.BatchSize,
		SweepInterval: cfg.Delivery.SweepInterval,
		MaxRetries:    cfg.Delivery.MaxRetries,
		SentRetention: cfg.Delivery.SentRetention,
		PurgeSchedule: cfg.Delivery.PurgeSchedule,
	})

	g.secrets = secrets.New(cfg.Secrets.TTL, cfg.Secrets.SweepInterval)

	if cfg.Auth.JWTSecret != "" {
		g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	g.wsHandlers = map[string]wsHandler{
		kindHeartbeat:   g.handleHeartbeatFrame,
		kindResult:      g.handleResultFrame,
		kindAsyncResult: g.handleAsyncResultFrame,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", g.handleAgentWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	g.registerAPIRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// deliverViaAgent is the default delivery path: the owning agent holds the
// platform session, so the payload travels as a synchronous command over its
// connection. An offline agent is a transient failure that rides the retry
// backoff.
func (g *Gateway) deliverViaAgent(ctx context.Context, item *store.DeliveryItem) error {
	if item.AgentID == "" {
		return errors.New("delivery item has no agent")
	}

	params := map[string]any{
		"account_id":   item.AccountID,
		"recipient":    item.Recipient,
		"platform":     item.Platform,
		"content":      item.Content,
		"content_type": item.ContentType,
	}
	if item.Options != nil {
		params["options"] = item.Options
	}

	_, err := g.dispatcher.Issue(ctx, item.AgentID, "deliver", params, "delivery-queue", 0)
	return err
}

// Run starts the gateway and blocks until the context is canceled or a
// server fails. Crash recovery runs before anything is served so stranded
// delivery items are back in the retry pipeline first.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.queue.RecoverPending(ctx); err != nil {
		return err
	}

	g.registry.Start()
	if err := g.queue.Start(); err != nil {
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener from config (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all components in dependency order: stop accepting
// connections, tear down agents (which rejects their in-flight commands),
// then stop the background engines, then close the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.Close()
	g.dispatcher.Shutdown()
	g.queue.Close()
	g.secrets.Close()
	g.broadcaster.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers. Agent count is
// reported but doesn't gate readiness: a gateway with zero agents still
// accepts connections and queues deliveries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", g.registry.Count())
}
