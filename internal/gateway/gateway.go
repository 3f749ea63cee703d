// ABOUTME: Gateway wires the store, sandbox orchestrator, reaper and relay bridge behind HTTP and gRPC
// ABOUTME: Owns listener setup (TCP or tailnet), background sweeping and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/forge-gateway/internal/auth"
	"github.com/2389/forge-gateway/internal/catalog"
	"github.com/2389/forge-gateway/internal/config"
	"github.com/2389/forge-gateway/internal/e2b"
	"github.com/2389/forge-gateway/internal/events"
	"github.com/2389/forge-gateway/internal/lock"
	"github.com/2389/forge-gateway/internal/ratelimit"
	"github.com/2389/forge-gateway/internal/reaper"
	"github.com/2389/forge-gateway/internal/relay"
	"github.com/2389/forge-gateway/internal/sandbox"
	"github.com/2389/forge-gateway/internal/store"
)

const (
	// LocalUserID owns every agent when no jwt_secret is configured.
	LocalUserID = "local"

	// ReaperLockKey is the Redis key that serializes sweeps across replicas.
	ReaperLockKey = "forge:reaper:lock"

	rateLimitTTL     = 10 * time.Minute
	rateLimitMaxKeys = 10_000

	tailscaleGRPCPort = ":50051"
)

// Deps are the gateway's external collaborators. Store and Provisioner are
// required; the rest have in-process defaults.
type Deps struct {
	Store       store.Store
	Provisioner sandbox.Provisioner
	// Locker serializes reaper sweeps. Defaults to a process-local lock.
	Locker lock.Locker
	// Publisher receives lifecycle events in addition to the in-process broadcaster.
	Publisher events.Publisher
	Catalog   *catalog.Catalog
	// SandboxClient reaches sandbox relays for health probes and chat.
	SandboxClient *http.Client
}

// Gateway serves the forge-gateway API.
type Gateway struct {
	config       *config.Config
	store        store.Store
	orchestrator *sandbox.Orchestrator
	reaper       *reaper.Reaper
	bridge       *relay.Bridge
	catalog      *catalog.Catalog
	limiter      *ratelimit.Limiter
	broadcaster  *events.Broadcaster
	publisher    events.Publisher
	locker       lock.Locker
	verifier     *auth.JWTVerifier
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store, honoring FORGE_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FORGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a gateway and its production dependencies from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{s}
	fail := func(err error) (*Gateway, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
		return nil, err
	}

	provisioner, err := e2b.NewClient(e2b.Config{
		APIURL:          cfg.Sandbox.APIURL,
		APIKey:          cfg.Sandbox.APIKey,
		Domain:          cfg.Sandbox.Domain,
		Template:        cfg.Sandbox.Template,
		EnvdURL:         cfg.Sandbox.EnvdURL,
		ConnectLifetime: cfg.Sandbox.Lifetime,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("creating sandbox provider client: %w", err))
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fail(err)
	}

	deps := Deps{Store: s, Provisioner: provisioner, Catalog: cat}

	if cfg.Reaper.RedisAddr != "" {
		locker, err := lock.NewRedis(ctx, lock.RedisConfig{
			Addr: cfg.Reaper.RedisAddr,
			Key:  ReaperLockKey,
			TTL:  cfg.Reaper.LockTTL,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("creating reaper lock: %w", err))
		}
		closers = append(closers, locker)
		deps.Locker = locker
		logger.Info("reaper sweeps coordinated through redis", "addr", cfg.Reaper.RedisAddr)
	}

	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.Events.AMQPURL, Queue: cfg.Events.Queue}, logger)
		if err != nil {
			return fail(fmt.Errorf("creating event publisher: %w", err))
		}
		closers = append(closers, pub)
		deps.Publisher = pub
		logger.Info("publishing lifecycle events", "queue", cfg.Events.Queue)
	}

	return NewWithDeps(cfg, deps, logger)
}

// NewWithDeps builds a gateway around the given collaborators. The gateway
// takes ownership of them and closes them on Shutdown.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Provisioner == nil {
		return nil, errors.New("gateway requires a store and a provisioner")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.New()
	}
	if deps.Locker == nil {
		deps.Locker = &lock.Local{}
	}

	broadcaster := events.NewBroadcaster(logger)
	publisher := events.Fanout{broadcaster}
	if deps.Publisher != nil {
		publisher = append(publisher, deps.Publisher)
	}

	orch := sandbox.New(sandbox.Config{
		Port:              cfg.Sandbox.Port,
		Lifetime:          cfg.Sandbox.Lifetime,
		StartGrace:        cfg.Sandbox.StartGrace,
		OpenAIAPIKey:      cfg.Sandbox.OpenAIAPIKey,
		SerializePerAgent: cfg.Sandbox.SerializePerAgent,
		Prober: sandbox.ProberConfig{
			Attempts:        cfg.Sandbox.HealthAttempts,
			Interval:        cfg.Sandbox.HealthInterval,
			AttemptTimeout:  cfg.Sandbox.HealthTimeout,
			LivenessTimeout: cfg.Sandbox.LivenessTimeout,
			HTTPClient:      deps.SandboxClient,
		},
	}, deps.Store, deps.Provisioner, publisher, logger)

	gw := &Gateway{
		config:       cfg,
		store:        deps.Store,
		orchestrator: orch,
		reaper:       reaper.New(deps.Store, deps.Provisioner, deps.Locker, publisher, cfg.Reaper.StaleAfter, logger),
		bridge: relay.New(relay.Config{
			MaxMessageLength: cfg.Chat.MaxMessageLength,
			HTTPClient:       deps.SandboxClient,
		}, deps.Store, orch, logger),
		catalog:     deps.Catalog,
		limiter:     ratelimit.New(cfg.Chat.RateLimit, rateLimitTTL, rateLimitMaxKeys),
		broadcaster: broadcaster,
		publisher:   publisher,
		locker:      deps.Locker,
		logger:      logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured, every request acts as the local user")
	}
	if cfg.Auth.CronSecret == "" {
		logger.Warn("cron cleanup endpoint is open - no cron_secret configured")
	}

	gw.grpcServer, gw.health = newGRPCServer()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP API handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Sweep runs one reaper pass.
func (g *Gateway) Sweep(ctx context.Context) (reaper.Result, error) {
	return g.reaper.Sweep(ctx)
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers serves each listener in its own goroutine. grpcLn may be nil.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and, when enabled, the periodic reaper, then blocks
// until ctx is canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	bgCtx, stopBackground := context.WithCancel(ctx)
	var background sync.WaitGroup
	if g.config.Reaper.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			g.reaper.Run(bgCtx, g.config.Reaper.Interval)
		}()
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	background.Wait()

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "forge-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens for gRPC and HTTP on the node.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// createTailscaleTLSListener serves HTTPS on :443 with Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and releases every owned resource. Later calls
// return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.limiter.Close()
	errs = appendCloseError(errs, "event publisher close", g.publisher.Close())
	if c, ok := g.locker.(io.Closer); ok {
		errs = appendCloseError(errs, "reaper lock close", c.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
