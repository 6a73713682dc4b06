// ABOUTME: Entry point for the mcpd demo server.
// ABOUTME: Subcommands: serve (run the server), init (write a starter config).

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"tailscale.com/tsnet"

	"github.com/2389/mcpd/auth"
	"github.com/2389/mcpd/config"
	"github.com/2389/mcpd/health"
	"github.com/2389/mcpd/server"
	"github.com/2389/mcpd/task"
	"github.com/2389/mcpd/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __   __| |
| '_ ' _ \ / __| '_ \ / _' |
| | | | | | (__| |_) | (_| |
|_| |_| |_|\___| .__/ \__,_|
               |_|
`

// getConfigPath returns the config file path.
// Priority: MCPD_CONFIG env var > XDG_CONFIG_HOME/mcpd/mcpd.yaml > ~/.config/mcpd/mcpd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCPD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mcpd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcpd", "mcpd.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcpd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the demo MCP server")
		fmt.Println("  init    Write a starter config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Server:    %s\n", cfg.Server.Name)
	green.Print("    ▶ ")
	fmt.Printf("Transport: %s", cfg.Server.Transport)
	if cfg.Server.Transport == "http" {
		fmt.Printf(" (%s%s)", cfg.Server.Addr, cfg.Server.Path)
	}
	fmt.Println()
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer srv.Close()

	if err := registerDemo(srv, logger); err != nil {
		return fmt.Errorf("registering demo catalog: %w", err)
	}
	checker := wireMonitoring(ctx, srv, cfg, logger)

	logger.Info("starting mcpd",
		"config", configPath,
		"transport", cfg.Server.Transport,
		"tasks", cfg.Tasks.Enabled,
	)

	if cfg.Server.Transport == "stdio" {
		stdio, err := transport.NewStdio(transport.StdioConfig{Server: srv, Logger: logger})
		if err != nil {
			return err
		}
		return stdio.Run(ctx)
	}
	return serveHTTP(ctx, srv, cfg, checker, logger)
}

func serveHTTP(ctx context.Context, srv *server.Server, cfg *config.Config, checker *health.Checker, logger *slog.Logger) error {
	httpCfg := transport.HTTPConfig{
		Addr:   cfg.Server.Addr,
		Path:   cfg.Server.Path,
		Server: srv,
		Auth:   buildAuth(cfg.Auth),
		Logger: logger,
	}
	if cfg.Health.Enabled {
		httpCfg.Health = checker
	}
	if cfg.Metrics.Enabled {
		httpCfg.MetricsPath = cfg.Metrics.Path
	}

	tr, err := transport.NewHTTP(httpCfg)
	if err != nil {
		return err
	}

	if cfg.Tailscale.Enabled {
		ln, cleanup, err := tailscaleListener(ctx, cfg.Tailscale, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		return tr.Serve(ctx, ln)
	}
	return tr.Run(ctx)
}

// tailscaleListener brings up a tsnet node and listens on :80.
func tailscaleListener(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (net.Listener, func(), error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving tailscale state dir: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "mcpd-tsnet")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := cfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}

	logger.Info("starting tailscale node", "hostname", cfg.Hostname, "state_dir", stateDir, "ephemeral", cfg.Ephemeral)
	status, err := ts.Up(ctx)
	if err != nil {
		_ = ts.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		logger.Info("tailscale node ready", "hostname", cfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	}

	ln, err := ts.Listen("tcp", ":80")
	if err != nil {
		_ = ts.Close()
		return nil, nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, func() { _ = ts.Close() }, nil
}

func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	srvCfg := server.Config{
		Name:               cfg.Server.Name,
		Version:            cfg.Server.Version,
		Instructions:       cfg.Server.Instructions,
		PageSize:           cfg.Server.PageSize,
		MaxSessions:        cfg.Server.MaxSessions,
		SessionIdleTimeout: cfg.Server.SessionIdleTimeout,
		EnableTasks:        cfg.Tasks.Enabled,
		TaskRetention:      cfg.Tasks.Retention,
		CacheEnabled:       cfg.Cache.Enabled,
		CacheMaxEntries:    cfg.Cache.MaxEntries,
		Logger:             logger,
	}
	if cfg.Tasks.Enabled && cfg.Tasks.Store == "sqlite" {
		store, err := task.NewSQLiteStore(cfg.Tasks.Path)
		if err != nil {
			return nil, fmt.Errorf("opening task store: %w", err)
		}
		srvCfg.TaskStore = store
	}

	srv, err := server.NewServer(srvCfg)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit.Enabled {
		srv.Limiter().Configure(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	}
	return srv, nil
}

// buildAuth assembles the request gate from config. Precedence: JWT
// secret, then bcrypt hash, then plaintext key. All empty leaves the
// gate disabled.
func buildAuth(cfg config.AuthConfig) *auth.Authenticator {
	a := auth.New()
	switch {
	case cfg.JWTSecret != "":
		a.SetCallback(auth.VerifierCallback(auth.NewJWTVerifier([]byte(cfg.JWTSecret))))
	case cfg.APIKeyHash != "":
		if err := a.AddAPIKeyHash(cfg.APIKeyHash); err != nil {
			slog.Warn("ignoring invalid api_key_hash", "error", err)
		}
	case cfg.APIKey != "":
		a.SetAPIKey(cfg.APIKey)
	}
	return a
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

const starterConfig = `# mcpd configuration
server:
  name: "mcpd"
  transport: "http"   # http or stdio
  addr: ":8080"
  path: "/mcp"
  max_sessions: 4
  session_idle_timeout: "30m"

auth:
  # api_key: "change-me"
  # api_key_hash: ""   # bcrypt digest, replaces api_key
  # jwt_secret: ""     # switches to signed-token verification

ratelimit:
  enabled: false
  max_requests: 120
  window: "1m"

cache:
  enabled: true

tasks:
  enabled: true
  store: "memory"      # memory or sqlite
  # path: "./tasks.db" # required for sqlite
  retention: "1h"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"

health:
  enabled: true

tailscale:
  enabled: false
  # hostname: "mcpd"
  # auth_key: "${TS_AUTHKEY}"
  ephemeral: false
`

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Wrote starter config to %s\n", configPath)
	return nil
}

// wireMonitoring sets up the health checker, alert rules, and the
// background evaluation loop that feeds metrics into them.
func wireMonitoring(ctx context.Context, srv *server.Server, cfg *config.Config, logger *slog.Logger) *health.Checker {
	checker := newHealthChecker(srv)
	engine := newAlertEngine(srv, logger)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := srv.MetricsSnapshot()
				engine.Check("request_errors", float64(snap.TotalErrors))
				engine.Check("latency_ms", float64(snap.MaxLatencyMs))
				checker.Run()
			}
		}
	}()
	return checker
}
