package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/officebus/internal/config"
	"github.com/jkaninda/officebus/internal/gateway"
	"github.com/jkaninda/officebus/internal/gateway/httpapi"
	"github.com/jkaninda/officebus/internal/gateway/ws"
	"github.com/jkaninda/officebus/internal/mcpserver"
	"github.com/jkaninda/officebus/internal/ratelimit"
	"github.com/jkaninda/officebus/internal/secrets"
)

var (
	serveConfigPath string
	servePort       string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the action bus with its HTTP, WebSocket and MCP gateways",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `officebus --config path` and `officebus serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

// runServe starts the bus and every enabled gateway, then waits for a signal.
func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := loadConfig(goutils.Env("OFFICEBUS_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting officebus", slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sc.Watchdog != nil {
		stopWatchdog, err := sc.Watchdog.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting watchdog: %w", err)
		}
		defer stopWatchdog()
	}

	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	// Release submitters still waiting on a decision.
	if n := sc.Bus.PendingCount(); n > 0 {
		logger.Warn("dropping pending actions on shutdown", slog.Int("pending", n))
	}
	sc.Bus.Reset()

	logger.Info("officebus stopped")
	return nil
}

// loadConfig reads the config file, or falls back to environment-only
// configuration when the file does not exist. Credential references are
// resolved before the config is returned.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		logger.Info("config loaded", slog.String("path", path))
	case errors.Is(err, os.ErrNotExist):
		logger.Info("config file not found, using environment", slog.String("path", path))
		if cfg, err = config.FromEnv(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	provider, err := secrets.New(cfg.Secrets.VaultConfig())
	if err != nil {
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := secrets.ResolveFields(ctx, provider, cfg.SecretFields()...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	var wsServer *ws.Server
	if gwCfg.WebSocket != nil && gwCfg.WebSocket.Enabled {
		wsServer = ws.NewServer(sc.Bus, gwCfg.WebSocket, sc.Obs.MetricsOrNil(), sc.Logger)
		wsServer.Attach()
		sc.Bus.OnReset(func() { wsServer.Attach() })
	}

	// HTTP API gateway.
	var httpGW *httpapi.Gateway
	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
		})

		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.Addr(),
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        gwCfg.HTTP.APIKeyUserMapping,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
			MaxWait:        gwCfg.HTTP.MaxWait(),
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.HealthChecker = sc.Obs.Health
			if sc.Obs.Metrics != nil {
				httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			}
			if sc.Obs.Tracer != nil {
				httpCfg.Tracer = sc.Obs.Tracer.Tracer()
			}
			if cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		if len(httpCfg.APIKeys) == 0 {
			sc.Logger.Warn("http gateway has no API keys configured; every /v1 request will be rejected")
		}
		httpGW = httpapi.NewGateway(httpCfg, sc.Bus, limiter, sc.Logger)

		if cfg.MCP != nil && cfg.MCP.Enabled {
			mcpSrv := mcpserver.New(sc.Bus, version, sc.Logger)
			httpGW.WithStreamableHandler(cfg.MCP.MCPPath(), mcpSrv.Handler())
			sc.Logger.Debug("mcp tools mounted on http gateway", slog.String("path", cfg.MCP.MCPPath()))
		}
	} else if cfg.MCP != nil && cfg.MCP.Enabled {
		sc.Logger.Warn("mcp is enabled but the http gateway is not; mcp tools are unavailable")
	}

	// Mount the WebSocket stream on the HTTP gateway if both are enabled.
	// Otherwise, the stream listens on its own address.
	if wsServer != nil {
		if httpGW != nil {
			httpGW.WithHandler(gwCfg.WebSocket.WSPath(), wsServer.Mount())
			sc.Logger.Debug("websocket stream mounted on http gateway",
				slog.String("path", gwCfg.WebSocket.WSPath()),
			)
		}
		gws = append(gws, wsServer)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "websocket"),
			slog.Bool("standalone", httpGW == nil),
		)
	}

	if httpGW != nil {
		gws = append(gws, httpGW)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", gwCfg.HTTP.Addr()),
			slog.Bool("websocket", wsServer != nil),
			slog.Bool("mcp", cfg.MCP != nil && cfg.MCP.Enabled),
		)
	}

	return gws
}
