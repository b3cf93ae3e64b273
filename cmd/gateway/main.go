// Command gateway runs the chat completion gateway.
//
// Usage:
//
//	gateway -config config.yaml
//	gateway -version
//
// Without -config the server starts with built-in defaults and the built-in
// model catalog, which is enough for local development against providers
// whose API keys arrive via environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/agentdeck/chat-gateway/internal/audit"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/gateway"
	"github.com/agentdeck/chat-gateway/internal/mcp"
	"github.com/agentdeck/chat-gateway/internal/models"
	"github.com/agentdeck/chat-gateway/internal/monitoring"
	"github.com/agentdeck/chat-gateway/internal/project"
	"github.com/agentdeck/chat-gateway/internal/provider"
	"github.com/agentdeck/chat-gateway/internal/session"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		configPath  string
		debug       bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file (empty = defaults)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("chat-gateway", gateway.Version)
		return
	}

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	setupLogging(debug)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
}

// setupLogging configures zerolog: human-readable console output on a
// terminal, JSON lines otherwise.
func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model catalog, with optional hot reload.
	registry := models.NewDefaultRegistry()
	if cfg.Models.CatalogPath != "" {
		catalog, err := models.LoadCatalog(cfg.Models.CatalogPath)
		if err != nil {
			return fmt.Errorf("model catalog: %w", err)
		}
		if registry, err = models.NewRegistry(catalog); err != nil {
			return fmt.Errorf("model catalog: %w", err)
		}
		if cfg.Models.Watch {
			watcher, err := models.NewWatcher(registry, cfg.Models.CatalogPath)
			if err != nil {
				return fmt.Errorf("catalog watcher: %w", err)
			}
			defer func() { _ = watcher.Close() }()
		}
	}

	// Session store, with an optional sqlite turn log.
	var storeOpts []session.Option
	if cfg.Sessions.TTL > 0 {
		storeOpts = append(storeOpts, session.WithTTL(cfg.Sessions.TTL))
	}
	if cfg.Sessions.DBPath != "" {
		turnLog, err := session.NewTurnLog(cfg.Sessions.DBPath)
		if err != nil {
			return fmt.Errorf("turn log: %w", err)
		}
		defer func() { _ = turnLog.Close() }()
		storeOpts = append(storeOpts, session.WithTurnLog(turnLog))
	}
	sessions := session.NewStore(storeOpts...)
	defer sessions.Close()

	// Audit log with configured sinks.
	var auditOpts []audit.Option
	if cfg.Monitoring.AuditRetention > 0 {
		auditOpts = append(auditOpts, audit.WithCapacity(cfg.Monitoring.AuditRetention))
	}
	if cfg.Monitoring.AuditPath != "" {
		auditOpts = append(auditOpts, audit.WithJSONLSink(cfg.Monitoring.AuditPath))
	}
	if cfg.Monitoring.AuditDBPath != "" {
		auditOpts = append(auditOpts, audit.WithSQLiteSink(cfg.Monitoring.AuditDBPath))
	}
	auditLog, err := audit.NewLog(auditOpts...)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	// Telemetry and metrics.
	metrics := monitoring.NewMetricsCollector()
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.TelemetryEnabled,
		LogPath:     cfg.Monitoring.TelemetryPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	}, metrics)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tracker.Close() }()

	providers, err := provider.NewRegistry(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	var dispatcher *mcp.Dispatcher
	if len(cfg.MCP.Servers) > 0 {
		dispatcher = mcp.NewDispatcher(cfg.MCP.Servers, auditLog)
	}
	userScope := mcp.UserScopeFromConfig(cfg.MCP.User)

	projects := project.NewStore()
	events := gateway.NewEventHub()

	eng := engine.New(engine.Options{
		Sessions:   sessions,
		Models:     registry,
		Providers:  providers,
		Dispatcher: dispatcher,
		Projects:   projects,
		UserScope:  userScope,
		Config:     cfg.Engine,
		Notifier:   gateway.NewFanoutNotifier(tracker, events),
	})

	gw := gateway.New(gateway.Options{
		Config:     cfg,
		Engine:     eng,
		Sessions:   sessions,
		Projects:   projects,
		Models:     registry,
		Dispatcher: dispatcher,
		AuditLog:   auditLog,
		Metrics:    metrics,
		Tracker:    tracker,
		Events:     events,
		UserScope:  userScope,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}
