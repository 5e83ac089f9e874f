package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/2b3pro/watson-mcp-router/dispatch"
	"github.com/2b3pro/watson-mcp-router/registry"
	"github.com/2b3pro/watson-mcp-router/routerconfig"
	"github.com/2b3pro/watson-mcp-router/server"
	"github.com/2b3pro/watson-mcp-router/supervisor"
	"github.com/2b3pro/watson-mcp-router/transport"
)

const (
	defaultServerName    = "watson-mcp-router"
	defaultServerVersion = "1.0.0"

	minPort = 1
	maxPort = 65535
)

type Config struct {
	ConfigPath      string        `arg:"--config,env:WATSON_CONFIG" default:"watson_mcprouter_config.json" help:"Path to the child server configuration file"`
	HTTPPort        int           `arg:"--port,env:WATSON_PORT" default:"3000" help:"HTTP port"`
	RequestTimeout  time.Duration `arg:"--request-timeout,env:WATSON_REQUEST_TIMEOUT" default:"30s" help:"Request timeout"`
	ShutdownTimeout time.Duration `arg:"--shutdown-timeout,env:WATSON_SHUTDOWN_TIMEOUT" default:"5s" help:"Shutdown timeout"`
	ReadTimeout     time.Duration `arg:"--read-timeout,env:WATSON_READ_TIMEOUT" default:"30s" help:"HTTP read timeout"`
	WriteTimeout    time.Duration `arg:"--write-timeout,env:WATSON_WRITE_TIMEOUT" default:"30s" help:"HTTP write timeout"`
	IdleTimeout     time.Duration `arg:"--idle-timeout,env:WATSON_IDLE_TIMEOUT" default:"120s" help:"HTTP idle timeout"`
	LogLevel        string        `arg:"--log-level,env:WATSON_LOG_LEVEL" default:"info" help:"Log level (debug|info|warn|error)"`
	LogJSON         bool          `arg:"--log-json,env:WATSON_LOG_JSON" help:"Output logs in JSON format"`
}

func (Config) Description() string {
	return `watson-mcp-router - An aggregating proxy for the Model Context Protocol

Spawns and supervises a configurable set of child MCP servers, each speaking
MCP over its own stdio pipes, discovers their tools, resources, and prompts,
namespaces them under a configured alias, and exposes the union through a
single streamable-HTTP MCP endpoint.

Configuration can be provided via command line arguments or environment
variables. Environment variables use the prefix "WATSON_" followed by the
flag name in upper case with dashes as underscores (--request-timeout is
WATSON_REQUEST_TIMEOUT). The child server list itself is read from the JSON
document at --config.

Examples:
  # Run with the default config path and port
  watson-mcp-router

  # Run against a specific config file on a custom port
  watson-mcp-router --config ./servers.json --port 4000`
}

func (Config) Version() string {
	return fmt.Sprintf("%s %s", defaultServerName, defaultServerVersion)
}

func (c *Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config path must not be empty")
	}
	if c.HTTPPort < minPort || c.HTTPPort > maxPort {
		return fmt.Errorf("invalid port: %d (must be %d-%d)", c.HTTPPort, minPort, maxPort)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %v (must be positive)", c.RequestTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v (must be positive)", c.ShutdownTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("invalid read timeout: %v (must be positive)", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout: %v (must be positive)", c.WriteTimeout)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("invalid idle timeout: %v (must be positive)", c.IdleTimeout)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", c.LogLevel)
	}
	return nil
}

func parseArgs() (*Config, error) {
	var cfg Config

	parser, err := arg.NewParser(arg.Config{
		Program: "watson-mcp-router",
	}, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create argument parser: %w", err)
	}

	if err := parser.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func main() {
	cfg, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Router error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func run(cfg *Config) error {
	startedAt := time.Now()
	logger := newLogger(cfg.LogLevel, cfg.LogJSON)

	childConfigs, err := routerconfig.Load(cfg.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load child server configuration: %w", err)
	}

	reg := registry.New(logger)
	sup := supervisor.New(reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx, childConfigs)

	aggregator := dispatch.New(reg, sup, logger, startedAt)

	mcpServer, err := server.NewMCPServer(
		defaultServerName,
		defaultServerVersion,
		aggregator, aggregator, aggregator,
		server.WithLogger(logger),
		server.WithRequestTimeout(cfg.RequestTimeout),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
		server.WithReadTimeout(cfg.ReadTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithIdleTimeout(cfg.IdleTimeout),
		server.WithLogLevel(cfg.LogLevel),
		server.WithLogJSON(cfg.LogJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpTransport := transport.NewHTTP(cfg.HTTPPort, cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout, cfg.ShutdownTimeout, cfg.RequestTimeout)
	httpTransport.SetStats(aggregator)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		sup.Shutdown()
		cancel()
	}()

	if err := httpTransport.Start(ctx, mcpServer); err != nil {
		return fmt.Errorf("transport start failed: %w", err)
	}

	return nil
}
