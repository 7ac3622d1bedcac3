// Package main is the entrypoint for the Overwatch MCP security proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dotsetlabs/overwatch/internal/approval"
	"github.com/dotsetlabs/overwatch/internal/audit"
	"github.com/dotsetlabs/overwatch/internal/config"
	"github.com/dotsetlabs/overwatch/internal/metrics"
	"github.com/dotsetlabs/overwatch/internal/orchestrator"
	"github.com/dotsetlabs/overwatch/internal/policy"
	"github.com/dotsetlabs/overwatch/internal/session"
	"github.com/dotsetlabs/overwatch/internal/shadow"
	"github.com/dotsetlabs/overwatch/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// startable is anything that can be started and shut down with a
// context — satisfied by *orchestrator.Orchestrator.
type startable interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// orchestratorFactory builds a startable orchestrator from a loaded
// document. Tests inject a failing factory to cover the wiring-error path.
type orchestratorFactory func(*config.Document, string) (startable, error)

func defaultOrchestratorFactory(doc *config.Document, version string) (startable, error) {
	return newOrchestrator(doc)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("overwatch", flag.ContinueOnError)
	configPath := fs.String("config", "overwatch.yaml", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage()
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("overwatch %s\n", Version)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	subcmd := "serve"
	remaining := fs.Args()
	if len(remaining) > 0 {
		subcmd = remaining[0]
		remaining = remaining[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(*configPath, defaultOrchestratorFactory)
	case "validate":
		return cmdValidate(*configPath)
	case "init":
		return cmdInit(remaining)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `overwatch %s — runtime security proxy for MCP tool servers

Usage:
  overwatch [flags] <command>

Commands:
  serve      Start the proxy (default)
  validate   Validate configuration file
  init       Generate a new overwatch.yaml
  help       Show this help message

Flags:
  --config string   Path to configuration file (default "overwatch.yaml")
  --version         Print version and exit

Examples:
  overwatch serve --config overwatch.yaml
  overwatch validate --config overwatch.yaml
  overwatch init --profile dev
`, Version)
}

// cmdServe loads configuration, wires the shared resources, starts every
// configured server's proxy core, and blocks until SIGINT/SIGTERM.
func cmdServe(configPath string, newOrchestrator orchestratorFactory) int {
	logger := slog.Default()
	logger.Info("starting overwatch", "version", Version, "config", configPath)

	doc, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 1
	}

	orch, err := newOrchestrator(doc, Version)
	if err != nil {
		logger.Error("orchestrator initialization error", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Error("orchestrator start error", "error", err)
		return 1
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), doc.Proxy.ShutdownGrace.Duration+1)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// cmdValidate loads and validates the configuration file.
func cmdValidate(configPath string) int {
	logger := slog.Default()
	logger.Info("validating configuration", "config", configPath)

	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println("config valid")
	return 0
}

// cmdInit generates a new overwatch.yaml with the specified profile.
func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	profile := fs.String("profile", "dev", "configuration profile (dev or prod)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch *profile {
	case "dev", "prod":
		// valid
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown profile %q (use dev or prod)\n", *profile)
		return 1
	}

	outPath := "overwatch.yaml"
	if err := os.WriteFile(outPath, []byte(profileYAML(*profile)), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outPath, err)
		return 1
	}

	fmt.Printf("Generated %s with profile %q\n", outPath, *profile)
	return 0
}

// profileYAML returns a starter configuration document for the given
// profile. Dev defaults to a permissive allow policy and a terminal
// approval handler; prod defaults to prompt-by-default with a webhook
// approval handler and audit persistence enabled.
func profileYAML(profile string) string {
	if profile == "prod" {
		return `version: 1
defaults:
  action: prompt
  timeout_ms: 30000
  session_duration_ms: 300000
servers: {}
audit:
  enabled: true
  path: overwatch-audit.db
  redact_pii: true
tool_shadowing:
  enabled: true
  check_descriptions: true
  detect_mutations: true
approval:
  mode: webhook
  webhook:
    url: ""
    max_attempts: 3
logging:
  level: info
  format: json
metrics:
  enabled: true
  listen: "127.0.0.1:9090"
`
	}
	return `version: 1
defaults:
  action: allow
  timeout_ms: 30000
  session_duration_ms: 300000
servers: {}
audit:
  enabled: true
  path: overwatch-audit.db
tool_shadowing:
  enabled: true
  check_descriptions: true
  detect_mutations: true
approval:
  mode: terminal
logging:
  level: debug
  format: json
metrics:
  enabled: false
`
}

// newOrchestrator wires the shared resources (store, audit sink, session
// cache, policy engine, shadow detector, approval handler, metrics) from a
// loaded document and returns a started-but-not-running orchestrator.
func newOrchestrator(doc *config.Document) (*orchestrator.Orchestrator, error) {
	logger := slog.Default()
	m := metrics.New()

	if doc.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(doc.Metrics.Listen, mux); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	var st *store.Store
	if doc.Audit.Enabled && doc.Audit.Path != "" {
		var err error
		st, err = store.Open(store.Config{Path: doc.Audit.Path, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
	}

	sink, err := audit.New(context.Background(), audit.Config{Store: st, Metrics: m, Logger: logger, Redact: doc.Audit.RedactPII})
	if err != nil {
		return nil, fmt.Errorf("initializing audit sink: %w", err)
	}

	sessions, err := session.New(context.Background(), session.Config{
		CleanupInterval: doc.Session.CleanupInterval.Duration,
		Metrics:         m,
		Store:           st,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("loading persisted sessions: %w", err)
	}

	engine := policy.NewEngine(doc.ToPolicySet(), logger, m)

	var shadowDetector *shadow.Detector
	if doc.ToolShadowing.Enabled {
		shadowDetector = shadow.New(m)
	}

	handler, err := newApprovalHandler(doc.Approval)
	if err != nil {
		return nil, fmt.Errorf("configuring approval handler: %w", err)
	}

	return orchestrator.New(orchestrator.Config{
		Document: doc,
		Policy:   engine,
		Session:  sessions,
		Audit:    sink,
		Approval: handler,
		Shadow:   shadowDetector,
		Metrics:  m,
		Logger:   logger,
	})
}

func newApprovalHandler(cfg config.ApprovalConfig) (approval.Handler, error) {
	switch cfg.Mode {
	case "", "terminal":
		return approval.NewTerminalHandler(os.Stdin, os.Stdout), nil
	case "webhook":
		if cfg.Webhook.URL == "" {
			return nil, fmt.Errorf("approval.webhook.url is required when approval.mode is %q", cfg.Mode)
		}
		return approval.NewWebhookHandler(approval.WebhookConfig{
			URL:         cfg.Webhook.URL,
			Secret:      cfg.Webhook.Secret,
			Timeout:     cfg.Webhook.Timeout.Duration,
			BaseDelay:   cfg.Webhook.BaseDelay.Duration,
			MaxDelay:    cfg.Webhook.MaxDelay.Duration,
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Logger:      slog.Default(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown approval.mode %q", cfg.Mode)
	}
}
