// Agentd is a task orchestration daemon for coding agents.
//
// It runs phased agent tasks against project workspaces: a research,
// planning, and implementation pipeline with concurrent overwatcher
// agents, an event stream over NATS/SSE, and a blocking human
// question gate.
//
// Configuration is loaded from ~/.config/agentd/config.yaml and
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	agentd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9292 NATS_EMBEDDED=true LLM_API_KEY=... agentd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/bus"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/gate"
	agenthttp "github.com/fyrsmithlabs/agentd/internal/http"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/fyrsmithlabs/agentd/internal/plugins"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  agentd           Start the agentd daemon\n")
			fmt.Fprintf(os.Stderr, "  agentd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("agentd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until context cancellation.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting agentd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
	)

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown", zap.Error(err))
		}
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	srv, err := initServer(cfg, logger, deps)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	logger.Info(ctx, "daemon configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("nats_embedded", cfg.NATS.Embedded),
	)

	return srv.Start(ctx)
}

// dependencies holds the daemon's infrastructure.
type dependencies struct {
	natsServer *natsserver.Server
	natsConn   *nats.Conn
	bus        *bus.Bus
	registry   *task.Registry
	gate       *gate.Gate
	manager    *workspace.Manager
	plugins    *plugins.Loader
	allowlist  *secrets.Allowlist
	orch       *orchestrator.Orchestrator
	logger     *logging.Logger
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.orch.Shutdown(ctx); err != nil {
			d.logger.Warn(context.Background(), "orchestrator shutdown", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
}

// initLogger builds the structured logger from the observability section.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Observability.LogFormat
	return logging.NewLogger(logCfg)
}

// initDependencies wires the broker, event bus, registries, and the
// orchestrator.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	d := &dependencies{logger: logger}

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, err := bus.StartEmbedded()
		if err != nil {
			return nil, err
		}
		d.natsServer = srv
		natsURL = srv.ClientURL()
		logger.Info(ctx, "embedded nats server started", zap.String("url", natsURL))
	}

	nc, err := bus.Connect(natsURL)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.natsConn = nc
	logger.Info(ctx, "connected to nats", zap.String("url", natsURL))

	scrubber, err := secrets.NewScrubber(secrets.DefaultRules())
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create scrubber: %w", err)
	}

	d.bus = bus.New(nc, scrubber, logger, bus.Options{
		HeartbeatInterval: cfg.Bus.HeartbeatInterval.Duration(),
		SubscriberBuffer:  cfg.Bus.SubscriberBuffer,
	})
	d.registry = task.NewRegistry(logger)
	d.gate = gate.New(d.bus, logger, cfg.Gate.AnswerTimeout.Duration())

	guard := workspace.NewGuard(cfg.Workspace.LockMaxHold.Duration(), logger)
	d.manager, err = workspace.NewManager(cfg.Workspace.Root, guard, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create workspace manager: %w", err)
	}

	d.plugins = plugins.NewLoader(cfg.Plugins.Dir, logger)
	if err := d.plugins.Load(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}
	if cfg.Plugins.Watch {
		go func() {
			if err := d.plugins.Watch(ctx); err != nil {
				logger.Warn(ctx, "agent definition watcher stopped", zap.Error(err))
			}
		}()
	}

	// Operators can drop a .gitleaks.toml at the workspace root to
	// allowlist known fixtures across all projects.
	d.allowlist, err = secrets.LoadAllowlists(cfg.Workspace.Root, "")
	if err != nil {
		logger.Warn(ctx, "loading secret allowlists", zap.Error(err))
	}

	completer, err := llm.NewAnthropicClient(llm.AnthropicOptions{
		APIKey:     cfg.LLM.APIKey.Value(),
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxTokens:  cfg.LLM.MaxTokens,
		MaxRetries: cfg.LLM.MaxRetries,
		RateLimit:  cfg.LLM.RateLimit,
		Burst:      cfg.LLM.Burst,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create model client: %w", err)
	}

	runner := agent.NewRunner(completer, d.bus, d.registry, logger, agent.NewMetrics(logger))

	kinds := make([]task.OverwatcherKind, 0, len(cfg.Orchestrator.OverwatcherKinds))
	for _, k := range cfg.Orchestrator.OverwatcherKinds {
		kinds = append(kinds, task.OverwatcherKind(k))
	}

	d.orch = orchestrator.New(orchestrator.Deps{
		Registry:   d.registry,
		Runner:     runner,
		Gate:       d.gate,
		Workspaces: d.manager,
		Plugins:    d.plugins,
		Allowlist:  d.allowlist,
		Log:        logger,
	}, orchestrator.Config{
		OverwatcherKinds: kinds,
		TaskTimeout:      cfg.Orchestrator.TaskTimeout.Duration(),
		MaxIterations:    cfg.Orchestrator.MaxIterations,
		ToolTimeout:      cfg.Orchestrator.ToolTimeout.Duration(),
		GitHubToken:      cfg.GitHub.Token.Value(),
	})

	return d, nil
}

// initServer builds the HTTP API server and attaches the metrics
// endpoint.
func initServer(cfg *config.Config, logger *logging.Logger, d *dependencies) (*agenthttp.Server, error) {
	srv, err := agenthttp.NewServer(agenthttp.Deps{
		Orchestrator: d.orch,
		Registry:     d.registry,
		Gate:         d.gate,
		Bus:          d.bus,
		Workspaces:   d.manager,
		Log:          logger,
	}, agenthttp.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return nil, err
	}

	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return srv, nil
}
