// Shipgated is the daemon that guards a managed source tree.
//
// It exposes the mutation pipeline and the staging → production
// promotion flow over HTTP, so an automated agent can propose changes
// without ever holding git credentials or shell access itself.
//
// Usage:
//
//	# Start with a config file
//	shipgated -config /etc/shipgate/config.yaml
//
//	# Configure via environment
//	SHIPGATE_STAGING_PATH=/srv/app/staging \
//	SHIPGATE_PRODUCTION_PATH=/srv/app/production shipgated
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

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/api"
	"github.com/fyrsmithlabs/shipgate/internal/config"
	"github.com/fyrsmithlabs/shipgate/internal/drift"
	"github.com/fyrsmithlabs/shipgate/internal/events"
	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/logging"
	"github.com/fyrsmithlabs/shipgate/internal/migration"
	"github.com/fyrsmithlabs/shipgate/internal/mutation"
	"github.com/fyrsmithlabs/shipgate/internal/orchestrator"
	"github.com/fyrsmithlabs/shipgate/internal/policy"
	"github.com/fyrsmithlabs/shipgate/internal/promotion"
	"github.com/fyrsmithlabs/shipgate/internal/telemetry"
	"github.com/fyrsmithlabs/shipgate/internal/testgate"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "log format (json, console)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  shipgated           Start the shipgate daemon\n")
			fmt.Fprintf(os.Stderr, "  shipgated version   Show version information\n")
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

	if err := run(ctx, *configPath, *logLevel, *logFormat); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("shipgated by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and blocks until the context is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects the event sink (NATS when enabled)
//  4. Opens both working copies and builds the pipeline
//  5. Builds the promotion manager on the shared interlock
//  6. Starts the drift watcher and HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath, logLevel, logFormat string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: logLevel, Format: logFormat})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting shipgated",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("staging", cfg.Staging.Path),
		zap.String("production", cfg.Production.Path))

	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	if cfg.Observability.OTLPEndpoint != "" {
		telCfg.Endpoint = cfg.Observability.OTLPEndpoint
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	sink, natsConn, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	var watcher *drift.Watcher
	if cfg.Drift.Enabled {
		watcher, err = drift.NewWatcher(cfg.Staging.Path, cfg.Drift.Debounce, sink, logger.Named("drift"))
		if err != nil {
			return fmt.Errorf("initializing drift watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting drift watcher: %w", err)
		}
		defer watcher.Stop()
		logger.Info("drift watcher started", zap.String("path", cfg.Staging.Path))
	}

	deps, err := buildPipeline(cfg, sink, watcher, logger)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(deps.pipeline, deps.promoter, deps.staging, deps.production,
		deps.oplog, logger.Named("http"), &api.Config{Host: "", Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildSink returns the event sink: NATS when enabled, log-backed otherwise.
func buildSink(cfg *config.Config, logger *zap.Logger) (events.Sink, *nats.Conn, error) {
	if !cfg.Events.Enabled {
		return events.NewLogSink(logger.Named("events")), nil, nil
	}

	nc, err := nats.Connect(cfg.Events.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.Events.NATSURL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.Events.NATSURL))

	sink, err := events.NewNATSSink(nc, cfg.Events.Subject, logger.Named("events"))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating NATS sink: %w", err)
	}
	return sink, nc, nil
}

// pipelineDeps bundles what the HTTP server needs.
type pipelineDeps struct {
	pipeline   *orchestrator.Orchestrator
	promoter   *promotion.Manager
	staging    *gitrepo.Repository
	production *gitrepo.Repository
	oplog      *mutation.OperationLog
}

// guardedRepo pauses the drift watcher while the pipeline rewrites the
// staging working copy, so pipeline commits are never reported as
// out-of-band activity.
type guardedRepo struct {
	*gitrepo.Repository
	watcher *drift.Watcher
}

func (g guardedRepo) Commit(ctx context.Context, message string, files []string, author gitrepo.Author) (*gitrepo.CommitRecord, error) {
	g.watcher.Suspend()
	defer g.watcher.Resume()
	return g.Repository.Commit(ctx, message, files, author)
}

func (g guardedRepo) RevertCommit(ctx context.Context, hash string, author gitrepo.Author) error {
	g.watcher.Suspend()
	defer g.watcher.Resume()
	return g.Repository.RevertCommit(ctx, hash, author)
}

func (g guardedRepo) ResetHard(ctx context.Context, hash string) error {
	g.watcher.Suspend()
	defer g.watcher.Resume()
	return g.Repository.ResetHard(ctx, hash)
}

func (g guardedRepo) DiscardAllChanges(ctx context.Context) error {
	g.watcher.Suspend()
	defer g.watcher.Resume()
	return g.Repository.DiscardAllChanges(ctx)
}

func buildPipeline(cfg *config.Config, sink events.Sink, watcher *drift.Watcher, logger *zap.Logger) (*pipelineDeps, error) {
	protected := cfg.Policy.Protected
	if len(protected) == 0 {
		protected = policy.DefaultProtectedPatterns()
	}
	sensitive := cfg.Policy.Sensitive
	if len(sensitive) == 0 {
		sensitive = policy.DefaultSensitivePatterns()
	}
	classifier, err := policy.NewClassifier(protected, sensitive)
	if err != nil {
		return nil, fmt.Errorf("compiling policy patterns: %w", err)
	}

	// Empty backup dir falls back to the engine's default, a .backups
	// directory alongside the working copy.
	engine, err := mutation.NewEngine(cfg.Staging.Path, cfg.Policy.BackupDir, classifier, logger.Named("mutation"))
	if err != nil {
		return nil, fmt.Errorf("initializing mutation engine: %w", err)
	}

	staging, err := gitrepo.Open(cfg.Staging.Path, logger.Named("git.staging"))
	if err != nil {
		return nil, fmt.Errorf("opening staging repository: %w", err)
	}
	staging.SetTimeout(cfg.Git.CommandTimeout)

	production, err := gitrepo.Open(cfg.Production.Path, logger.Named("git.production"))
	if err != nil {
		return nil, fmt.Errorf("opening production repository: %w", err)
	}
	production.SetTimeout(cfg.Git.CommandTimeout)

	subsets := map[testgate.SubsetKind]testgate.SubsetSpec{}
	for kind, cmd := range map[testgate.SubsetKind]config.CommandConfig{
		testgate.SubsetUnit:        cfg.Tests.Unit,
		testgate.SubsetIntegration: cfg.Tests.Integration,
		testgate.SubsetE2E:         cfg.Tests.E2E,
		testgate.SubsetCoverage:    cfg.Tests.Coverage,
	} {
		if cmd.Name != "" {
			subsets[kind] = testgate.SubsetSpec{Command: cmd.Name, Args: cmd.Args, Timeout: cmd.Timeout}
		}
	}
	gate := testgate.New(cfg.Staging.Path, subsets, cfg.Tests.CoverageThreshold, logger.Named("testgate"))

	migrator := migration.NewTrigger(cfg.Staging.Path, migration.Commands{
		Validate:  migration.Command(cfg.Migration.Validate),
		Generate:  migration.Command(cfg.Migration.Generate),
		ClientGen: migration.Command(cfg.Migration.ClientGen),
	}, logger.Named("migration"))

	// Subsets with a configured command run on every gated change.
	gateCfg := testgate.Config{
		Unit:        cfg.Tests.Unit.Name != "",
		Integration: cfg.Tests.Integration.Name != "",
		E2E:         cfg.Tests.E2E.Name != "",
		Coverage:    cfg.Tests.Coverage.Name != "",
	}

	var pipelineRepo orchestrator.Repo = staging
	if watcher != nil {
		pipelineRepo = guardedRepo{Repository: staging, watcher: watcher}
	}

	lock := orchestrator.NewInterlock()
	pipeline, err := orchestrator.New(engine, pipelineRepo, gate, migrator, gateCfg, sink, lock, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("initializing orchestrator: %w", err)
	}

	promoter, err := promotion.New(staging, production, promotion.Config{
		StagingBranch:    cfg.Staging.Branch,
		ProductionBranch: cfg.Production.Branch,
		Remote:           cfg.Git.Remote,
		Identity:         gitrepo.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail},
	}, lock, sink, logger.Named("promotion"))
	if err != nil {
		return nil, fmt.Errorf("initializing promotion manager: %w", err)
	}

	return &pipelineDeps{
		pipeline:   pipeline,
		promoter:   promoter,
		staging:    staging,
		production: production,
		oplog:      engine.Log(),
	}, nil
}
