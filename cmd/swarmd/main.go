// Swarmd decomposes natural-language goals into dependency-ordered lanes
// and drives each one through worker, verifier, and merge.
//
// Configuration is loaded from an optional YAML file and SWARMD_-prefixed
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	swarmd
//
//	# Configure via file and environment
//	SWARMD_SERVER_PORT=9291 swarmd -config /etc/swarmd/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	gohttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/executor"
	swarmhttp "github.com/fyrsmithlabs/swarmd/internal/http"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/merge"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/supervisor"
	"github.com/fyrsmithlabs/swarmd/internal/workspace"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("SWARMD_CONFIG"), "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("swarmd\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n", version, gitCommit, buildDate)
		return
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

	if err := run(ctx, *configPath); err != nil && err != gohttp.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// run wires every component and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting swarmd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	st := store.New(&cfg.Store, logger)

	llmOpts := []openai.Option{}
	if cfg.Model.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.Model.BaseURL))
	}
	llm, err := openai.New(llmOpts...)
	if err != nil {
		return fmt.Errorf("initialize model provider: %w", err)
	}
	client, err := executor.NewLangchainClient(llm, cfg.Model.CostPer1KTokens)
	if err != nil {
		return fmt.Errorf("initialize model client: %w", err)
	}
	var models executor.ModelClient = client
	if cfg.Model.RateLimitRPS > 0 {
		models = executor.NewRateLimitedClient(models, cfg.Model.RateLimitRPS, cfg.Model.RateLimitBurst)
	}

	runner, err := workspace.NewRunner(workspace.RunnerConfig{
		Root:           cfg.Workspace.Root,
		CommandTimeout: cfg.Workspace.CommandTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}
	applier, err := workspace.NewGitApplier(cfg.Workspace.Root, logger)
	if err != nil {
		return fmt.Errorf("initialize branch applier: %w", err)
	}

	ecfg := executor.Config{
		MaxWorkerTurns: cfg.Orchestrator.MaxWorkerTurns,
		CallTimeout:    cfg.Model.CallTimeout,
		Retry: executor.RetryConfig{
			MaxRetries:        cfg.Model.Retry.MaxRetries,
			InitialBackoff:    cfg.Model.Retry.InitialBackoff,
			MaxBackoff:        cfg.Model.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Model.Retry.BackoffMultiplier,
		},
	}
	worker, err := executor.NewWorker(ecfg, models, runner, st, logger)
	if err != nil {
		return fmt.Errorf("initialize worker: %w", err)
	}
	verifier, err := executor.NewVerifier(ecfg, models, runner, st, logger)
	if err != nil {
		return fmt.Errorf("initialize verifier: %w", err)
	}
	coordinator, err := merge.NewCoordinator(applier, st, logger)
	if err != nil {
		return fmt.Errorf("initialize merge coordinator: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		MaxAttempts:      cfg.Orchestrator.MaxAttempts,
		MaxParallelLanes: cfg.Orchestrator.MaxParallelLanes,
		PlannerModelID:   cfg.Model.PlannerModelID,
		WorkerModelID:    cfg.Model.WorkerModelID,
		VerifierModelID:  cfg.Model.VerifierModelID,
		CallTimeout:      cfg.Model.CallTimeout,
		Retry:            ecfg.Retry,
	}, st, worker, verifier, coordinator, models, logger)
	if err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}

	srv, err := swarmhttp.NewServer(&swarmhttp.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		KeepAliveInterval: cfg.Server.KeepAliveInterval,
		Version:           version,
	}, sup, st, logger)
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
