package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/config"
	opshttp "github.com/fyrsmithlabs/voxchain/internal/http"
	"github.com/fyrsmithlabs/voxchain/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator daemon and its operations server.

The daemon shuts down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// run starts voxchaind and blocks until ctx is cancelled.
//
// This function:
//  1. Initializes telemetry and the logger
//  2. Builds the orchestration core and its collaborators
//  3. Serves health, metrics, the governor snapshot and audio
//  4. Flushes telemetry on the way out
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	lg, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger := lg.Underlying()
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting voxchaind",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("telemetry", cfg.Observability.EnableTelemetry),
		zap.Bool("speech", cfg.Speech.Enabled()),
		zap.Bool("nats", cfg.NATS.Enabled))
	if h := tel.Health(); h.Degraded {
		logger.Warn("telemetry degraded", zap.String("reason", h.Reason))
	}

	deps, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	opts := []opshttp.Option{
		opshttp.WithGovernor(deps.governor),
		opshttp.WithGatherer(deps.registry),
		opshttp.WithHTTPMetrics(opshttp.NewHTTPMetrics(logger)),
		opshttp.WithHealthCheck("telemetry", telemetryHealth(tel)),
	}
	if deps.natsConn != nil {
		opts = append(opts, opshttp.WithHealthCheck("nats", natsHealth(deps.natsConn)))
	}

	srv, err := opshttp.NewServer(logger, &opshttp.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AudioDir:        deps.audioDir,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, opts...)
	if err != nil {
		return fmt.Errorf("creating ops server: %w", err)
	}

	logger.Info("ops server configured",
		zap.String("addr", srv.Addr()),
		zap.String("health_endpoint", "/health"),
		zap.String("metrics_endpoint", "/metrics"))

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("voxchaind shutdown complete")
	return nil
}
