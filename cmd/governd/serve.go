package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/config"
	httpserver "github.com/fyrsmithlabs/governd/internal/http"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governd daemon",
	Long: `Start the governd daemon: recover the audit chain, start the review SLA
scheduler, and serve the HTTP API (audit export, review decision channel,
snapshot verification, run control, /metrics).

Examples:
  # Start with the default config
  governd serve

  # Start with an explicit config file
  governd serve --config /etc/governd/config.yaml`,
	RunE: runServe,
}

// passthroughBody is the default phase body for daemon-started runs: it
// carries the state through unchanged, annotated with the phase name. Real
// phase work is an external collaborator plugged in by embedding the runner.
type passthroughBody struct{}

func (passthroughBody) Execute(_ context.Context, phase orchestrator.Phase, input json.RawMessage) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]any{
		"phase": phase,
		"state": input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phase state: %w", err)
	}
	return out, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	c, err := buildCore()
	if err != nil {
		return err
	}
	defer c.close()

	tel, err := telemetry.New(cmd.Context(), &c.cfg.Telemetry, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			c.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	for _, p := range c.cfg.Pipeline.Phases {
		c.runner.RegisterBody(p, passthroughBody{})
	}

	scheduler := review.NewScheduler(c.reviews, c.cfg.Server.SLASweepInterval, c.logger)
	scheduler.Start(cmd.Context())
	defer scheduler.Stop()

	server, err := httpserver.NewServer(c.chain, c.store, c.reviews, c.runner, c.logger, &httpserver.Config{
		Addr: c.cfg.Server.Addr,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	c.logger.Info("governd started",
		zap.String("addr", c.cfg.Server.Addr),
		zap.String("audit_dir", c.cfg.Storage.AuditDir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		c.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
