// Package main implements the governd daemon and operations CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/auditchain"
	"github.com/fyrsmithlabs/governd/internal/config"
	"github.com/fyrsmithlabs/governd/internal/ethics"
	"github.com/fyrsmithlabs/governd/internal/logging"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/resources"
	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/snapshot"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information, set at build time.
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "governd",
	Short: "Governance-gated phase orchestrator",
	Long: `governd runs multi-stage pipelines whose phase transitions are governed:
every transition is recorded on a hash-linked audit chain, state is captured
in content-hashed snapshots, and configured gates suspend execution until a
human review resolves — or fails closed when its SLA runs out.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/governd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(attestCmd)
}

// core bundles the wired services shared by serve and run.
type core struct {
	cfg     *config.Config
	logger  *zap.Logger
	chain   *auditchain.Chain
	store   *snapshot.Store
	reviews *review.Manager
	runner  *orchestrator.Runner
}

func (c *core) close() {
	if c.runner != nil {
		c.runner.Close()
	}
	if c.reviews != nil {
		c.reviews.Close()
	}
	if c.chain != nil {
		c.chain.Close()
	}
	if c.logger != nil {
		_ = logging.Sync(c.logger)
	}
}

// buildCore loads configuration and wires the audit chain, snapshot store,
// review manager, runner, and configured verdict ports.
func buildCore() (*core, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	c := &core{cfg: cfg, logger: logger}

	c.chain, err = auditchain.Open(cfg.Storage.AuditDir, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to open audit chain: %w", err)
	}
	if flagged := c.chain.Flagged(); flagged > 0 {
		logger.Warn("audit chain recovery flagged corrupt tail entries", zap.Int("flagged", flagged))
	}

	c.store, err = snapshot.NewStore(cfg.Storage.SnapshotDir, c.chain, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	c.reviews, err = review.NewManager(&cfg.Review, c.chain, nil, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create review manager: %w", err)
	}

	c.runner, err = orchestrator.NewRunner(&cfg.Pipeline, c.chain, c.store, c.reviews, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	if cfg.Resources.Enabled {
		tracker, err := resources.NewTracker(&cfg.Resources.Tracker, logger)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("failed to create resource tracker: %w", err)
		}
		port, err := resources.NewPort(&cfg.Resources.Port, tracker, nil, logger)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("failed to create resource port: %w", err)
		}
		c.runner.RegisterPort(orchestrator.PortBinding{Name: "resources", Port: port})
	}

	if cfg.Ethics.Enabled {
		port, err := ethics.NewPort(cfg.Ethics.Rules, logger)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("failed to create ethics port: %w", err)
		}
		c.runner.RegisterPort(orchestrator.PortBinding{Name: "ethics", Port: port})
	}

	return c, nil
}
