// Package config provides configuration loading for governd.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/governd/internal/ethics"
	"github.com/fyrsmithlabs/governd/internal/logging"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/resources"
	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/telemetry"
)

// Config is the root configuration for governd.
type Config struct {
	Server    ServerConfig        `koanf:"server"`
	Logging   logging.Config      `koanf:"logging"`
	Telemetry telemetry.Config    `koanf:"telemetry"`
	Storage   StorageConfig       `koanf:"storage"`
	Review    review.Config       `koanf:"review"`
	Pipeline  orchestrator.Config `koanf:"pipeline"`
	Resources ResourcesConfig     `koanf:"resources"`
	Ethics    EthicsConfig        `koanf:"ethics"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `koanf:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// SLASweepInterval drives the background review SLA scheduler.
	SLASweepInterval time.Duration `koanf:"sla_sweep_interval"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	// AuditDir holds the append-only audit chain.
	AuditDir string `koanf:"audit_dir"`

	// SnapshotDir holds content-hashed state snapshots.
	SnapshotDir string `koanf:"snapshot_dir"`
}

// ResourcesConfig configures the resource tracker and its verdict port.
type ResourcesConfig struct {
	// Enabled wires the resource port into the pipeline.
	Enabled bool `koanf:"enabled"`

	Tracker resources.Config     `koanf:"tracker"`
	Port    resources.PortConfig `koanf:"port"`
}

// EthicsConfig configures the rule-based verdict port.
type EthicsConfig struct {
	// Enabled wires the ethics port into the pipeline.
	Enabled bool `koanf:"enabled"`

	Rules []ethics.Rule `koanf:"rules"`
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.SLASweepInterval <= 0 {
		return errors.New("server.sla_sweep_interval must be positive")
	}
	if c.Storage.AuditDir == "" {
		return errors.New("storage.audit_dir is required")
	}
	if c.Storage.SnapshotDir == "" {
		return errors.New("storage.snapshot_dir is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Review.Validate(); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Resources.Enabled {
		if err := c.Resources.Tracker.Validate(); err != nil {
			return fmt.Errorf("resources: %w", err)
		}
	}
	if c.Ethics.Enabled {
		// Rule construction is the authoritative validation: it rejects
		// unknown enforcement levels and empty rules.
		if _, err := ethics.NewPort(c.Ethics.Rules, nil); err != nil {
			return fmt.Errorf("ethics: %w", err)
		}
	}
	return nil
}
