package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/governd/internal/logging"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/resources"
	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/telemetry"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_ADDR, STORAGE_AUDIT_DIR, ...)
//  2. YAML config file (~/.config/governd/config.yaml)
//  3. Defaults
//
// The config file must live under ~/.config/governd/ or /etc/governd/, carry
// 0600 or 0400 permissions, and stay under 1MB; anything else is rejected
// before parsing.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, ".config", "governd", "config.yaml")
	}

	if err := validateConfigPath(configPath, home); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a TOCTOU
		// race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables use underscore separators and are uppercased:
	// SERVER_ADDR -> server.addr, STORAGE_AUDIT_DIR -> storage.audit_dir.
	// The section is everything before the first underscore.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg, home)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the governd config directory if it doesn't exist,
// with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "governd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is in an allowed directory, following
// symlinks so they cannot escape it. Runs even when the file doesn't exist.
func validateConfigPath(path, home string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet; validate
		// the absolute path instead.
		resolvedPath = absPath
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "governd"),
		"/etc/governd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/governd/ or /etc/governd/")
}

// validateConfigFileProperties checks permissions and size through an
// already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills missing configuration fields.
func applyDefaults(cfg *Config, home string) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "localhost:9450"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.SLASweepInterval == 0 {
		cfg.Server.SLASweepInterval = time.Minute
	}

	if cfg.Logging.Level == "" || cfg.Logging.Format == "" {
		defaults := logging.DefaultConfig()
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = defaults.Level
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = defaults.Format
		}
	}

	telemetryDefaults := telemetry.DefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		// Plaintext is the default only for the default local collector.
		cfg.Telemetry.Endpoint = telemetryDefaults.Endpoint
		cfg.Telemetry.Insecure = telemetryDefaults.Insecure
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = telemetryDefaults.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = telemetryDefaults.ServiceVersion
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = telemetryDefaults.Protocol
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = telemetryDefaults.Sampling.Rate
	}
	if cfg.Telemetry.Metrics.ExportInterval == 0 {
		cfg.Telemetry.Metrics.ExportInterval = telemetryDefaults.Metrics.ExportInterval
	}
	if cfg.Telemetry.Shutdown.Timeout == 0 {
		cfg.Telemetry.Shutdown.Timeout = telemetryDefaults.Shutdown.Timeout
	}

	dataDir := filepath.Join(home, ".local", "share", "governd")
	if cfg.Storage.AuditDir == "" {
		cfg.Storage.AuditDir = filepath.Join(dataDir, "audit")
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = filepath.Join(dataDir, "snapshots")
	}

	reviewDefaults := review.DefaultConfig()
	if cfg.Review.DefaultSLA.Response == 0 {
		cfg.Review.DefaultSLA.Response = reviewDefaults.DefaultSLA.Response
	}
	if cfg.Review.DefaultSLA.Resolution == 0 {
		cfg.Review.DefaultSLA.Resolution = reviewDefaults.DefaultSLA.Resolution
	}
	if len(cfg.Review.EscalationChain) == 0 {
		cfg.Review.EscalationChain = reviewDefaults.EscalationChain
	}

	if len(cfg.Pipeline.Phases) == 0 {
		cfg.Pipeline.Phases = orchestrator.DefaultPhases()
	}
	if cfg.Pipeline.PortTimeout == 0 {
		cfg.Pipeline.PortTimeout = orchestrator.DefaultConfig().PortTimeout
	}

	if cfg.Resources.Enabled && len(cfg.Resources.Tracker.WasteThresholds) == 0 {
		cfg.Resources.Tracker.WasteThresholds = resources.DefaultConfig().WasteThresholds
	}
}
