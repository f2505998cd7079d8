// Package config provides application configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/DotmacTech/isp-management-main-sub004/internal/database"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

// Prefix is prepended to every environment variable name.
const Prefix = "ACTIVATOR"

// Settings holds all application configuration.
type Settings struct {
	Version  string `envconfig:"VERSION" default:"0.1.0"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// API server
	APIHost string `envconfig:"API_HOST" default:"0.0.0.0"`
	APIPort int    `envconfig:"API_PORT" default:"8080"`

	// Database: sqlite (DSN is a file path or :memory:), postgres, or memory
	// (no database, state lives for the life of the process).
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN" default:"activator.db"`

	// Optional YAML workflow catalog. Empty uses the built-in default workflow.
	WorkflowsFile string `envconfig:"WORKFLOWS_FILE"`

	// Engine
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"30s"`
	LeaseDuration        time.Duration `envconfig:"LEASE_DURATION" default:"10m"`
	ReaperInterval       time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
	NodeID               string        `envconfig:"NODE_ID"`

	// Provisioning gateway. Empty URL uses in-process stub collaborators.
	GatewayURL     string        `envconfig:"GATEWAY_URL"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

// ListenAddr returns the address string for the HTTP server to bind to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

// EngineConfig returns the workflow engine settings.
func (s *Settings) EngineConfig() flowengine.EngineConfig {
	return flowengine.EngineConfig{
		RetryInitialInterval: s.RetryInitialInterval,
		RetryMaxInterval:     s.RetryMaxInterval,
		LeaseDuration:        s.LeaseDuration,
		NodeID:               s.NodeID,
	}
}

// Validate rejects settings the process cannot start with.
func (s *Settings) Validate() error {
	switch s.DatabaseDriver {
	case database.DriverSQLite, database.DriverPostgres, database.DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", s.DatabaseDriver)
	}
	if s.DatabaseDSN == "" && s.DatabaseDriver != database.DriverMemory {
		return fmt.Errorf("%s_DATABASE_DSN is required", Prefix)
	}
	if s.APIPort <= 0 || s.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", s.APIPort)
	}
	if s.RetryInitialInterval < 0 || s.RetryMaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	if s.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	if s.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", s.LogLevel)
	}
	return nil
}

// Load creates a new Settings instance from environment variables.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process(Prefix, s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}
