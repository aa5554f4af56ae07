// Package config holds the service configuration, loaded from config.yaml
// under the resolved config directory.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay-core/paths"
)

// Default values applied when the config file omits a field.
const (
	DefaultCLIBinary           = "claude"
	DefaultIdleTimeout         = 24 * time.Hour
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultTimeoutSweep        = 5 * time.Minute
	DefaultStallThreshold      = 2 * time.Minute
	DefaultMaxRateLimitRetries = 3
	DefaultListenAddr          = "127.0.0.1:8975"
)

// Permissions holds the startup defaults for the shared permission state.
type Permissions struct {
	Mode            string   `yaml:"mode,omitempty"`
	AllowedTools    []string `yaml:"allowed_tools,omitempty"`
	DisallowedTools []string `yaml:"disallowed_tools,omitempty"`
	SkipPermissions bool     `yaml:"skip_permissions,omitempty"`
}

// Logging holds log file rotation settings.
type Logging struct {
	Debug      bool `yaml:"debug,omitempty"`
	MaxSizeMB  int  `yaml:"max_size_mb,omitempty"`
	MaxBackups int  `yaml:"max_backups,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	CLIBinary           string      `yaml:"cli_binary,omitempty"`            // AICLI binary name or path
	WorkspaceRoot       string      `yaml:"workspace_root,omitempty"`        // base dir for working-directory validation ("" disables containment)
	IdleTimeout         Duration    `yaml:"idle_timeout,omitempty"`          // session idle timeout
	HealthCheckInterval Duration    `yaml:"health_check_interval,omitempty"` // process-health sampling interval
	TimeoutSweep        Duration    `yaml:"timeout_sweep,omitempty"`         // idle-timeout sweep interval
	StallThreshold      Duration    `yaml:"stall_threshold,omitempty"`       // silence before a stallDetected event
	MaxRateLimitRetries int         `yaml:"max_rate_limit_retries,omitempty"`
	ListenAddr          string      `yaml:"listen_addr,omitempty"` // transport bind address
	Permissions         Permissions `yaml:"permissions,omitempty"`
	Logging             Logging     `yaml:"logging,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or returns defaults if no file exists.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields. Called during single-threaded
// initialization, before the Config is shared.
func (c *Config) applyDefaults() {
	if c.CLIBinary == "" {
		c.CLIBinary = DefaultCLIBinary
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if c.TimeoutSweep <= 0 {
		c.TimeoutSweep = Duration(DefaultTimeoutSweep)
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = Duration(DefaultStallThreshold)
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.CLIBinary == "" {
		return fmt.Errorf("cli_binary must not be empty")
	}
	if c.MaxRateLimitRetries < 1 {
		return fmt.Errorf("max_rate_limit_retries must be at least 1")
	}
	if c.WorkspaceRoot != "" {
		info, err := os.Stat(c.WorkspaceRoot)
		if err != nil {
			return fmt.Errorf("workspace_root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace_root %s is not a directory", c.WorkspaceRoot)
		}
	}
	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// FilePath returns the path this config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetPermissions returns a copy of the permission defaults.
func (c *Config) GetPermissions() Permissions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Permissions
	p.AllowedTools = append([]string(nil), c.Permissions.AllowedTools...)
	p.DisallowedTools = append([]string(nil), c.Permissions.DisallowedTools...)
	return p
}

// SetPermissions replaces the permission defaults.
func (c *Config) SetPermissions(p Permissions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Permissions = p
}

// GetCLIBinary returns the AICLI binary name or path.
func (c *Config) GetCLIBinary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CLIBinary
}

// GetIdleTimeout returns the session idle timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IdleTimeout.Std()
}

// GetHealthCheckInterval returns the process-health sampling interval.
func (c *Config) GetHealthCheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HealthCheckInterval.Std()
}

// GetTimeoutSweep returns the idle-timeout sweep interval.
func (c *Config) GetTimeoutSweep() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TimeoutSweep.Std()
}

// GetStallThreshold returns the silence window before a stall is reported.
func (c *Config) GetStallThreshold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StallThreshold.Std()
}

// GetMaxRateLimitRetries returns the total attempts allowed on rate limits.
func (c *Config) GetMaxRateLimitRetries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxRateLimitRetries
}

// GetListenAddr returns the transport bind address.
func (c *Config) GetListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ListenAddr
}

// GetWorkspaceRoot returns the base directory for working-directory
// validation. Empty means containment is disabled.
func (c *Config) GetWorkspaceRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.WorkspaceRoot
}
