// Package config provides configuration management for the POP3 proxy.
package config

import (
	"errors"
	"fmt"
	"time"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows the proxy to live in the same config file as other mail
// services.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Proxy  Config       `toml:"pop3proxy"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname string `toml:"hostname"`
}

// Config holds the proxy configuration.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	// Listen is the client-side bind address.
	Listen string `toml:"listen"`

	Origin     OriginConfig     `toml:"origin"`
	Management ManagementConfig `toml:"management"`
	Filter     FilterConfig     `toml:"filter"`
	Timeouts   TimeoutsConfig   `toml:"timeouts"`
	Limits     LimitsConfig     `toml:"limits"`
	Metrics    MetricsConfig    `toml:"metrics"`

	// Version is exposed to filter children via POP3_FILTER_VERSION.
	Version string `toml:"version"`
}

// OriginConfig identifies the upstream POP3 server.
type OriginConfig struct {
	Server string `toml:"server"`
	Port   uint16 `toml:"port"`
}

// ManagementConfig defines the management channel bind and credentials.
// Pass may be a plaintext secret or a bcrypt hash ($2a$/$2b$ prefix).
type ManagementConfig struct {
	Address string `toml:"address"`
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
}

// FilterConfig defines the external transformation settings.
type FilterConfig struct {
	Enabled        bool     `toml:"enabled"`
	Command        string   `toml:"command"`
	ReplacementMsg string   `toml:"replacement_msg"`
	MediaTypes     []string `toml:"media_types"`
	ErrorFile      string   `toml:"error_file"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Idle string `toml:"idle"`
}

// LimitsConfig defines resource limits for the proxy.
type LimitsConfig struct {
	MaxConnections int `toml:"max_connections"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listen:   ":1110",
		Origin: OriginConfig{
			Port: 110,
		},
		Management: ManagementConfig{
			Address: "127.0.0.1:9090",
		},
		Filter: FilterConfig{
			ReplacementMsg: "This part has been replaced.",
			ErrorFile:      "/dev/null",
		},
		Timeouts: TimeoutsConfig{
			Idle: "30m",
		},
		Limits: LimitsConfig{
			MaxConnections: 500,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		Version: "1.0",
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}

	if c.Origin.Server == "" {
		return errors.New("origin server is required")
	}

	if c.Origin.Port == 0 {
		return errors.New("origin port must be positive")
	}

	if c.Management.Address == "" {
		return errors.New("management address is required")
	}

	if c.Management.User == "" || c.Management.Pass == "" {
		return errors.New("management credentials are required")
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if c.Timeouts.Idle != "" {
		if _, err := time.ParseDuration(c.Timeouts.Idle); err != nil {
			return fmt.Errorf("invalid idle timeout: %w", err)
		}
	}

	for _, mt := range c.Filter.MediaTypes {
		if _, _, err := SplitMediaType(mt); err != nil {
			return fmt.Errorf("invalid media type %q: %w", mt, err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns 30 minutes if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	if c.Idle == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Idle)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}
