package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Listen         string
	OriginServer   string
	OriginPort     int
	Management     string
	ManagementUser string
	ManagementPass string
	FilterCommand  string
	FilterEnabled  bool
	ReplacementMsg string
	MediaTypes     string
	ErrorFile      string
	Version        string
	LogLevel       string
	MaxConnections int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./pop3proxy.toml", "Path to configuration file")
	flag.StringVar(&f.Listen, "listen", "", "Client-side listen address")
	flag.StringVar(&f.OriginServer, "origin", "", "Origin POP3 server host")
	flag.IntVar(&f.OriginPort, "origin-port", 0, "Origin POP3 server port")
	flag.StringVar(&f.Management, "management", "", "Management channel listen address")
	flag.StringVar(&f.ManagementUser, "management-user", "", "Management channel user")
	flag.StringVar(&f.ManagementPass, "management-pass", "", "Management channel password (plaintext or bcrypt hash)")
	flag.StringVar(&f.FilterCommand, "filter-command", "", "Shell command run per retrieved message body")
	flag.BoolVar(&f.FilterEnabled, "filter", false, "Enable external transformation at startup")
	flag.StringVar(&f.ReplacementMsg, "replacement-msg", "", "Text substituted for filtered parts")
	flag.StringVar(&f.MediaTypes, "media-types", "", "Comma-separated MIME types to filter (type/subtype, * subtype allowed)")
	flag.StringVar(&f.ErrorFile, "error-file", "", "File receiving appended filter stderr")
	flag.StringVar(&f.Version, "version", "", "Version string exposed to filter children")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent client connections")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [pop3proxy],
// with [pop3proxy] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if fileConfig.Server.Hostname != "" {
		cfg.Hostname = fileConfig.Server.Hostname
	}

	cfg = mergeConfig(cfg, fileConfig.Proxy)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}

	if f.OriginServer != "" {
		cfg.Origin.Server = f.OriginServer
	}

	if f.OriginPort > 0 && f.OriginPort < 65536 {
		cfg.Origin.Port = uint16(f.OriginPort)
	}

	if f.Management != "" {
		cfg.Management.Address = f.Management
	}

	if f.ManagementUser != "" {
		cfg.Management.User = f.ManagementUser
	}

	if f.ManagementPass != "" {
		cfg.Management.Pass = f.ManagementPass
	}

	if f.FilterCommand != "" {
		cfg.Filter.Command = f.FilterCommand
	}

	if f.FilterEnabled {
		cfg.Filter.Enabled = true
	}

	if f.ReplacementMsg != "" {
		cfg.Filter.ReplacementMsg = f.ReplacementMsg
	}

	if f.MediaTypes != "" {
		var types []string
		for _, t := range strings.Split(f.MediaTypes, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		cfg.Filter.MediaTypes = types
	}

	if f.ErrorFile != "" {
		cfg.Filter.ErrorFile = f.ErrorFile
	}

	if f.Version != "" {
		cfg.Version = f.Version
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.Listen != "" {
		dst.Listen = src.Listen
	}

	if src.Origin.Server != "" {
		dst.Origin.Server = src.Origin.Server
	}

	if src.Origin.Port > 0 {
		dst.Origin.Port = src.Origin.Port
	}

	if src.Management.Address != "" {
		dst.Management.Address = src.Management.Address
	}

	if src.Management.User != "" {
		dst.Management.User = src.Management.User
	}

	if src.Management.Pass != "" {
		dst.Management.Pass = src.Management.Pass
	}

	// Filter.Enabled is an explicit boolean; merge only when set.
	if src.Filter.Enabled {
		dst.Filter.Enabled = true
	}

	if src.Filter.Command != "" {
		dst.Filter.Command = src.Filter.Command
	}

	if src.Filter.ReplacementMsg != "" {
		dst.Filter.ReplacementMsg = src.Filter.ReplacementMsg
	}

	if len(src.Filter.MediaTypes) > 0 {
		dst.Filter.MediaTypes = src.Filter.MediaTypes
	}

	if src.Filter.ErrorFile != "" {
		dst.Filter.ErrorFile = src.Filter.ErrorFile
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Version != "" {
		dst.Version = src.Version
	}

	return dst
}
