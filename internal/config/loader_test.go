package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pop3proxy.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":1110" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.Origin.Port != 110 {
		t.Errorf("Origin.Port = %d, want 110", cfg.Origin.Port)
	}
}

func TestLoadMergesSections(t *testing.T) {
	path := writeConfig(t, `
[server]
hostname = "mx.example.com"

[pop3proxy]
listen = ":2110"
log_level = "debug"
version = "2.3"

[pop3proxy.origin]
server = "upstream.example.com"
port = 1100

[pop3proxy.management]
address = "127.0.0.1:7070"
user = "op"
pass = "hunter2"

[pop3proxy.filter]
enabled = true
command = "stripmime"
replacement_msg = "removed"
media_types = ["image/png", "application/*"]
error_file = "/var/log/filter.err"

[pop3proxy.limits]
max_connections = 42

[pop3proxy.metrics]
enabled = true
address = ":9200"
path = "/m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Hostname != "mx.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.Listen != ":2110" || cfg.LogLevel != "debug" || cfg.Version != "2.3" {
		t.Errorf("top-level merge: %+v", cfg)
	}
	if cfg.Origin.Server != "upstream.example.com" || cfg.Origin.Port != 1100 {
		t.Errorf("origin merge: %+v", cfg.Origin)
	}
	if cfg.Management.Address != "127.0.0.1:7070" || cfg.Management.User != "op" {
		t.Errorf("management merge: %+v", cfg.Management)
	}
	if !cfg.Filter.Enabled || cfg.Filter.Command != "stripmime" ||
		len(cfg.Filter.MediaTypes) != 2 {
		t.Errorf("filter merge: %+v", cfg.Filter)
	}
	if cfg.Limits.MaxConnections != 42 {
		t.Errorf("limits merge: %+v", cfg.Limits)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != ":9200" || cfg.Metrics.Path != "/m" {
		t.Errorf("metrics merge: %+v", cfg.Metrics)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("merged config invalid: %v", err)
	}
}

func TestLoadKeepsDefaultsForOmitted(t *testing.T) {
	path := writeConfig(t, `
[pop3proxy.origin]
server = "upstream.example.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":1110" {
		t.Errorf("Listen = %q, want default preserved", cfg.Listen)
	}
	if cfg.Origin.Port != 110 {
		t.Errorf("Origin.Port = %d, want default preserved", cfg.Origin.Port)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := writeConfig(t, "this is { not toml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()
	f := &Flags{
		Listen:         ":3110",
		OriginServer:   "pop.example.net",
		OriginPort:     995,
		Management:     "127.0.0.1:6000",
		ManagementUser: "root",
		ManagementPass: "pw",
		FilterCommand:  "cat",
		FilterEnabled:  true,
		ReplacementMsg: "gone",
		MediaTypes:     "text/html, image/*",
		ErrorFile:      "/tmp/err",
		Version:        "9.9",
		LogLevel:       "warn",
		MaxConnections: 7,
	}

	cfg = ApplyFlags(cfg, f)

	if cfg.Listen != ":3110" || cfg.Origin.Server != "pop.example.net" || cfg.Origin.Port != 995 {
		t.Errorf("endpoint flags: %+v", cfg)
	}
	if cfg.Management.Address != "127.0.0.1:6000" || cfg.Management.User != "root" || cfg.Management.Pass != "pw" {
		t.Errorf("management flags: %+v", cfg.Management)
	}
	if !cfg.Filter.Enabled || cfg.Filter.Command != "cat" || cfg.Filter.ReplacementMsg != "gone" {
		t.Errorf("filter flags: %+v", cfg.Filter)
	}
	if len(cfg.Filter.MediaTypes) != 2 || cfg.Filter.MediaTypes[1] != "image/*" {
		t.Errorf("media types = %v", cfg.Filter.MediaTypes)
	}
	if cfg.LogLevel != "warn" || cfg.Limits.MaxConnections != 7 || cfg.Version != "9.9" {
		t.Errorf("misc flags: %+v", cfg)
	}
}

func TestApplyFlagsZeroValuesKeepConfig(t *testing.T) {
	cfg := Default()
	cfg.Origin.Server = "keep.example.com"
	cfg = ApplyFlags(cfg, &Flags{})
	if cfg.Origin.Server != "keep.example.com" {
		t.Errorf("empty flags overwrote config: %+v", cfg.Origin)
	}
	if cfg.Listen != ":1110" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}
