package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/restrike/restrike-vta/internal/apperr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "restrike.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RESTRIKE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UDP.Port != DefaultUDPPort {
		t.Errorf("udp.port = %d, want %d", cfg.UDP.Port, DefaultUDPPort)
	}
	if cfg.UDP.BufferSize != 8192 {
		t.Errorf("udp.buffer_size = %d, want 8192", cfg.UDP.BufferSize)
	}
	if cfg.Paths.DefaultFormat != "mp4" || !cfg.Paths.IncludeMinutesSeconds {
		t.Errorf("unexpected paths defaults: %+v", cfg.Paths)
	}
	if cfg.OBS.RequestTimeoutSeconds != 10 {
		t.Errorf("request timeout = %d, want 10", cfg.OBS.RequestTimeoutSeconds)
	}
}

func TestLoad_FileAndEnvLayering(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
udp:
  port: 7000
  preferred_type: wifi
obs:
  connections:
    - name: OBS_REC
      host: 10.0.0.5
      password: secret
      enabled: true
    - name: OBS_STR
      port: 4456
      enabled: true
paths:
  videos_root: /srv/videos
`)
	t.Setenv("RESTRIKE_UDP__PORT", "7100")
	t.Setenv("RESTRIKE_PATHS__DEFAULT_FORMAT", "mkv")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UDP.Port != 7100 {
		t.Errorf("env should override file: udp.port = %d", cfg.UDP.Port)
	}
	if cfg.UDP.PreferredType != "wifi" {
		t.Errorf("preferred_type = %q", cfg.UDP.PreferredType)
	}
	if cfg.Paths.DefaultFormat != "mkv" || cfg.Paths.VideosRoot != "/srv/videos" {
		t.Errorf("paths = %+v", cfg.Paths)
	}
	if len(cfg.OBS.Connections) != 2 {
		t.Fatalf("connections = %d, want 2", len(cfg.OBS.Connections))
	}
	rec := cfg.OBS.Connections[0]
	if rec.Port != DefaultOBSPort || rec.TimeoutSeconds != DefaultOBSTimeoutSeconds {
		t.Errorf("connection defaults not applied: %+v", rec)
	}
	if cfg.OBS.Connections[1].Host != "localhost" {
		t.Errorf("host default = %q", cfg.OBS.Connections[1].Host)
	}
}

func TestLoad_RejectsDuplicateConnection(t *testing.T) {
	path := writeConfig(t, `
obs:
  connections:
    - name: A
    - name: A
`)
	_, err := Load(path)
	if !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.UDP.Port = 70000 }, false},
		{"bad preferred", func(c *Config) { c.UDP.PreferredType = "fiber" }, false},
		{"manual needs iface", func(c *Config) { c.UDP.AutoDetect = false }, false},
		{"manual with iface", func(c *Config) { c.UDP.AutoDetect = false; c.UDP.SelectedInterface = "192.168.1.2" }, true},
		{"bad policy", func(c *Config) { c.Schema.UnknownFields = "explode" }, false},
		{"empty format", func(c *Config) { c.Paths.DefaultFormat = "" }, false},
		{"unnamed connection", func(c *Config) { c.OBS.Connections = []OBSConnection{{Host: "x"}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
