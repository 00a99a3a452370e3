package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	v := New()
	v.Set("data_dir", dir)

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DBPath != filepath.Join(dir, "yuki.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.IdentityPath != filepath.Join(dir, "device.json") {
		t.Errorf("IdentityPath = %q", cfg.IdentityPath)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
	if !cfg.Sync.Enabled || cfg.Sync.Tool != "rclone" || cfg.Sync.Root != "yuki-sync" {
		t.Errorf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if len(cfg.Sync.Backends) != 2 || cfg.Sync.Backends[0] != "gdrive" || cfg.Sync.Backends[1] != "onedrive" {
		t.Errorf("Backends = %v", cfg.Sync.Backends)
	}
	if cfg.Sync.Debounce != 15*time.Second {
		t.Errorf("Debounce = %v, want 15s", cfg.Sync.Debounce)
	}
	if cfg.Sync.SnapshotMaxAge != 24*time.Hour {
		t.Errorf("SnapshotMaxAge = %v, want 24h", cfg.Sync.SnapshotMaxAge)
	}
	if cfg.Sync.ToolTimeout != 0 {
		t.Errorf("ToolTimeout = %v, want 0 (no limit)", cfg.Sync.ToolTimeout)
	}
	if cfg.Sync.ShutdownTimeout != 0 {
		t.Errorf("ShutdownTimeout = %v, want 0 (no limit)", cfg.Sync.ShutdownTimeout)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, FileName)
	content := `
sync:
  backends: [onedrive]
  debounce: 2s
  poll_interval: 0s
log:
  level: debug
`
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("YUKI_SYNC_ROOT", "anime-backup")
	t.Setenv("YUKI_LOG_LEVEL", "warn")

	v := New()
	v.Set("data_dir", dir)
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.File != file {
		t.Errorf("File = %q, want %q", cfg.File, file)
	}
	if len(cfg.Sync.Backends) != 1 || cfg.Sync.Backends[0] != "onedrive" {
		t.Errorf("Backends = %v, want [onedrive]", cfg.Sync.Backends)
	}
	if cfg.Sync.Debounce != 2*time.Second {
		t.Errorf("Debounce = %v, want 2s", cfg.Sync.Debounce)
	}
	if cfg.Sync.PollInterval != 0 {
		t.Errorf("PollInterval = %v, want 0", cfg.Sync.PollInterval)
	}
	if cfg.Sync.Root != "anime-backup" {
		t.Errorf("Root = %q, env override not applied", cfg.Sync.Root)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, env should beat file", cfg.Log.Level)
	}
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	v := New()
	v.Set("data_dir", t.TempDir())
	if _, err := Load(v, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Sync: SyncConfig{
				Enabled:        true,
				Backends:       []string{"gdrive"},
				Debounce:       time.Second,
				SnapshotMaxAge: time.Hour,
			},
			Log: LogConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero debounce", mutate: func(c *Config) { c.Sync.Debounce = 0 }, wantErr: "sync.debounce"},
		{name: "negative poll", mutate: func(c *Config) { c.Sync.PollInterval = -time.Second }, wantErr: "sync.poll_interval"},
		{name: "negative tool timeout", mutate: func(c *Config) { c.Sync.ToolTimeout = -time.Second }, wantErr: "sync.tool_timeout"},
		{name: "negative shutdown timeout", mutate: func(c *Config) { c.Sync.ShutdownTimeout = -time.Second }, wantErr: "sync.shutdown_timeout"},
		{name: "zero snapshot age", mutate: func(c *Config) { c.Sync.SnapshotMaxAge = 0 }, wantErr: "sync.snapshot_max_age"},
		{name: "no backends", mutate: func(c *Config) { c.Sync.Backends = nil }, wantErr: "sync.backends"},
		{name: "no backends when disabled", mutate: func(c *Config) { c.Sync.Backends = nil; c.Sync.Enabled = false }},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_YAML(t *testing.T) {
	v := New()
	v.Set("data_dir", t.TempDir())
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatal(err)
	}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML() failed: %v", err)
	}

	var parsed struct {
		Sync struct {
			Debounce string   `yaml:"debounce"`
			Backends []string `yaml:"backends"`
		} `yaml:"sync"`
	}
	if err := yaml.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if parsed.Sync.Debounce != "15s" {
		t.Errorf("debounce = %q, want 15s", parsed.Sync.Debounce)
	}
	if len(parsed.Sync.Backends) != 2 {
		t.Errorf("backends = %v", parsed.Sync.Backends)
	}
}
