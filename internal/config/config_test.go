package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "controlbar-mcp" {
		t.Errorf("expected server name 'controlbar-mcp', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "controlbar-mcp.log" {
		t.Errorf("expected log file 'controlbar-mcp.log', got %q", cfg.Server.LogFile)
	}
	if !cfg.Browser.AutoStart {
		t.Error("expected AutoStart to be true")
	}
	if cfg.Browser.EventPollInterval != "100ms" {
		t.Errorf("expected poll interval '100ms', got %q", cfg.Browser.EventPollInterval)
	}

	if cfg.Layout.ExtensionKey != "controlBar" {
		t.Errorf("expected extension key 'controlBar', got %q", cfg.Layout.ExtensionKey)
	}
	if cfg.Layout.DefaultRank != 50 {
		t.Errorf("expected default rank 50, got %d", cfg.Layout.DefaultRank)
	}
	if cfg.Layout.FixedLeftID != "options_button" {
		t.Errorf("expected fixed-left 'options_button', got %q", cfg.Layout.FixedLeftID)
	}
	if len(cfg.Layout.RightGroupIDs) == 0 || cfg.Layout.RightGroupIDs[0] != "send_but" {
		t.Errorf("expected right group to start with send_but, got %v", cfg.Layout.RightGroupIDs)
	}
	if len(cfg.Layout.Watch) != 2 {
		t.Fatalf("expected 2 watch scopes, got %d", len(cfg.Layout.Watch))
	}
	if !cfg.Layout.Watch[0].Subtree || cfg.Layout.Watch[1].Subtree {
		t.Errorf("expected subtree-deep primary scope and children-only form scope, got %+v", cfg.Layout.Watch)
	}

	if cfg.Focus.TextareaID != "send_textarea" {
		t.Errorf("expected textarea 'send_textarea', got %q", cfg.Focus.TextareaID)
	}
	if cfg.Focus.AnchorID != "qr--bar" {
		t.Errorf("expected anchor 'qr--bar', got %q", cfg.Focus.AnchorID)
	}

	if err := cfg.Layout.Validate(); err != nil {
		t.Errorf("default layout should validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-server"
  log_level: "debug"

browser:
  debugger_url: "ws://localhost:9222"
  chat_url: "http://localhost:8000/"
  event_poll_interval: "250ms"

layout:
  default_rank: 10
  denylist:
    - send_textarea
  watch:
    - selector: "#producers"
      subtree: true

focus:
  enable: false
  blur_delay: "300ms"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-server" {
		t.Errorf("expected server name 'test-server', got %q", cfg.Server.Name)
	}
	if cfg.Browser.PollInterval() != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %v", cfg.Browser.PollInterval())
	}
	if cfg.Layout.DefaultRank != 10 {
		t.Errorf("expected default rank 10, got %d", cfg.Layout.DefaultRank)
	}
	if len(cfg.Layout.Denylist) != 1 {
		t.Errorf("expected denylist replaced by file value, got %v", cfg.Layout.Denylist)
	}
	if len(cfg.Layout.Watch) != 1 || cfg.Layout.Watch[0].Selector != "#producers" {
		t.Errorf("unexpected watch scopes: %+v", cfg.Layout.Watch)
	}
	// Untouched keys keep their defaults.
	if cfg.Layout.BarID != "cb--control-bar" {
		t.Errorf("expected default bar id, got %q", cfg.Layout.BarID)
	}
	if cfg.Focus.Enable {
		t.Error("expected focus disabled")
	}
	if cfg.Focus.GetBlurDelay() != 300*time.Millisecond {
		t.Errorf("expected blur delay 300ms, got %v", cfg.Focus.GetBlurDelay())
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Browser.AutoStart = false
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults without auto start", mutate: func(c *Config) {}, wantErr: false},
		{name: "empty server name", mutate: func(c *Config) { c.Server.Name = "" }, wantErr: true},
		{
			name:    "auto_start without debugger_url or launch",
			mutate:  func(c *Config) { c.Browser.AutoStart = true },
			wantErr: true,
		},
		{
			name: "auto_start with debugger_url",
			mutate: func(c *Config) {
				c.Browser.AutoStart = true
				c.Browser.DebuggerURL = "ws://localhost:9222"
			},
			wantErr: false,
		},
		{name: "missing extension key", mutate: func(c *Config) { c.Layout.ExtensionKey = "" }, wantErr: true},
		{name: "shared container id", mutate: func(c *Config) { c.Layout.FixedLeftSlotID = c.Layout.BarID }, wantErr: true},
		{name: "inverted pins", mutate: func(c *Config) { c.Layout.PinFirst, c.Layout.PinLast = 10, -10 }, wantErr: true},
		{name: "default rank on a pin", mutate: func(c *Config) { c.Layout.DefaultRank = c.Layout.PinLast }, wantErr: true},
		{name: "no sources", mutate: func(c *Config) { c.Layout.Sources = nil }, wantErr: true},
		{
			name:    "fixed-left listed in right group",
			mutate:  func(c *Config) { c.Layout.RightGroupIDs = append(c.Layout.RightGroupIDs, c.Layout.FixedLeftID) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"navigation empty", BrowserConfig{}.NavigationTimeout(), 15 * time.Second},
		{"navigation invalid", BrowserConfig{DefaultNavigationTimeout: "soon"}.NavigationTimeout(), 15 * time.Second},
		{"attach set", BrowserConfig{DefaultAttachTimeout: "3s"}.AttachTimeout(), 3 * time.Second},
		{"poll negative", BrowserConfig{EventPollInterval: "-1s"}.PollInterval(), 100 * time.Millisecond},
		{"persist default", LayoutConfig{}.GetPersistDebounce(), time.Second},
		{"blur default", FocusConfig{}.GetBlurDelay(), 150 * time.Millisecond},
		{"guard default", FocusConfig{}.GetMoveGuard(), 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestViewportAndHeadlessDefaults(t *testing.T) {
	var b BrowserConfig
	if !b.IsHeadless() {
		t.Error("expected headless by default")
	}
	off := false
	b.Headless = &off
	if b.IsHeadless() {
		t.Error("expected explicit headless=false to win")
	}
	if b.GetViewportWidth() != 1280 || b.GetViewportHeight() != 800 {
		t.Errorf("unexpected viewport defaults %dx%d", b.GetViewportWidth(), b.GetViewportHeight())
	}
}
