package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level ControlBar config.
	WorkspaceDirName = ".controlbar"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the ControlBar server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	MCP     MCPConfig     `yaml:"mcp"`
	Mangle  MangleConfig  `yaml:"mangle"`
	Layout  LayoutConfig  `yaml:"layout"`
	Panel   PanelConfig   `yaml:"panel"`
	Focus   FocusConfig   `yaml:"focus"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
	// TraceDir holds reconciliation pass traces (JSONL, rotated).
	TraceDir string `yaml:"trace_dir"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// ChatURL is opened (or matched against existing tabs) when AutoStart is on.
	ChatURL string `yaml:"chat_url"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// How often the in-page event buffer is drained (e.g., "100ms").
	EventPollInterval string `yaml:"event_poll_interval"`
	// Emulate a touch device so the mobile focus feature activates.
	EmulateTouch bool `yaml:"emulate_touch"`
	// Viewport width for new sessions (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 800).
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded layout audit engine.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// SchemaPath overrides the built-in audit rules when set.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// LayoutConfig describes the host markup contract and the reconciliation rules.
type LayoutConfig struct {
	// ExtensionKey names the settings object inside the settings store.
	ExtensionKey string `yaml:"extension_key"`
	// SettingsPath is the JSON file backing the settings store.
	SettingsPath string `yaml:"settings_path"`
	// PersistDebounce delays settings writes (e.g., "1s").
	PersistDebounce string `yaml:"persist_debounce"`
	// WatchSettings reloads the settings file on external edits.
	WatchSettings bool `yaml:"watch_settings"`

	// FormID is the top-level host form that receives the control bar.
	FormID string `yaml:"form_id"`
	// InputID is the chat textarea; with the form it is the minimum anchor
	// a page needs before the controller starts.
	InputID string `yaml:"input_id"`
	// BarID, FixedLeftSlotID and RightGroupSlotID name the three layout containers.
	BarID            string `yaml:"bar_id"`
	FixedLeftSlotID  string `yaml:"fixed_left_slot_id"`
	RightGroupSlotID string `yaml:"right_group_slot_id"`

	// FixedLeftID is the reserved "options" control pinned first.
	FixedLeftID string `yaml:"fixed_left_id"`
	// RightGroupIDs is the ordered allow-list of send-button alternates pinned last.
	RightGroupIDs []string `yaml:"right_group_ids"`
	// Denylist holds identifiers that are never relocated.
	Denylist []string `yaml:"denylist"`
	// Sources are scanned in order; earlier selectors win on overlap.
	Sources []string `yaml:"sources"`
	// Watch lists the scopes observed for added nodes.
	Watch []WatchScope `yaml:"watch"`

	DefaultRank int `yaml:"default_rank"`
	PinFirst    int `yaml:"pin_first"`
	PinLast     int `yaml:"pin_last"`

	// TopBarSelector and TopBarHiddenClass drive the top bar visibility toggle.
	TopBarSelector    string `yaml:"top_bar_selector"`
	TopBarHiddenClass string `yaml:"top_bar_hidden_class"`
}

// WatchScope is one observed subtree.
type WatchScope struct {
	Selector string `yaml:"selector"`
	Subtree  bool   `yaml:"subtree"`
}

// PanelConfig configures the settings panel projection.
type PanelConfig struct {
	// Region is the host element the template is appended into.
	Region string `yaml:"region"`
	// TemplatePath overrides the built-in settings template when set.
	TemplatePath string `yaml:"template_path"`
	// ListID is the list container populated by the panel sync.
	ListID string `yaml:"list_id"`
	// EmptyMessage is rendered when the bar has no dynamic members.
	EmptyMessage string `yaml:"empty_message"`
}

// FocusConfig configures the mobile input relocation feature.
type FocusConfig struct {
	Enable           bool   `yaml:"enable"`
	RequireTouch     bool   `yaml:"require_touch"`
	TextareaID       string `yaml:"textarea_id"`
	AnchorID         string `yaml:"anchor_id"`
	RelocatedClass   string `yaml:"relocated_class"`
	PlaceholderClass string `yaml:"placeholder_class"`
	BlurDelay        string `yaml:"blur_delay"`
	MoveGuard        string `yaml:"move_guard"`
	// CompanionSelector matches buttons of the input history extension.
	CompanionSelector string `yaml:"companion_selector"`
	// CompanionScope is observed so late companion buttons still get hooked.
	CompanionScope string `yaml:"companion_scope"`
}

// DefaultConfig provides reasonable defaults for a local SillyTavern instance.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "controlbar-mcp",
			Version:  "0.3.0",
			LogFile:  "controlbar-mcp.log",
			LogLevel: "info",
			TraceDir: "data/traces",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			ChatURL:                  "http://127.0.0.1:8000/",
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			EventPollInterval:        "100ms",
			ViewportWidth:            1280,
			ViewportHeight:           800,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Layout: LayoutConfig{
			ExtensionKey:     "controlBar",
			SettingsPath:     "data/settings.json",
			PersistDebounce:  "1s",
			WatchSettings:    true,
			FormID:           "send_form",
			InputID:          "send_textarea",
			BarID:            "cb--control-bar",
			FixedLeftSlotID:  "cb--fixed-left",
			RightGroupSlotID: "cb--right-group",
			FixedLeftID:      "options_button",
			RightGroupIDs: []string{
				"send_but",
				"mes_stop",
				"mes_continue",
				"mes_impersonate",
				"stscript_continue",
				"stscript_pause",
				"stscript_stop",
			},
			Denylist: []string{
				"send_textarea",
				"file_form_input",
				"nonQRFormItems",
				"leftSendForm",
				"rightSendForm",
				"qr--bar",
			},
			Sources: []string{
				"#leftSendForm > *",
				"#rightSendForm > *",
				"#nonQRFormItems > .interactable",
				"#send_form > .interactable",
			},
			Watch: []WatchScope{
				{Selector: "#nonQRFormItems", Subtree: true},
				{Selector: "#send_form", Subtree: false},
			},
			DefaultRank:       50,
			PinFirst:          -9999,
			PinLast:           9999,
			TopBarSelector:    "#top-bar",
			TopBarHiddenClass: "cb--top-bar-hidden",
		},
		Panel: PanelConfig{
			Region:       "#extensions_settings",
			ListID:       "cb--order-list",
			EmptyMessage: "No movable buttons found yet.",
		},
		Focus: FocusConfig{
			Enable:            true,
			RequireTouch:      true,
			TextareaID:        "send_textarea",
			AnchorID:          "qr--bar",
			RelocatedClass:    "relocated-input-mode",
			PlaceholderClass:  "textarea-placeholder",
			BlurDelay:         "150ms",
			MoveGuard:         "50ms",
			CompanionSelector: ".stih--button, .stih--arrows",
			CompanionScope:    "#nonQRFormItems",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .controlbar/config.yaml file.
// Returns the workspace root directory (parent of .controlbar/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .controlbar/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .controlbar/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# ControlBar project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   chat_url: "http://127.0.0.1:8000/"
#   headless: false
#   emulate_touch: true

# layout:
#   settings_path: ".controlbar/data/settings.json"
#   default_rank: 50
#   denylist:
#     - send_textarea
#     - file_form_input

# focus:
#   blur_delay: "150ms"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (settings, traces, sessions) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Server.TraceDir = resolve(cfg.Server.TraceDir)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Layout.SettingsPath = resolve(cfg.Layout.SettingsPath)
	cfg.Panel.TemplatePath = resolve(cfg.Panel.TemplatePath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	return c.Layout.Validate()
}

// Validate checks the layout contract for contradictions.
func (l LayoutConfig) Validate() error {
	if l.ExtensionKey == "" {
		return errors.New("layout.extension_key is required")
	}
	if l.FormID == "" || l.BarID == "" || l.FixedLeftSlotID == "" || l.RightGroupSlotID == "" {
		return errors.New("layout.form_id, bar_id, fixed_left_slot_id and right_group_slot_id are required")
	}
	if l.BarID == l.FixedLeftSlotID || l.BarID == l.RightGroupSlotID || l.FixedLeftSlotID == l.RightGroupSlotID {
		return errors.New("layout container ids must be distinct")
	}
	if l.PinFirst >= l.PinLast {
		return fmt.Errorf("layout.pin_first (%d) must be below layout.pin_last (%d)", l.PinFirst, l.PinLast)
	}
	if l.DefaultRank <= l.PinFirst || l.DefaultRank >= l.PinLast {
		return fmt.Errorf("layout.default_rank (%d) must lie strictly between the pins", l.DefaultRank)
	}
	if len(l.Sources) == 0 {
		return errors.New("layout.sources must list at least one selector")
	}
	for _, id := range l.RightGroupIDs {
		if id == l.FixedLeftID {
			return fmt.Errorf("identifier %q cannot be both fixed-left and right-group", id)
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// PollInterval returns the event buffer drain interval.
func (b BrowserConfig) PollInterval() time.Duration {
	return parseDuration(b.EventPollInterval, 100*time.Millisecond)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// GetPersistDebounce returns the settings write debounce.
func (l LayoutConfig) GetPersistDebounce() time.Duration {
	return parseDuration(l.PersistDebounce, time.Second)
}

// GetBlurDelay returns the delay between blur and docking the input again.
func (f FocusConfig) GetBlurDelay() time.Duration {
	return parseDuration(f.BlurDelay, 150*time.Millisecond)
}

// GetMoveGuard returns how long blur events are ignored after a relocation.
func (f FocusConfig) GetMoveGuard() time.Duration {
	return parseDuration(f.MoveGuard, 50*time.Millisecond)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
