// Package config loads webpilot settings and persists the runtime policy.
//
// Settings are layered: compiled defaults, then an optional YAML file, then
// an optional .env file, then WEBPILOT_* environment variables. Nested keys
// join with an underscore, e.g. WEBPILOT_DISPLAY_GEOMETRY.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/webpilot/pkg/portprobe"
	"github.com/entrhq/webpilot/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WEBPILOT"

// MaxSessionsLimit is the upper bound accepted for max_sessions.
const MaxSessionsLimit = 20

// DefaultBlocklistURL is the hosts file used to block ads and trackers.
const DefaultBlocklistURL = "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts"

// Config is the complete webpilot configuration.
type Config struct {
	SessionsDir string `yaml:"sessions_dir" split_words:"true"`
	LogDir      string `yaml:"log_dir" split_words:"true"`
	LogLevel    string `yaml:"log_level" split_words:"true"`

	MaxSessions   int           `yaml:"max_sessions" split_words:"true"`
	Workers       int           `yaml:"workers" split_words:"true"`
	QueueCapacity int           `yaml:"queue_capacity" split_words:"true"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
	SweepTick     time.Duration `yaml:"sweep_tick" split_words:"true"`
	CancelPoll    time.Duration `yaml:"cancel_poll" split_words:"true"`
	CancelGrace   time.Duration `yaml:"cancel_grace" split_words:"true"`

	Process   ProcessConfig   `yaml:"process" split_words:"true"`
	Display   DisplayConfig   `yaml:"display" split_words:"true"`
	Bridge    BridgeConfig    `yaml:"bridge" split_words:"true"`
	Browser   BrowserConfig   `yaml:"browser" split_words:"true"`
	Blocklist BlocklistConfig `yaml:"blocklist" split_words:"true"`
	Models    ModelsConfig    `yaml:"models" split_words:"true"`
	Agent     AgentConfig     `yaml:"agent" split_words:"true"`
}

// ProcessConfig tunes the process supervisor.
type ProcessConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
	StopGrace    time.Duration `yaml:"stop_grace" split_words:"true"`
}

// DisplayConfig configures the Xvnc display server.
type DisplayConfig struct {
	XvncPath       string          `yaml:"xvnc_path" split_words:"true"`
	Geometry       string          `yaml:"geometry" split_words:"true"`
	Depth          int             `yaml:"depth" split_words:"true"`
	Range          portprobe.Range `yaml:"range" split_words:"true"`
	StartupTimeout time.Duration   `yaml:"startup_timeout" split_words:"true"`
}

// BridgeConfig configures the websockify bridge.
type BridgeConfig struct {
	WebsockifyPath string          `yaml:"websockify_path" split_words:"true"`
	Heartbeat      int             `yaml:"heartbeat" split_words:"true"`
	Range          portprobe.Range `yaml:"range" split_words:"true"`
	StartupTimeout time.Duration   `yaml:"startup_timeout" split_words:"true"`
}

// BrowserConfig configures the browser process.
type BrowserConfig struct {
	ChromePath     string          `yaml:"chrome_path" split_words:"true"`
	ExtraFlags     []string        `yaml:"extra_flags" split_words:"true"`
	Range          portprobe.Range `yaml:"range" split_words:"true"`
	StartupTimeout time.Duration   `yaml:"startup_timeout" split_words:"true"`
	Sandbox        bool            `yaml:"sandbox" split_words:"true"`
	BwrapPath      string          `yaml:"bwrap_path" split_words:"true"`
}

// BlocklistConfig configures the shared hosts blocklist.
type BlocklistConfig struct {
	Enabled bool          `yaml:"enabled" split_words:"true"`
	URL     string        `yaml:"url" split_words:"true"`
	Refresh time.Duration `yaml:"refresh" split_words:"true"`
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
}

// ModelsConfig selects the default models and how they are called.
type ModelsConfig struct {
	Operator          string        `yaml:"operator" split_words:"true"`
	Planner           string        `yaml:"planner" split_words:"true"`
	RequestsPerMinute int           `yaml:"requests_per_minute" split_words:"true"`
	RetryAttempts     uint          `yaml:"retry_attempts" split_words:"true"`
	RetryDelay        time.Duration `yaml:"retry_delay" split_words:"true"`
	Cache             bool          `yaml:"cache" split_words:"true"`
}

// AgentConfig bounds the default operator task.
type AgentConfig struct {
	MaxSteps          int `yaml:"max_steps" split_words:"true"`
	MaxActionsPerStep int `yaml:"max_actions_per_step" split_words:"true"`
	ObservationTokens int `yaml:"observation_tokens" split_words:"true"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		SessionsDir:   filepath.Join("tmp", "sessions"),
		LogLevel:      "info",
		MaxSessions:   3,
		Workers:       20,
		QueueCapacity: 1000,
		IdleTimeout:   2 * time.Hour,
		SweepInterval: 30 * time.Minute,
		SweepTick:     2 * time.Second,
		CancelPoll:    500 * time.Millisecond,
		CancelGrace:   30 * time.Second,
		Process: ProcessConfig{
			PollInterval: 200 * time.Millisecond,
			StopGrace:    3 * time.Second,
		},
		Display: DisplayConfig{
			XvncPath:       "Xvnc",
			Geometry:       "1024x900",
			Depth:          24,
			Range:          portprobe.Range{Base: 5900, Start: 10, Count: 90},
			StartupTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			WebsockifyPath: "websockify",
			Heartbeat:      30,
			Range:          portprobe.Range{Start: 5030, Count: 70},
			StartupTimeout: 10 * time.Second,
		},
		Browser: BrowserConfig{
			ChromePath:     "/opt/google/chrome/google-chrome",
			Range:          portprobe.Range{Start: 9222, Count: 100},
			StartupTimeout: 30 * time.Second,
			Sandbox:        true,
			BwrapPath:      "bwrap",
		},
		Blocklist: BlocklistConfig{
			Enabled: true,
			URL:     DefaultBlocklistURL,
			Refresh: time.Hour,
			Timeout: time.Minute,
		},
		Models: ModelsConfig{
			Operator:          "gpt-4o",
			RequestsPerMinute: 60,
			RetryAttempts:     30,
			RetryDelay:        10 * time.Second,
			Cache:             true,
		},
		Agent: AgentConfig{
			MaxSteps:          25,
			MaxActionsPerStep: 5,
			ObservationTokens: 6000,
		},
	}
}

// LoadOptions control where Load looks for input.
type LoadOptions struct {
	// File is a YAML file. Empty skips it; a missing named file is an error.
	File string

	// EnvFile is a dotenv file loaded when it exists. It never overrides
	// variables already set in the environment.
	EnvFile string
}

// Load builds a Config from defaults, the YAML file, the dotenv file and
// the environment, then validates it.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.File, err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values with types.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.SessionsDir == "" {
		return fmt.Errorf("%w: sessions_dir is required", types.ErrInvalidConfig)
	}
	if err := ValidateMaxSessions(c.MaxSessions); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", types.ErrInvalidConfig, c.Workers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue_capacity must be positive, got %d", types.ErrInvalidConfig, c.QueueCapacity)
	}

	durations := map[string]time.Duration{
		"idle_timeout":            c.IdleTimeout,
		"sweep_interval":          c.SweepInterval,
		"sweep_tick":              c.SweepTick,
		"cancel_poll":             c.CancelPoll,
		"process.poll_interval":   c.Process.PollInterval,
		"process.stop_grace":      c.Process.StopGrace,
		"display.startup_timeout": c.Display.StartupTimeout,
		"bridge.startup_timeout":  c.Bridge.StartupTimeout,
		"browser.startup_timeout": c.Browser.StartupTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", types.ErrInvalidConfig, name, d)
		}
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("%w: cancel_grace must not be negative", types.ErrInvalidConfig)
	}

	ranges := map[string]portprobe.Range{
		"display.range": c.Display.Range,
		"bridge.range":  c.Bridge.Range,
		"browser.range": c.Browser.Range,
	}
	for name, r := range ranges {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Display.Depth <= 0 {
		return fmt.Errorf("%w: display.depth must be positive", types.ErrInvalidConfig)
	}
	if c.Blocklist.Enabled && c.Blocklist.URL == "" {
		return fmt.Errorf("%w: blocklist.url is required when the blocklist is enabled", types.ErrInvalidConfig)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("%w: agent.max_steps must be positive", types.ErrInvalidConfig)
	}
	return nil
}

// ValidateMaxSessions checks n against 0..MaxSessionsLimit.
func ValidateMaxSessions(n int) error {
	if n < 0 || n > MaxSessionsLimit {
		return fmt.Errorf("%w: max_sessions must be between 0 and %d, got %d", types.ErrInvalidConfig, MaxSessionsLimit, n)
	}
	return nil
}

// PolicyPath returns where the runtime policy is persisted.
func (c *Config) PolicyPath() string {
	return filepath.Join(c.SessionsDir, "policy.json")
}

// BlocklistPath returns where the downloaded hosts file lives.
func (c *Config) BlocklistPath() string {
	return filepath.Join(c.SessionsDir, "hosts.adblock")
}

// CachePath returns the shared LLM response cache database.
func (c *Config) CachePath() string {
	return filepath.Join(c.SessionsDir, "llm_cache.db")
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
