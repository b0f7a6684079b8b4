// Package config loads paneboard settings from a JSON file, overlaying
// user values on defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/sched"
)

type PollingConfig struct {
	GitIntervalSeconds    int `json:"git_interval_seconds"`
	ScreenIntervalSeconds int `json:"screen_interval_seconds"`
	ImageIntervalSeconds  int `json:"image_interval_seconds"`
}

type UsageConfig struct {
	SnapshotTTLSeconds  int     `json:"snapshot_ttl_seconds"`
	BackoffSeconds      int     `json:"backoff_seconds"`
	FetchTimeoutSeconds int     `json:"fetch_timeout_seconds"`
	PaceThreshold       float64 `json:"pace_threshold"`
}

type PricingConfig struct {
	Enabled          bool   `json:"enabled"`
	CatalogURL       string `json:"catalog_url"`
	TTLHours         int    `json:"ttl_hours"`
	StaleMaxAgeHours int    `json:"stale_max_age_hours"`
}

type TokenSourceConfig struct {
	CodexRoot  string `json:"codex_root"`
	ClaudeRoot string `json:"claude_root"`
}

type GuardConfig struct {
	DangerPatterns []string `json:"danger_patterns"`
}

type Config struct {
	SocketPath  string            `json:"socket_path"`
	Mux         string            `json:"mux"` // wezterm | tmux
	Polling     PollingConfig     `json:"polling"`
	Usage       UsageConfig       `json:"usage"`
	Pricing     PricingConfig     `json:"pricing"`
	TokenSource TokenSourceConfig `json:"token_source"`
	Guard       GuardConfig       `json:"guard"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		SocketPath: filepath.Join(ConfigDir(), "paneboard.sock"),
		Mux:        "wezterm",
		Polling: PollingConfig{
			GitIntervalSeconds:    int(sched.GitInterval / time.Second),
			ScreenIntervalSeconds: int(sched.ScreenTextInterval / time.Second),
			ImageIntervalSeconds:  int(sched.ScreenImageInterval / time.Second),
		},
		Usage: UsageConfig{
			SnapshotTTLSeconds:  180,
			BackoffSeconds:      30,
			FetchTimeoutSeconds: 5,
			PaceThreshold:       10,
		},
		Pricing: PricingConfig{
			Enabled:          true,
			CatalogURL:       "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json",
			TTLHours:         24,
			StaleMaxAgeHours: 168,
		},
		TokenSource: TokenSourceConfig{
			CodexRoot:  filepath.Join(home, ".codex", "sessions"),
			ClaudeRoot: filepath.Join(home, ".claude", "projects"),
		},
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "paneboard")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "paneboard")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.Polling.GitIntervalSeconds <= 0 {
		cfg.Polling.GitIntervalSeconds = defaults.Polling.GitIntervalSeconds
	}
	if cfg.Polling.ScreenIntervalSeconds <= 0 {
		cfg.Polling.ScreenIntervalSeconds = defaults.Polling.ScreenIntervalSeconds
	}
	if cfg.Polling.ImageIntervalSeconds <= 0 {
		cfg.Polling.ImageIntervalSeconds = defaults.Polling.ImageIntervalSeconds
	}
	if cfg.Usage.SnapshotTTLSeconds <= 0 {
		cfg.Usage.SnapshotTTLSeconds = defaults.Usage.SnapshotTTLSeconds
	}
	if cfg.Usage.BackoffSeconds <= 0 {
		cfg.Usage.BackoffSeconds = defaults.Usage.BackoffSeconds
	}
	if cfg.Usage.FetchTimeoutSeconds <= 0 {
		cfg.Usage.FetchTimeoutSeconds = defaults.Usage.FetchTimeoutSeconds
	}
	if cfg.Usage.PaceThreshold <= 0 {
		cfg.Usage.PaceThreshold = defaults.Usage.PaceThreshold
	}
	if cfg.Pricing.CatalogURL == "" {
		cfg.Pricing.CatalogURL = defaults.Pricing.CatalogURL
	}
	if cfg.Pricing.TTLHours <= 0 {
		cfg.Pricing.TTLHours = defaults.Pricing.TTLHours
	}
	if cfg.Pricing.StaleMaxAgeHours <= 0 {
		cfg.Pricing.StaleMaxAgeHours = defaults.Pricing.StaleMaxAgeHours
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaults.SocketPath
	}
	if cfg.Mux == "" {
		cfg.Mux = defaults.Mux
	}

	return cfg, nil
}

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
