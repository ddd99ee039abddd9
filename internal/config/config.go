// Package config loads runtime configuration from JSON5 or YAML files
// with $include resolution, environment expansion, and .env support.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the runtime configuration.
type Config struct {
	// DefaultProvider selects the active LLM provider id.
	DefaultProvider string `json:"default_provider" yaml:"default_provider"`

	// FallbackChain is the ordered list of provider ids tried on
	// failure. The default provider leads implicitly.
	FallbackChain []string `json:"fallback_chain" yaml:"fallback_chain"`

	// Providers holds per-provider credentials and defaults.
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`

	// Cost caps in USD. Zero disables a cap.
	DailyBudgetUSD   float64 `json:"daily_budget_usd" yaml:"daily_budget_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd" yaml:"monthly_budget_usd"`
	PerCallLimitUSD  float64 `json:"per_call_limit_usd" yaml:"per_call_limit_usd"`

	// MaxIterations caps ReAct loops per turn.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// NoiseFilterThreshold is the weight below which the filter drops.
	NoiseFilterThreshold float64 `json:"noise_filter_threshold" yaml:"noise_filter_threshold"`

	// HTTP surface.
	HTTPPort     int    `json:"http_port" yaml:"http_port"`
	RequireAuth  bool   `json:"require_auth" yaml:"require_auth"`
	SharedSecret string `json:"shared_secret" yaml:"shared_secret"`

	// Compaction thresholds.
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`

	// Sandbox policy is carried for channel adapters and tool hosts;
	// enforcement lives outside the core.
	Sandbox SandboxConfig `json:"sandbox" yaml:"sandbox"`

	// DataDir is the user-scoped persistent state root.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Log configures the structured logger.
	Log LogConfig `json:"log" yaml:"log"`
}

// ProviderConfig holds one provider's credentials and defaults.
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// CompactionConfig holds the pressure thresholds.
type CompactionConfig struct {
	Warn      float64 `json:"warn" yaml:"warn"`
	Aggressive float64 `json:"aggressive" yaml:"aggressive"`
	Emergency float64 `json:"emergency" yaml:"emergency"`
}

// SandboxConfig holds the sandbox policy keys.
type SandboxConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Image       string `json:"image" yaml:"image"`
	MaxMemoryMB int    `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUs     int    `json:"max_cpus" yaml:"max_cpus"`
	NetworkOff  bool   `json:"network_off" yaml:"network_off"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DefaultProvider:      "anthropic",
		MaxIterations:        20,
		NoiseFilterThreshold: 0.2,
		HTTPPort:             8089,
		Compaction: CompactionConfig{
			Warn:      0.80,
			Aggressive: 0.85,
			Emergency: 0.95,
		},
		DataDir: home + "/.osa",
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// applyDefaults fills zero values after decoding.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.DefaultProvider == "" {
		c.DefaultProvider = defaults.DefaultProvider
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaults.MaxIterations
	}
	if c.NoiseFilterThreshold <= 0 {
		c.NoiseFilterThreshold = defaults.NoiseFilterThreshold
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = defaults.HTTPPort
	}
	if c.Compaction.Warn <= 0 {
		c.Compaction = defaults.Compaction
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// applyEnv overrides selected keys from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("OSA_DEFAULT_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}
	if v := os.Getenv("OSA_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := os.Getenv("OSA_SHARED_SECRET"); v != "" {
		c.SharedSecret = v
		c.RequireAuth = true
	}
	if v := os.Getenv("OSA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OSA_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxIterations = n
		}
	}

	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		p := c.Providers["anthropic"]
		if p.APIKey == "" {
			p.APIKey = v
		}
		c.Providers["anthropic"] = p
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		p := c.Providers["openai"]
		if p.APIKey == "" {
			p.APIKey = v
		}
		c.Providers["openai"] = p
	}
}

// ProviderChain returns the ordered provider ids: default first, then
// the fallback chain without duplicates.
func (c *Config) ProviderChain() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append([]string{c.DefaultProvider}, c.FallbackChain...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// NonceWindow is the replay-protection window for HTTP auth.
const NonceWindow = 5 * time.Minute
