// Package config handles application configuration for the Salon service.
// Configuration is loaded from ~/.salon/config.yaml and can be overridden
// by SALON_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the Salon service.
type Config struct {
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Memory       MemoryConfig       `mapstructure:"memory" yaml:"memory"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Observer     ObserverConfig     `mapstructure:"observer" yaml:"observer"`
	Data         DataConfig         `mapstructure:"data" yaml:"data"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig contains configuration for completion providers.
type LLMConfig struct {
	// DefaultProvider selects which provider to use when a persona has no preference.
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
	// Providers maps provider names to their specific configuration.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig contains configuration for a single completion provider.
type ProviderConfig struct {
	// Endpoint is the API base URL (OpenAI-compatible chat completions).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the authentication key for the provider.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the model identifier to request.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// Timeout is the hard per-call timeout.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	// MaxRetries bounds retries on transient errors.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
}

// OrchestratorConfig controls response task pacing.
type OrchestratorConfig struct {
	// ThinkingDelayMin/Max bound the simulated thinking pause before the
	// typing indicator is emitted.
	ThinkingDelayMin time.Duration `mapstructure:"thinking_delay_min" yaml:"thinking_delay_min"`
	ThinkingDelayMax time.Duration `mapstructure:"thinking_delay_max" yaml:"thinking_delay_max"`
	// RecentWindow is how many messages the analyzer sees.
	RecentWindow int `mapstructure:"recent_window" yaml:"recent_window"`
	// StateCacheTTL is how long a derived ConversationState stays valid
	// without new activity.
	StateCacheTTL time.Duration `mapstructure:"state_cache_ttl" yaml:"state_cache_ttl"`
}

// MemoryConfig controls per-persona memory tier sizing and retention.
type MemoryConfig struct {
	ShortCap        int           `mapstructure:"short_cap" yaml:"short_cap"`
	MediumCap       int           `mapstructure:"medium_cap" yaml:"medium_cap"`
	LongCap         int           `mapstructure:"long_cap" yaml:"long_cap"`
	ShortRetention  time.Duration `mapstructure:"short_retention" yaml:"short_retention"`
	MediumRetention time.Duration `mapstructure:"medium_retention" yaml:"medium_retention"`
}

// SchedulerConfig controls idle-room re-evaluation.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TickInterval is how often idle rooms are re-evaluated.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
}

// ObserverConfig controls the WebSocket event observer.
type ObserverConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// DataConfig controls the SQLite store location.
type DataConfig struct {
	// Dir is the data directory holding salon.db.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// File is an optional log file path; empty means stderr only.
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// Pretty enables the human-readable console writer.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	salonDir := filepath.Join(homeDir, ".salon")

	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: map[string]ProviderConfig{
				"openai": {
					Endpoint:   "https://api.openai.com/v1",
					Model:      "gpt-4o-mini",
					Timeout:    30 * time.Second,
					MaxRetries: 2,
				},
				"ollama": {
					Endpoint:   "http://127.0.0.1:11434/v1",
					Model:      "llama3.2",
					Timeout:    60 * time.Second,
					MaxRetries: 2,
				},
			},
		},
		Orchestrator: OrchestratorConfig{
			ThinkingDelayMin: 1 * time.Second,
			ThinkingDelayMax: 3 * time.Second,
			RecentWindow:     15,
			StateCacheTTL:    30 * time.Second,
		},
		Memory: MemoryConfig{
			ShortCap:        50,
			MediumCap:       200,
			LongCap:         500,
			ShortRetention:  time.Hour,
			MediumRetention: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 30 * time.Second,
		},
		Observer: ObserverConfig{
			Enabled: true,
			Port:    8765,
		},
		Data: DataConfig{
			Dir: salonDir,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(salonDir, "logs", "salon.log"),
			Pretty: true,
		},
	}
}

// Load reads configuration from the default location (~/.salon/config.yaml)
// and merges with environment variables. If no config file exists, one is
// created with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".salon", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. A missing file is created with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment overrides, e.g. SALON_LLM_PROVIDERS_OPENAI_API_KEY.
	v.SetEnvPrefix("SALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Data.Dir = expandPath(cfg.Data.Dir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Data.Dir}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider cannot be empty")
	}
	if _, exists := c.LLM.Providers[c.LLM.DefaultProvider]; !exists {
		return fmt.Errorf("default provider '%s' not found in providers map", c.LLM.DefaultProvider)
	}

	if c.Orchestrator.ThinkingDelayMin < 0 || c.Orchestrator.ThinkingDelayMax < c.Orchestrator.ThinkingDelayMin {
		return fmt.Errorf("orchestrator thinking delay bounds are inverted")
	}
	if c.Orchestrator.RecentWindow < 1 {
		return fmt.Errorf("orchestrator.recent_window must be at least 1")
	}

	if c.Memory.ShortCap < 1 || c.Memory.MediumCap < 1 || c.Memory.LongCap < 1 {
		return fmt.Errorf("memory tier caps must be positive")
	}

	if c.Scheduler.Enabled && c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s")
	}

	if c.Observer.Enabled && (c.Observer.Port < 1 || c.Observer.Port > 65535) {
		return fmt.Errorf("observer.port must be a valid TCP port")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// ProviderFor resolves the provider configuration for a persona preference,
// falling back to the default provider when the preference is unknown.
func (c *Config) ProviderFor(name string) (string, ProviderConfig) {
	if name != "" {
		if pc, ok := c.LLM.Providers[name]; ok {
			return name, pc
		}
	}
	return c.LLM.DefaultProvider, c.LLM.Providers[c.LLM.DefaultProvider]
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
