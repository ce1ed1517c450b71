package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("expected default provider 'openai', got '%s'", cfg.LLM.DefaultProvider)
	}

	if len(cfg.LLM.Providers) == 0 {
		t.Error("expected default providers to be populated")
	}

	openaiProvider, exists := cfg.LLM.Providers["openai"]
	if !exists {
		t.Error("expected 'openai' provider to exist")
	}
	if openaiProvider.Timeout == 0 {
		t.Error("expected openai provider to have a timeout")
	}

	if cfg.Orchestrator.RecentWindow < 10 {
		t.Errorf("expected recent window of at least 10, got %d", cfg.Orchestrator.RecentWindow)
	}

	if cfg.Memory.ShortCap <= 0 || cfg.Memory.MediumCap <= 0 || cfg.Memory.LongCap <= 0 {
		t.Error("expected positive memory tier caps")
	}

	if !cfg.Scheduler.Enabled {
		t.Error("expected scheduler to be enabled by default")
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got '%s'", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoadFromPathCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be created: %v", err)
	}

	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("expected default provider 'openai', got '%s'", cfg.LLM.DefaultProvider)
	}
}

func TestLoadFromPathRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.LLM.DefaultProvider = "ollama"
	cfg.Scheduler.TickInterval = 45 * time.Second
	cfg.Memory.ShortCap = 25
	if err := cfg.SaveToPath(path); err != nil {
		t.Fatalf("SaveToPath failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if loaded.LLM.DefaultProvider != "ollama" {
		t.Errorf("expected provider 'ollama', got '%s'", loaded.LLM.DefaultProvider)
	}
	if loaded.Scheduler.TickInterval != 45*time.Second {
		t.Errorf("expected tick interval 45s, got %s", loaded.Scheduler.TickInterval)
	}
	if loaded.Memory.ShortCap != 25 {
		t.Errorf("expected short cap 25, got %d", loaded.Memory.ShortCap)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty provider", func(c *Config) { c.LLM.DefaultProvider = "" }},
		{"unknown provider", func(c *Config) { c.LLM.DefaultProvider = "missing" }},
		{"inverted thinking delay", func(c *Config) {
			c.Orchestrator.ThinkingDelayMin = 5 * time.Second
			c.Orchestrator.ThinkingDelayMax = time.Second
		}},
		{"zero recent window", func(c *Config) { c.Orchestrator.RecentWindow = 0 }},
		{"zero tier cap", func(c *Config) { c.Memory.ShortCap = 0 }},
		{"tiny scheduler tick", func(c *Config) { c.Scheduler.TickInterval = 10 * time.Millisecond }},
		{"bad observer port", func(c *Config) { c.Observer.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestProviderFor(t *testing.T) {
	cfg := Default()

	name, pc := cfg.ProviderFor("ollama")
	if name != "ollama" {
		t.Errorf("expected 'ollama', got '%s'", name)
	}
	if pc.Endpoint == "" {
		t.Error("expected ollama endpoint to be set")
	}

	name, _ = cfg.ProviderFor("nonexistent")
	if name != "openai" {
		t.Errorf("expected fallback to 'openai', got '%s'", name)
	}

	name, _ = cfg.ProviderFor("")
	if name != "openai" {
		t.Errorf("expected default 'openai', got '%s'", name)
	}
}
