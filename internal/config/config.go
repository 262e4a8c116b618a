// Package config loads and validates memmachine configuration from YAML,
// with environment overrides for credentials.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all memmachine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"language_model"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Profile  ProfileConfig  `yaml:"profile"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and parameterizes the profile store backend.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "postgres"
	Path     string `yaml:"path"`   // sqlite file; empty resolves to the default
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN builds the Postgres connection string.
func (s StorageConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		s.User, s.Password, s.Host, s.Port, s.Database)
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "anthropic", "openai", "ollama"
	Model        string `yaml:"model"`
	AnthropicKey string `yaml:"anthropic_key"`
	OpenAIKey    string `yaml:"openai_key"`
	OpenAIBase   string `yaml:"openai_base_url"`
	OllamaURL    string `yaml:"ollama_url"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

type EmbedderConfig struct {
	Provider    string `yaml:"provider"` // "openai" or "ollama"
	Model       string `yaml:"model"`
	OpenAIKey   string `yaml:"openai_key"`
	OpenAIBase  string `yaml:"openai_base_url"`
	OllamaURL   string `yaml:"ollama_url"`
	Dimensions  int    `yaml:"dimensions"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// ProfileConfig tunes the ingestion pipeline and cache.
type ProfileConfig struct {
	MaxCacheSize           int    `yaml:"max_cache_size"`
	UpdateIntervalSec      int    `yaml:"update_interval_sec"`
	MessageLimit           int    `yaml:"message_limit"`
	TimeLimitSec           int    `yaml:"time_limit_sec"`
	ConsolidationThreshold int    `yaml:"consolidation_threshold"`
	HistoryBatchSize       int    `yaml:"history_batch_size"`
	PromptModule           string `yaml:"prompt_module"`
	EmbedFeatureInValue    bool   `yaml:"embed_feature_in_value"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:   "sqlite",
			Host:     "localhost",
			Port:     5432,
			MaxConns: 100,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			OllamaURL:   "http://localhost:11434",
			MaxAttempts: 3,
		},
		Embedder: EmbedderConfig{
			Provider:    "openai",
			Model:       "text-embedding-3-small",
			OllamaURL:   "http://localhost:11434",
			MaxAttempts: 3,
		},
		Profile: ProfileConfig{
			MaxCacheSize:           1000,
			UpdateIntervalSec:      2,
			MessageLimit:           5,
			TimeLimitSec:           120,
			ConsolidationThreshold: 5,
			HistoryBatchSize:       100,
			PromptModule:           "profile",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. Environment variables override credentials last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.LLM.OpenAIKey == "" {
			cfg.LLM.OpenAIKey = v
		}
		if cfg.Embedder.OpenAIKey == "" {
			cfg.Embedder.OpenAIKey = v
		}
	}
	if v := os.Getenv("MEMMACHINE_PG_HOST"); v != "" {
		cfg.Storage.Host = v
	}
	if v := os.Getenv("MEMMACHINE_PG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Port = port
		}
	}
	if v := os.Getenv("MEMMACHINE_PG_USER"); v != "" {
		cfg.Storage.User = v
	}
	if v := os.Getenv("MEMMACHINE_PG_PASSWORD"); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv("MEMMACHINE_PG_DATABASE"); v != "" {
		cfg.Storage.Database = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" {
		if c.Storage.User == "" || c.Storage.Database == "" {
			return fmt.Errorf("postgres driver requires user and database")
		}
	}
	if c.Profile.MaxCacheSize <= 0 {
		return fmt.Errorf("max_cache_size must be positive, got %d", c.Profile.MaxCacheSize)
	}
	if c.Profile.UpdateIntervalSec <= 0 {
		return fmt.Errorf("update_interval_sec must be positive, got %d", c.Profile.UpdateIntervalSec)
	}
	if c.Profile.ConsolidationThreshold < 2 {
		return fmt.Errorf("consolidation_threshold must be at least 2, got %d", c.Profile.ConsolidationThreshold)
	}
	if c.Profile.MessageLimit <= 0 {
		return fmt.Errorf("message_limit must be positive, got %d", c.Profile.MessageLimit)
	}
	if c.Profile.TimeLimitSec <= 0 {
		return fmt.Errorf("time_limit_sec must be positive, got %d", c.Profile.TimeLimitSec)
	}
	if c.Profile.HistoryBatchSize <= 0 {
		return fmt.Errorf("history_batch_size must be positive, got %d", c.Profile.HistoryBatchSize)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
