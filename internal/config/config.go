// Package config resolves process settings from defaults, an optional YAML
// file, and environment variables, in that order of precedence. A .env file
// in the working directory is honoured when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied before any file or environment override.
const (
	DefaultPort          = 8000
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOllamaBaseURL = "http://127.0.0.1:11434"
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultOllamaModel   = "gpt-oss:20b"
)

// Config represents the application configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Ollama OllamaConfig `yaml:"ollama"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// OpenAIConfig captures cloud backend settings. Models is the advertised
// catalogue; an empty list falls back to the known priced models.
type OpenAIConfig struct {
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
}

// OllamaConfig captures local backend settings. The local server needs no
// credentials.
type OllamaConfig struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := Config{
		Server: ServerConfig{Port: DefaultPort},
		OpenAI: OpenAIConfig{
			BaseURL:      DefaultOpenAIBaseURL,
			DefaultModel: DefaultOpenAIModel,
		},
		Ollama: OllamaConfig{
			BaseURL:      DefaultOllamaBaseURL,
			DefaultModel: DefaultOllamaModel,
		},
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("DEFAULT_OPENAI_MODEL"); v != "" {
		cfg.OpenAI.DefaultModel = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("DEFAULT_OLLAMA_MODEL"); v != "" {
		cfg.Ollama.DefaultModel = v
	}
}

// Validate performs sanity checks on the configuration. An absent OpenAI
// API key is allowed here; the cloud adapter rejects requests at call time
// so the local backend stays usable.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.OpenAI.BaseURL) == "" {
		return fmt.Errorf("openai.base_url must not be empty")
	}
	if strings.TrimSpace(c.OpenAI.DefaultModel) == "" {
		return fmt.Errorf("openai.default_model must not be empty")
	}
	if strings.TrimSpace(c.Ollama.BaseURL) == "" {
		return fmt.Errorf("ollama.base_url must not be empty")
	}
	if strings.TrimSpace(c.Ollama.DefaultModel) == "" {
		return fmt.Errorf("ollama.default_model must not be empty")
	}
	return nil
}
