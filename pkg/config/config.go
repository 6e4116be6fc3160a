// Package config loads the wikidesigner server configuration.
//
// Values come from three layers, later ones winning: built-in defaults, the
// YAML config file and WIKIDESIGNER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"

	"github.com/pubwiki/wikidesigner/pkg/paths"
)

const (
	EnvPrefix = "WIKIDESIGNER_"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type Config struct {
	// Listen is the address of the HTTP API.
	Listen string `yaml:"listen" env:"LISTEN"`
	// SessionDB is the SQLite chat database. Chats are kept in memory when empty.
	SessionDB string `yaml:"session_db,omitempty" env:"SESSION_DB"`

	SystemPrompt     string `yaml:"system_prompt,omitempty" env:"SYSTEM_PROMPT"`
	SystemPromptFile string `yaml:"system_prompt_file,omitempty" env:"SYSTEM_PROMPT_FILE"`

	MaxSteps         int           `yaml:"max_steps" env:"MAX_STEPS"`
	HistoryThreshold int           `yaml:"history_threshold" env:"HISTORY_THRESHOLD"`
	EditTimeout      time.Duration `yaml:"edit_timeout" env:"EDIT_TIMEOUT"`

	Rendezvous RendezvousConfig `yaml:"rendezvous" envPrefix:"RENDEZVOUS_"`
	WikiHelper WikiHelperConfig `yaml:"wiki_helper" envPrefix:"WIKI_HELPER_"`
	Wikifarm   WikifarmConfig   `yaml:"wikifarm" envPrefix:"WIKIFARM_"`

	Models       []ModelConfig `yaml:"models" envPrefix:"MODELS_"`
	DefaultModel string        `yaml:"default_model" env:"DEFAULT_MODEL"`
}

type RendezvousConfig struct {
	BufferTTL     time.Duration `yaml:"buffer_ttl" env:"BUFFER_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// WikiHelperConfig points at the MCP server exposing the wiki reading and
// editing tools.
type WikiHelperConfig struct {
	URL  string `yaml:"url" env:"URL"`
	Type string `yaml:"type,omitempty" env:"TYPE"`
}

// WikifarmConfig points at the wiki provisioning backend.
type WikifarmConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

type ModelConfig struct {
	// Name is what clients send as selectedModel.
	Name     string `yaml:"name" env:"NAME"`
	Provider string `yaml:"provider" env:"PROVIDER"`
	Model    string `yaml:"model" env:"MODEL"`
	BaseURL  string `yaml:"base_url,omitempty" env:"BASE_URL"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty" env:"API_KEY_ENV"`
	MaxTokens int64  `yaml:"max_tokens,omitempty" env:"MAX_TOKENS"`
}

func Default() *Config {
	return &Config{
		Listen:           ":3000",
		MaxSteps:         50,
		HistoryThreshold: 100000,
		EditTimeout:      5 * time.Minute,
		Rendezvous: RendezvousConfig{
			BufferTTL:     10 * time.Minute,
			SweepInterval: time.Minute,
		},
		WikiHelper: WikiHelperConfig{
			URL:  "http://127.0.0.1:8080/mcp",
			Type: "http",
		},
		Wikifarm: WikifarmConfig{
			Endpoint: "https://pub.wiki/",
		},
		Models: []ModelConfig{
			{
				Name:      "qwen-plus",
				Provider:  ProviderOpenAI,
				Model:     "qwen-plus-latest",
				BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
				APIKeyEnv: "DASHSCOPE_API_KEY",
			},
			{
				Name:      "qwen-max",
				Provider:  ProviderOpenAI,
				Model:     "qwen3-max-preview",
				BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
				APIKeyEnv: "DASHSCOPE_API_KEY",
			},
		},
		DefaultModel: "qwen-plus",
	}
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(paths.GetConfigDir(), "config.yaml")
}

// Load reads the config file at path, if it exists, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.HistoryThreshold <= 0 {
		errs = append(errs, fmt.Errorf("history_threshold must be positive, got %d", c.HistoryThreshold))
	}
	if c.EditTimeout <= 0 {
		errs = append(errs, errors.New("edit_timeout must be positive"))
	}
	if c.Rendezvous.BufferTTL <= 0 || c.Rendezvous.SweepInterval <= 0 {
		errs = append(errs, errors.New("rendezvous buffer_ttl and sweep_interval must be positive"))
	}
	if c.WikiHelper.URL == "" {
		errs = append(errs, errors.New("wiki_helper.url is required"))
	}

	seen := map[string]bool{}
	for i, m := range c.Models {
		switch {
		case m.Name == "":
			errs = append(errs, fmt.Errorf("models[%d]: name is required", i))
		case seen[m.Name]:
			errs = append(errs, fmt.Errorf("models[%d]: duplicate model name %q", i, m.Name))
		}
		seen[m.Name] = true

		if !slices.Contains([]string{ProviderOpenAI, ProviderAnthropic}, m.Provider) {
			errs = append(errs, fmt.Errorf("models[%d]: unsupported provider %q", i, m.Provider))
		}
		if m.Model == "" {
			errs = append(errs, fmt.Errorf("models[%d]: model is required", i))
		}
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("at least one model must be configured"))
	} else if !seen[c.DefaultModel] {
		errs = append(errs, fmt.Errorf("default_model %q is not a configured model", c.DefaultModel))
	}

	return errors.Join(errs...)
}

// ResolveSystemPrompt returns the inline prompt, the prompt file's content, or
// the built-in prompt, in that order.
func (c *Config) ResolveSystemPrompt() (string, error) {
	if c.SystemPrompt != "" {
		return c.SystemPrompt, nil
	}
	if c.SystemPromptFile != "" {
		data, err := os.ReadFile(c.SystemPromptFile)
		if err != nil {
			return "", fmt.Errorf("failed to read system prompt: %w", err)
		}
		return string(data), nil
	}
	return DefaultSystemPrompt, nil
}

// Save writes the configuration atomically, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}
