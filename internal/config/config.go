// Package config loads and validates the sessiond configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	LLM      LLMConfig      `yaml:"llm"`
	Detector DetectorConfig `yaml:"detector"`
	Storage  StorageConfig  `yaml:"storage"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SessionConfig tunes the controller.
type SessionConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxBudgetTokens  int64         `yaml:"max_budget_tokens"`
	MaxMessageChars  int           `yaml:"max_message_chars"`
	VisionEnabled    bool          `yaml:"vision_enabled"`
	ActionTimeout    time.Duration `yaml:"action_timeout"`
	ConfirmationMode bool          `yaml:"confirmation_mode"`
	MaxRetries       int           `yaml:"max_retries"`

	// Unattended applies LoopDecision automatically when a loop is
	// detected instead of waiting for the user.
	Unattended bool `yaml:"unattended"`
	// LoopDecision is "restart" or "stop".
	LoopDecision string `yaml:"loop_decision"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	// APIKey is read from the environment when empty: ANTHROPIC_API_KEY or
	// OPENAI_API_KEY depending on the provider.
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

// DetectorConfig tunes loop detection.
type DetectorConfig struct {
	WindowSize int `yaml:"window_size"`
	MinRepeats int `yaml:"min_repeats"`
	// Boundary is "loop_start" or "second_period".
	Boundary string `yaml:"boundary"`
}

// StorageConfig selects event persistence.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// RuntimeConfig configures action execution.
type RuntimeConfig struct {
	// WorkDir is the workspace root. A temporary directory is created when
	// empty.
	WorkDir string `yaml:"work_dir"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxIterations:   50,
			MaxMessageChars: 30000,
			ActionTimeout:   120 * time.Second,
			MaxRetries:      3,
			LoopDecision:    "stop",
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Detector: DetectorConfig{
			WindowSize: 20,
			MinRepeats: 2,
			Boundary:   "loop_start",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "sessiond.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, layering it over defaults. An empty
// path returns the defaults. The API key falls back to the provider's
// conventional environment variable.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and required values.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be memory or sqlite, got %q", c.Storage.Backend)
	}
	switch c.Session.LoopDecision {
	case "restart", "stop":
	default:
		return fmt.Errorf("session.loop_decision must be restart or stop, got %q", c.Session.LoopDecision)
	}
	switch c.Detector.Boundary {
	case "loop_start", "second_period":
	default:
		return fmt.Errorf("detector.boundary must be loop_start or second_period, got %q", c.Detector.Boundary)
	}
	if c.Session.MaxIterations <= 0 {
		return fmt.Errorf("session.max_iterations must be positive")
	}
	return nil
}
