// ABOUTME: YAML configuration for the appforge server with environment variable overrides.
// ABOUTME: File values are defaults; APPFORGE_* env vars win; Validate catches bad wiring early.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10m" parse.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds everything the server needs to start.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	Model   ModelConfig   `yaml:"model"`
	Credits CreditsConfig `yaml:"credits"`
	Agent   AgentConfig   `yaml:"agent"`
}

// SandboxConfig configures the remote execution service.
type SandboxConfig struct {
	BaseURL  string   `yaml:"base_url"` // empty = local scratch-dir sandboxes
	APIKey   string   `yaml:"api_key"`
	Template string   `yaml:"template"`
	Timeout  Duration `yaml:"timeout"`
}

// ModelConfig selects the LLM used by the agent loop and post-processing.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// CreditsConfig sizes the generation quota tiers.
type CreditsConfig struct {
	FreePoints int      `yaml:"free_points"`
	ProPoints  int      `yaml:"pro_points"`
	Window     Duration `yaml:"window"`
}

// AgentConfig tunes the coding agent loop.
type AgentConfig struct {
	MaxRounds     int `yaml:"max_rounds"`
	HistoryWindow int `yaml:"history_window"`
	PreviewPort   int `yaml:"preview_port"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
		DataDir:    "./data",
		Sandbox: SandboxConfig{
			Template: "appforge-nextjs",
			Timeout:  Duration(15 * time.Minute),
		},
		Model: ModelConfig{
			Provider: "openai",
			Name:     "gpt-4.1",
		},
		Credits: CreditsConfig{
			FreePoints: 5,
			ProPoints:  100,
			Window:     Duration(30 * 24 * time.Hour),
		},
		Agent: AgentConfig{
			MaxRounds:     15,
			HistoryWindow: 5,
			PreviewPort:   3000,
		},
	}
}

// Load reads the config file at path (skipped when path is empty or the file
// does not exist), applies env overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file values from APPFORGE_* environment variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("APPFORGE_LISTEN_ADDR", &cfg.ListenAddr)
	setString("APPFORGE_DATA_DIR", &cfg.DataDir)
	setString("APPFORGE_SANDBOX_BASE_URL", &cfg.Sandbox.BaseURL)
	setString("APPFORGE_SANDBOX_API_KEY", &cfg.Sandbox.APIKey)
	setString("APPFORGE_SANDBOX_TEMPLATE", &cfg.Sandbox.Template)
	setString("APPFORGE_MODEL_PROVIDER", &cfg.Model.Provider)
	setString("APPFORGE_MODEL_NAME", &cfg.Model.Name)
	setString("APPFORGE_MODEL_BASE_URL", &cfg.Model.BaseURL)
	setInt("APPFORGE_CREDITS_FREE_POINTS", &cfg.Credits.FreePoints)
	setInt("APPFORGE_CREDITS_PRO_POINTS", &cfg.Credits.ProPoints)
	setInt("APPFORGE_AGENT_MAX_ROUNDS", &cfg.Agent.MaxRounds)
	setInt("APPFORGE_AGENT_HISTORY_WINDOW", &cfg.Agent.HistoryWindow)
	setInt("APPFORGE_AGENT_PREVIEW_PORT", &cfg.Agent.PreviewPort)

	// OPENAI_API_KEY is the conventional name; the prefixed form wins.
	setString("OPENAI_API_KEY", &cfg.Model.APIKey)
	setString("APPFORGE_MODEL_API_KEY", &cfg.Model.APIKey)
}

// Validate checks the configuration for values that would fail at runtime.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name must not be empty")
	}
	if c.Credits.FreePoints <= 0 || c.Credits.ProPoints <= 0 {
		return fmt.Errorf("credit tiers must be positive")
	}
	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("agent.max_rounds must be positive")
	}
	if c.Agent.PreviewPort <= 0 || c.Agent.PreviewPort > 65535 {
		return fmt.Errorf("agent.preview_port out of range: %d", c.Agent.PreviewPort)
	}
	return nil
}
