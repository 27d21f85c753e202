// Package config loads Runa's daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runa-bot/runa/internal/executor"
	"github.com/runa-bot/runa/internal/llm"
)

// ExecutorConfig is the file representation of the executor limits.
// Timeouts are integer seconds.
type ExecutorConfig struct {
	InlineTimeoutSec     int `yaml:"inline_timeout_sec"`
	BackgroundTimeoutSec int `yaml:"background_timeout_sec"`
	MaxOutputBytes       int `yaml:"max_output_bytes"`
	MaxLiveTasksPerChat  int `yaml:"max_live_tasks_per_chat"`
	CancelGraceSec       int `yaml:"cancel_grace_sec"`
}

// Config is the daemon configuration, read from ~/.runa/config.yaml.
type Config struct {
	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// AllowedUsers lists the user IDs permitted to chat.
	AllowedUsers []int64 `yaml:"allowed_users"`
	// Executor bounds command execution.
	Executor ExecutorConfig `yaml:"executor"`
	// LLM configures the Gemini responder. The API key may also come
	// from the GEMINI_API_KEY environment variable.
	LLM llm.Config `yaml:"llm"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Listen: "127.0.0.1:7433",
		DBPath: filepath.Join(homeDir, ".runa", "runa.db"),
	}
}

// Path returns the default config file location.
func Path() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".runa", "config.yaml")
}

// Load reads the config at path, filling unset fields with defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFromHome reads ~/.runa/config.yaml.
func LoadFromHome() (*Config, error) {
	return Load(Path())
}

func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// ExecutorConfig translates the file block into executor limits,
// backfilling unset or zero fields so a partial executor block does
// not disable limits.
func (c *Config) ExecutorConfig() *executor.Config {
	out := executor.DefaultConfig()
	if c.Executor.InlineTimeoutSec > 0 {
		out.InlineTimeout = time.Duration(c.Executor.InlineTimeoutSec) * time.Second
	}
	if c.Executor.BackgroundTimeoutSec > 0 {
		out.BackgroundTimeout = time.Duration(c.Executor.BackgroundTimeoutSec) * time.Second
	}
	if c.Executor.MaxOutputBytes > 0 {
		out.MaxOutputBytes = c.Executor.MaxOutputBytes
	}
	if c.Executor.MaxLiveTasksPerChat > 0 {
		out.MaxLiveTasksPerChat = c.Executor.MaxLiveTasksPerChat
	}
	if c.Executor.CancelGraceSec > 0 {
		out.CancelGrace = time.Duration(c.Executor.CancelGraceSec) * time.Second
	}
	return out
}

// Save writes the config to path, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
