// Package config loads the engine configuration via viper: a
// forge-config.json found in $HOME or the working directory, overridable
// through FORGE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed engine configuration.
type Config struct {
	// Server
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`

	// Storage
	DatabasePath   string `mapstructure:"database_path"`
	ProjectRoot    string `mapstructure:"project_root"`
	CredentialPath string `mapstructure:"credential_path"`

	// Workflow
	WorkflowDir    string `mapstructure:"workflow_dir"`
	AgentsPath     string `mapstructure:"agents_path"`
	DefaultBackend string `mapstructure:"default_backend"`

	// Backends
	ClaudeBinary   string   `mapstructure:"claude_binary"`
	ClaudeModel    string   `mapstructure:"claude_model"`
	CodexBinary    string   `mapstructure:"codex_binary"`
	CodexBaseURL   string   `mapstructure:"codex_base_url"`
	OpenAIBaseURL  string   `mapstructure:"openai_base_url"`
	OpenAIModel    string   `mapstructure:"openai_model"`
	CredentialKeys []string `mapstructure:"credential_keys"`

	// Execution budgets
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	OverallTimeout          time.Duration `mapstructure:"overall_timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	MaxContinuationAttempts int           `mapstructure:"max_continuation_attempts"`
	NoProgressBackoff       time.Duration `mapstructure:"no_progress_backoff"`
}

func defaults() map[string]any {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".forge")
	return map[string]any{
		"host":                      "127.0.0.1",
		"port":                      8420,
		"enable_cors":               true,
		"database_path":             filepath.Join(dataDir, "forge.db"),
		"project_root":              filepath.Join(dataDir, "projects"),
		"credential_path":           filepath.Join(dataDir, "credentials.json"),
		"workflow_dir":              filepath.Join(dataDir, "workflows"),
		"agents_path":               filepath.Join(dataDir, "agents.yaml"),
		"default_backend":           "claude",
		"claude_binary":             "claude",
		"codex_binary":              "codex",
		"idle_timeout":              "2m",
		"overall_timeout":           "30m",
		"max_retries":               2,
		"max_continuation_attempts": 8,
		"no_progress_backoff":       "3s",
	}
}

// Load reads forge-config.json from $HOME and the working directory, applies
// FORGE_ env overrides and returns the typed config. A missing config file
// is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("forge-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	return load(v)
}

// LoadFile reads a specific config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.DefaultBackend {
	case "claude", "codex", "openai":
	default:
		return fmt.Errorf("unknown default backend %q", c.DefaultBackend)
	}
	return nil
}
