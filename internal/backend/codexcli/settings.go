package codexcli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Settings is the codex CLI configuration file: credential, endpoint, and
// provider wiring the binary reads instead of taking flags.
type Settings struct {
	Provider string `toml:"provider"`
	BaseURL  string `toml:"base_url,omitempty"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model,omitempty"`
}

const settingsFileName = "codex-settings.toml"

// writeSettings renders the settings file under dir and returns its path.
// The file is rewritten before every invocation so a rotated credential
// takes effect without restarting anything.
func writeSettings(dir string, settings Settings) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create settings dir: %w", err)
	}
	data, err := toml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	path := filepath.Join(dir, settingsFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write settings: %w", err)
	}
	return path, nil
}

// readSettings loads an existing settings file, for tests and diagnostics.
func readSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := toml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}
