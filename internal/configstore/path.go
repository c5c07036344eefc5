package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appDir         = "hitch"
	configFileName = "config.toml"
)

// GetConfigPath resolves the hitch configuration directory and file path.
// HITCH_HOME wins, then XDG_CONFIG_HOME/hitch, then ~/.config/hitch.
func GetConfigPath() (string, string, error) {
	if override := strings.TrimSpace(os.Getenv("HITCH_HOME")); override != "" {
		dir, err := absDir(override, "HITCH_HOME")
		if err != nil {
			return "", "", err
		}
		return dir, filepath.Join(dir, configFileName), nil
	}

	if base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); base != "" {
		dir := filepath.Join(base, appDir)
		return dir, filepath.Join(dir, configFileName), nil
	}

	home, err := resolveHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(home, ".config", appDir)
	return dir, filepath.Join(dir, configFileName), nil
}

// DefaultStateDir resolves where per-session state lives. HITCH_HOME/state
// wins, then XDG_STATE_HOME/hitch, then ~/.local/state/hitch.
func DefaultStateDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HITCH_HOME")); override != "" {
		dir, err := absDir(override, "HITCH_HOME")
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "state"), nil
	}
	if base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); base != "" {
		return filepath.Join(base, appDir), nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", appDir), nil
}

func absDir(raw, name string) (string, error) {
	dir := filepath.Clean(raw)
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s %q: %w", name, raw, err)
	}
	return abs, nil
}
