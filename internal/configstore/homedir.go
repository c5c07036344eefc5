package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveHomeDir reads HOME-style variables on every call so tests that change
// the environment observe the new value.
func resolveHomeDir() (string, error) {
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		drive := strings.TrimSpace(os.Getenv("HOMEDRIVE"))
		path := strings.TrimSpace(os.Getenv("HOMEPATH"))
		if drive != "" && path != "" {
			home = filepath.Join(drive, path)
		} else {
			home = strings.TrimSpace(os.Getenv("USERPROFILE"))
		}
	}
	if home == "" {
		return "", fmt.Errorf("resolve home dir: home directory not found")
	}
	return filepath.Clean(home), nil
}
