package configstore

import (
	"path/filepath"
	"testing"
)

func TestGetConfigPathPrefersXDG(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	clearHitchEnv(t)
	base := t.TempDir()
	testSetEnv(t, "XDG_CONFIG_HOME", base)
	setHome(t, filepath.Join(t.TempDir(), "ignored"))

	dir, file, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath returned error: %v", err)
	}
	wantDir := filepath.Join(base, "hitch")
	if dir != wantDir || file != filepath.Join(wantDir, configFileName) {
		t.Fatalf("got (%q, %q), want dir %q", dir, file, wantDir)
	}
}

func TestGetConfigPathPrefersHitchHome(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	clearHitchEnv(t)
	base := filepath.Join(t.TempDir(), "hitch-home")
	testSetEnv(t, "HITCH_HOME", base)
	testSetEnv(t, "XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "xdg"))

	dir, file, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath returned error: %v", err)
	}
	if dir != base || file != filepath.Join(base, configFileName) {
		t.Fatalf("got (%q, %q), want %q", dir, file, base)
	}

	state, err := DefaultStateDir()
	if err != nil {
		t.Fatalf("DefaultStateDir returned error: %v", err)
	}
	if state != filepath.Join(base, "state") {
		t.Fatalf("state dir = %q", state)
	}
}

func TestGetConfigPathFallsBackToHome(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	clearHitchEnv(t)
	home := t.TempDir()
	setHome(t, home)

	dir, _, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath returned error: %v", err)
	}
	if want := filepath.Join(home, ".config", "hitch"); dir != want {
		t.Fatalf("dir = %q, want %q", dir, want)
	}
	state, err := DefaultStateDir()
	if err != nil {
		t.Fatalf("DefaultStateDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "hitch"); state != want {
		t.Fatalf("state dir = %q, want %q", state, want)
	}
}

func TestGetConfigPathMissingHomeErrors(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	clearHitchEnv(t)
	unsetHome(t)

	if _, _, err := GetConfigPath(); err == nil {
		t.Fatal("expected error when home cannot be resolved")
	}
}
