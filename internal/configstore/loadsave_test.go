package configstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingDefaultFileYieldsDefaults(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	clearHitchEnv(t)
	testSetEnv(t, "HITCH_HOME", t.TempDir())

	cfg, path, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !strings.HasSuffix(path, configFileName) {
		t.Fatalf("unexpected resolved path %q", path)
	}
	if cfg.Setup.GracePeriod != 10*time.Minute || cfg.Proxy.Host != "127.0.0.1" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	t.Parallel()

	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoadParsesEveryTable(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[setup]
bind_host = "127.0.0.1"
port_min = 41000
port_max = 41100
max_bind_attempts = 4
grace_period = "90s"

[proxy]
host = "10.1.2.3"

[policy]
path = "/etc/hitch/policy.cedar"

[state]
dir = "/var/lib/hitch"

[interceptors.existing-fish]
enabled = false

[interceptors.docker-exec]
options = { container = "web" }
`)

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Setup.PortMin != 41000 || cfg.Setup.PortMax != 41100 || cfg.Setup.MaxBindAttempts != 4 {
		t.Fatalf("unexpected setup table %+v", cfg.Setup)
	}
	if cfg.Setup.GracePeriod != 90*time.Second {
		t.Fatalf("grace period = %s", cfg.Setup.GracePeriod)
	}
	if cfg.Proxy.Host != "10.1.2.3" || cfg.Policy.Path != "/etc/hitch/policy.cedar" || cfg.State.Dir != "/var/lib/hitch" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.InterceptorEnabled("existing-fish") {
		t.Fatalf("expected fish disabled")
	}
	if !cfg.InterceptorEnabled("python") {
		t.Fatalf("expected unconfigured kinds enabled")
	}
	if got := cfg.InterceptorOptions("docker-exec"); got["container"] != "web" {
		t.Fatalf("unexpected docker options %v", got)
	}

	sc := cfg.SetupService()
	if sc.PortMin != 41000 || sc.GracePeriod != 90*time.Second {
		t.Fatalf("unexpected setup service config %+v", sc)
	}
}

func TestLoadGracePeriodIntegerSeconds(t *testing.T) {
	t.Parallel()

	cfg, _, err := Load(writeConfig(t, "[setup]\ngrace_period = 30"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Setup.GracePeriod != 30*time.Second {
		t.Fatalf("grace period = %s", cfg.Setup.GracePeriod)
	}

	cfg, _, err = Load(writeConfig(t, "[setup]\ngrace_period = 0"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Setup.GracePeriod != 0 {
		t.Fatalf("expected zero grace period to disable expiry, got %s", cfg.Setup.GracePeriod)
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"syntax":        "[setup\nbind_host = 1",
		"unknown key":   "[setup]\nbind_hots = \"127.0.0.1\"",
		"bad duration":  "[setup]\ngrace_period = \"soon\"",
		"port overflow": "[setup]\nport_min = 70000",
	}
	for name, content := range cases {
		path := writeConfig(t, content)
		_, _, err := Load(path)
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected ParseError, got %v", name, err)
		}
		if perr.Path != path || perr.Unwrap() == nil {
			t.Fatalf("%s: unexpected ParseError %+v", name, perr)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := New()
	cfg.Setup.PortMin, cfg.Setup.PortMax = 5000, 4000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected inverted range to fail")
	}

	cfg = New()
	cfg.Setup.BindHost = "not a host"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid bind host to fail")
	}

	cfg = New()
	cfg.Proxy.CACert = filepath.Join(t.TempDir(), "missing.pem")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing CA file to fail")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	clearHitchEnv(t)
	testSetEnv(t, EnvProxyHost, "192.168.1.10")
	testSetEnv(t, EnvGracePeriod, "45")
	testSetEnv(t, EnvPolicy, "/tmp/p.cedar")
	testSetEnv(t, EnvStateDir, "/tmp/state")

	cfg := New()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv returned error: %v", err)
	}
	if cfg.Proxy.Host != "192.168.1.10" || cfg.Setup.GracePeriod != 45*time.Second ||
		cfg.Policy.Path != "/tmp/p.cedar" || cfg.State.Dir != "/tmp/state" {
		t.Fatalf("unexpected config after env %+v", cfg)
	}

	testSetEnv(t, EnvGracePeriod, "-5s")
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatalf("expected negative grace period to fail")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	enabled := false
	cfg := New()
	cfg.Setup.PortMin, cfg.Setup.PortMax = 42000, 42010
	cfg.Setup.GracePeriod = 2 * time.Minute
	cfg.Policy.Path = "/etc/hitch/policy.cedar"
	cfg.Interceptors["python"] = InterceptorConfig{Enabled: &enabled}

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	got, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got.Setup.PortMin != 42000 || got.Setup.GracePeriod != 2*time.Minute || got.Policy.Path != cfg.Policy.Path {
		t.Fatalf("unexpected round trip %+v", got)
	}
	if got.InterceptorEnabled("python") {
		t.Fatalf("expected python to stay disabled")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"10m", 10 * time.Minute, true},
		{"15", 15 * time.Second, true},
		{"0", 0, true},
		{"", 0, false},
		{"-1", 0, false},
		{"later", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseDuration(%q) = %s, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseDuration(%q) expected error", tc.in)
		}
	}
}
