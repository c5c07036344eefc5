package hitchd

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/hitch/internal/configstore"
	"github.com/strongdm/hitch/internal/interceptor"
)

const denyDockerPolicy = `permit (principal, action == Action::"Activate", resource)
unless { resource == Interceptor::"docker-exec" };
`

// testLookPath reports sh, docker and python3 as installed.
func testLookPath(file string) (string, error) {
	switch file {
	case "sh", "docker", "python3":
		return "/usr/bin/" + file, nil
	}
	return "", exec.ErrNotFound
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func baseArgs(t *testing.T, configBody string) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		"hitchd",
		"--config", writeConfig(t, dir, configBody),
		"--state-dir", filepath.Join(dir, "state"),
		"--listen", "127.0.0.1:0",
		"--proxy-host", "127.0.0.1",
		"--grace-period", "0",
	}
}

func newTestRuntime(t *testing.T, configBody string, extra ...string) *Runtime {
	t.Helper()
	cfg, err := parseConfig(append(baseArgs(t, configBody), extra...), io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	cfg.lookPath = testLookPath
	rt, err := initRuntime(cfg)
	if err != nil {
		t.Fatalf("initRuntime failed: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestParseConfigFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	args := baseArgs(t, `
[setup]
grace_period = "2m"
max_bind_attempts = 3

[proxy]
host = "10.1.1.1"
`)
	args = append(args, "--grace-period", "45s", "--proxy-host", "10.2.2.2")
	cfg, err := parseConfig(args, io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.Store.Setup.GracePeriod != 45*time.Second {
		t.Fatalf("expected flag grace period, got %s", cfg.Store.Setup.GracePeriod)
	}
	if cfg.Store.Setup.MaxBindAttempts != 3 {
		t.Fatalf("expected file max_bind_attempts, got %d", cfg.Store.Setup.MaxBindAttempts)
	}
	if cfg.Store.Proxy.Host != "10.2.2.2" {
		t.Fatalf("expected flag proxy host, got %q", cfg.Store.Proxy.Host)
	}
	if cfg.Listen.Host != "127.0.0.1" || cfg.Listen.Port != 0 {
		t.Fatalf("unexpected listen config %+v", cfg.Listen)
	}
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		extra []string
		body  string
		check func(error) bool
	}{
		{name: "bad grace period", extra: []string{"--grace-period", "soon"}},
		{name: "bad listen", extra: []string{"--listen", "127.0.0.1:99999"}},
		{name: "extra args", extra: []string{"stray"}},
		{name: "unknown flag", extra: []string{"--nope"}},
		{
			name:  "help",
			extra: []string{"-h"},
			check: func(err error) bool { return errors.Is(err, flag.ErrHelp) },
		},
		{
			name: "unknown config key",
			body: "[setup]\nbogus = 1\n",
			check: func(err error) bool {
				var pe *configstore.ParseError
				return errors.As(err, &pe)
			},
		},
		{name: "inverted port range", body: "[setup]\nport_min = 50000\nport_max = 40000\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseConfig(append(baseArgs(t, tc.body), tc.extra...), io.Discard)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.check != nil && !tc.check(err) {
				t.Fatalf("unexpected error type: %v", err)
			}
		})
	}
}

func TestInitHonorsDisabledInterceptorsAndDefaults(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, `
[interceptors.existing-fish]
enabled = false

[interceptors.docker-exec.options]
container = "devbox"
`)
	if _, err := rt.Interceptors().Get(interceptor.KindFish); !errors.Is(err, interceptor.ErrUnknownKind) {
		t.Fatalf("expected fish interceptor disabled, got %v", err)
	}
	docker, err := rt.Interceptors().Get(interceptor.KindDocker)
	if err != nil {
		t.Fatalf("docker interceptor missing: %v", err)
	}
	act, err := docker.Activate(context.Background(), 8000, nil)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if !strings.Contains(act.Command, "docker exec -i devbox sh") {
		t.Fatalf("expected configured container in command, got %q", act.Command)
	}
}

func TestInitCreatesAndWatchesPolicyFile(t *testing.T) {
	t.Parallel()

	policyPath := filepath.Join(t.TempDir(), "cedar", "activate.cedar")
	rt := newTestRuntime(t, "", "--policy", policyPath)

	if _, err := os.Stat(policyPath); err != nil {
		t.Fatalf("expected default policy file to be created: %v", err)
	}
	docker, _ := rt.Interceptors().Get(interceptor.KindDocker)
	if _, err := docker.Activate(context.Background(), 8100, nil); err != nil {
		t.Fatalf("default policy should permit docker: %v", err)
	}
	docker.Deactivate(8100)

	// Force a newer mtime so the poller sees the change.
	if err := os.WriteFile(policyPath, []byte(denyDockerPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(policyPath, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err := docker.Activate(context.Background(), 8101, nil)
		if errors.Is(err, interceptor.ErrNotPermitted) {
			break
		}
		if err == nil {
			docker.Deactivate(8101)
		}
		if time.Now().After(deadline) {
			t.Fatalf("policy reload never denied docker, last err=%v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestStartServesAndCloseDeactivates(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, "")
	if rt.Addr() != "" {
		t.Fatalf("expected no address before Start")
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get(rt.URL() + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected healthz response %d %q", resp.StatusCode, body)
	}

	term, _ := rt.Interceptors().Get(interceptor.KindTerminal)
	if _, err := term.Activate(context.Background(), 8200, nil); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	rt.Close()
	if term.IsActive(8200) || rt.sessions.Len() != 0 {
		t.Fatalf("expected Close to deactivate every session")
	}
	if _, err := http.Get(rt.URL() + "/healthz"); err == nil {
		t.Fatalf("expected control API to stop after Close")
	}
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}
