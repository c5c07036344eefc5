package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const watcherTimeout = 10 * time.Second

func TestDefaultPolicyAllowsEveryKind(t *testing.T) {
	t.Parallel()

	authz, err := New("")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	for _, kind := range []string{"existing-terminal", "docker-exec", "python"} {
		ok, reasons := authz.Allow(Request{Kind: kind, Port: 8000})
		if !ok {
			t.Fatalf("expected default policy to allow %s", kind)
		}
		if len(reasons) == 0 {
			t.Fatalf("expected a determining policy for %s", kind)
		}
	}
}

func TestPolicyMatchesKindAndPort(t *testing.T) {
	t.Parallel()

	authz, err := New(`
permit (principal, action == Action::"Activate", resource == Interceptor::"existing-terminal")
when { context.port >= 8000 && context.port < 9000 };

forbid (principal, action == Action::"Activate", resource)
when { context.options has container && context.options.container == "prod" };

permit (principal, action == Action::"Activate", resource == Interceptor::"docker-exec");
`)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	cases := []struct {
		name string
		req  Request
		want bool
	}{
		{"terminal in range", Request{Kind: "existing-terminal", Port: 8080}, true},
		{"terminal out of range", Request{Kind: "existing-terminal", Port: 9500}, false},
		{"python not permitted", Request{Kind: "python", Port: 8080}, false},
		{"docker permitted", Request{Kind: "docker-exec", Port: 8080, Options: map[string]string{"container": "dev"}}, true},
		{"forbid overrides permit", Request{Kind: "docker-exec", Port: 8080, Options: map[string]string{"container": "prod"}}, false},
	}
	for _, tc := range cases {
		if got, _ := authz.Allow(tc.req); got != tc.want {
			t.Fatalf("%s: Allow = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	if _, err := New("permit (principal"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestUpdateKeepsPreviousPolicyOnError(t *testing.T) {
	t.Parallel()

	authz, err := New("")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := authz.Update("permit (principal"); err == nil {
		t.Fatalf("expected update to fail")
	}
	if ok, _ := authz.Allow(Request{Kind: "python", Port: 8000}); !ok {
		t.Fatalf("expected previous policy to stay active")
	}
	if err := authz.Update(`forbid (principal, action, resource);`); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if ok, _ := authz.Allow(Request{Kind: "python", Port: 8000}); ok {
		t.Fatalf("expected updated policy to deny")
	}
}

func TestWriteDefaultFileCreatesDocumentedPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "policy.cedar")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected load of missing file to fail")
	}
	created, err := WriteDefaultFile(path)
	if err != nil || !created {
		t.Fatalf("WriteDefaultFile = %v, %v; want created", created, err)
	}
	authz, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if authz.Path() != path {
		t.Fatalf("expected path %q, got %q", path, authz.Path())
	}
	for _, want := range []string{`Interceptor::"<kind>"`, `"docker-exec"`, "context.port"} {
		if !strings.Contains(authz.Source(), want) {
			t.Fatalf("expected %q documented in generated policy:\n%s", want, authz.Source())
		}
	}
	if ok, _ := authz.Allow(Request{Kind: "python", Port: 8000}); !ok {
		t.Fatalf("expected generated policy to permit activation")
	}

	writeCedar(t, path, `forbid (principal, action, resource);`)
	created, err = WriteDefaultFile(path)
	if err != nil || created {
		t.Fatalf("WriteDefaultFile on existing file = %v, %v; want untouched", created, err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "forbid") {
		t.Fatalf("expected existing policy to be preserved")
	}
}

func TestWriteDefaultFileRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := WriteDefaultFile("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestWatchHandlesUpdatesAndErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.cedar")
	writeCedar(t, path, DefaultCedar())
	authz, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	updates := make(chan struct{}, 4)
	errs := make(chan error, 4)
	cancel, err := authz.Watch(path, 20*time.Millisecond, func() {
		updates <- struct{}{}
	}, func(err error) {
		errs <- err
	})
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer cancel()

	writeCedar(t, path, `forbid (principal, action, resource == Interceptor::"python");
permit (principal, action, resource);`)
	expectSignal(t, updates, "update after valid change")
	if ok, _ := authz.Allow(Request{Kind: "python", Port: 8000}); ok {
		t.Fatalf("expected reloaded policy to deny python")
	}

	writeCedar(t, path, "permit (principal")
	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected non-nil watch error")
		}
	case <-time.After(watcherTimeout):
		t.Fatalf("timed out waiting for watch error")
	}
	if ok, _ := authz.Allow(Request{Kind: "existing-terminal", Port: 8000}); !ok {
		t.Fatalf("expected previous policy to remain after invalid change")
	}

	writeCedar(t, path, DefaultCedar())
	expectSignal(t, updates, "recovery update")
	if ok, _ := authz.Allow(Request{Kind: "python", Port: 8000}); !ok {
		t.Fatalf("expected recovered policy to allow python")
	}
}

func writeCedar(t *testing.T, path, source string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(source)+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write Cedar file %s: %v", path, err)
	}
	// Push mtime forward so coarse filesystem timestamps still register as a change.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		time.Sleep(1500 * time.Millisecond)
	}
}

func expectSignal(t *testing.T, ch <-chan struct{}, context string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(watcherTimeout):
		t.Fatalf("timed out waiting for %s", context)
	}
}
