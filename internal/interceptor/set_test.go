package interceptor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func TestSetGetAndOrdering(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	set, err := NewBuiltin(deps, nil, nil)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	all := set.All()
	if len(all) != len(Kinds()) {
		t.Fatalf("expected %d interceptors, got %d", len(Kinds()), len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Descriptor().Kind >= all[i].Descriptor().Kind {
			t.Fatalf("expected interceptors sorted by kind")
		}
	}

	it, err := set.Get(KindPython)
	if err != nil || it.Descriptor().Kind != KindPython {
		t.Fatalf("expected python interceptor, got %v err=%v", it, err)
	}
	if _, err := set.Get("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSetRejectsDuplicates(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	a := newDriver(t, KindTerminal, deps)
	b := newDriver(t, KindTerminal, deps)
	if _, err := NewSet(a, b); err == nil {
		t.Fatalf("expected duplicate kind to be rejected")
	}
}

func TestSetActivableFiltersByPrerequisites(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	deps.LookPath = func(file string) (string, error) {
		if file == "sh" || file == "python3" {
			return "/bin/" + file, nil
		}
		return "", exec.ErrNotFound
	}
	set, err := NewBuiltin(deps, nil, nil)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	got := set.Activable()
	if len(got) != 2 || got[0].Kind != KindTerminal || got[1].Kind != KindPython {
		t.Fatalf("unexpected activable set %+v", got)
	}
}

func TestNewBuiltinHonorsEnabledAndDefaults(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	set, err := NewBuiltin(deps, func(kind string) bool { return kind != KindFish }, map[string]Options{
		KindTerminal: {OptProxyHost: "10.0.0.5"},
	})
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	if _, err := set.Get(KindFish); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected disabled fish interceptor to be absent")
	}

	term, _ := set.Get(KindTerminal)
	act, err := term.Activate(context.Background(), 8000, nil)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	defer set.DeactivateAll()

	status, body, err := fetchSetup(t, act.EphemeralPort)
	if err != nil || status != 200 {
		t.Fatalf("setup fetch failed: status=%d err=%v", status, err)
	}
	if want := "http://10.0.0.5:8000"; !strings.Contains(body, want) {
		t.Fatalf("expected default proxy host %s in %q", want, body)
	}
}

func TestSetDeactivateAllFansOut(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	set, err := NewBuiltin(deps, nil, nil)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	ctx := context.Background()
	for _, kind := range []string{KindTerminal, KindDocker, KindPython} {
		it, _ := set.Get(kind)
		if _, err := it.Activate(ctx, 8000, nil); err != nil {
			t.Fatalf("activate %s failed: %v", kind, err)
		}
	}
	if deps.Sessions.Len() != 3 {
		t.Fatalf("expected three sessions, got %d", deps.Sessions.Len())
	}

	set.DeactivateAll()
	if deps.Sessions.Len() != 0 {
		t.Fatalf("expected DeactivateAll to clear every kind, got %d", deps.Sessions.Len())
	}
	for _, it := range set.All() {
		if it.IsActive(8000) {
			t.Fatalf("%s still active", it.Descriptor().Kind)
		}
	}
}
