package e2e

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	readinessTimeout      = 10 * time.Second
	readinessPollInterval = 50 * time.Millisecond
)

var errReadinessTimeout = errors.New("readiness timeout")

// waitFor polls check until it reports true or the default timeout elapses.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	if err := poll(context.Background(), readinessTimeout, check); err != nil {
		t.Fatalf("timed out waiting for %s after %s", what, readinessTimeout)
	}
}

func poll(ctx context.Context, timeout time.Duration, check func() bool) error {
	if timeout <= 0 {
		timeout = readinessTimeout
	}
	timer := time.NewTimer(timeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer timer.Stop()
	defer ticker.Stop()

	for {
		if check() {
			return nil
		}
		select {
		case <-timer.C:
			return errReadinessTimeout
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
