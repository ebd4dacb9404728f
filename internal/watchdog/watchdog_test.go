package watchdog

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNotifier_NoIntervalConfiguredIsNoopUntilCancelled(t *testing.T) {
	n := NewNotifier(0, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := n.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return ctx.Err() once the deadline passed")
	}
}

func TestNotifier_ResolvesIntervalFromConfigOverEnv(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "5000000")
	n := NewNotifier(2000, zap.NewNop())
	if n.interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", n.interval)
	}
}

func TestNotifier_RunRespectsCancellation(t *testing.T) {
	n := NewNotifier(20, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from ctx cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
