package uplink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/buffer"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
)

func TestIngest_EncodesAndEnqueuesEachObservation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	buf, err := buffer.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	ch := make(chan telemetry.Observation, 2)
	ch <- sampleObservation()
	ch <- sampleObservation()
	close(ch)

	if err := Ingest(context.Background(), ch, buf, "telemetry", zap.NewNop()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	size, err := buf.Size(context.Background())
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 2 {
		t.Fatalf("expected 2 buffered records, got %d", size)
	}

	records, err := buf.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	for _, r := range records {
		if r.Topic != "telemetry" {
			t.Errorf("expected topic 'telemetry', got %q", r.Topic)
		}
		if len(r.Payload) == 0 {
			t.Error("expected a non-empty encoded payload")
		}
	}
}

func TestIngest_ReturnsOnContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	buf, err := buffer.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan telemetry.Observation)

	done := make(chan error, 1)
	go func() { done <- Ingest(ctx, ch, buf, "telemetry", zap.NewNop()) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingest did not return after context cancellation")
	}
}
