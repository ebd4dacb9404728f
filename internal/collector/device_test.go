package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/config"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
	"github.com/berfenger/sunspec-collector/pkg/sunspec"
)

type recordingMetrics struct {
	mu          sync.Mutex
	pollSuccess int
	pollErrors  []string
	overflows   int
	restarts    int
}

func (m *recordingMetrics) PollSuccess(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollSuccess++
}

func (m *recordingMetrics) PollError(_ string, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErrors = append(m.pollErrors, kind)
}

func (m *recordingMetrics) ChannelOverflow(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflows++
}

func (m *recordingMetrics) LoopLag(time.Duration) {}

func (m *recordingMetrics) ActorRestart(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func (m *recordingMetrics) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollErrors)
}

func TestDeviceActor_UnreachableHostEntersBackoff(t *testing.T) {
	as := actor.NewActorSystem()
	metrics := &recordingMetrics{}
	out := make(chan telemetry.Observation, 8)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewDeviceActor(
			uuid.New(),
			telemetry.DeviceAddress{Host: "127.0.0.1", Port: 1, UnitID: 1},
			config.ModbusConfig{ModbusTimeoutMs: 100, BaseBackoffMs: 50, MaxBackoffMs: 200},
			config.PollingConfig{PollIntervalMs: 1000, RequestTimeoutMs: 100},
			config.SunSpecConfig{BaseAddress: 40000, DiscoveryRegCount: 4},
			sunspec.NewRegistry(),
			telemetry.NewSequenceSource(),
			out,
			metrics,
			zap.NewNop(),
		)
	})

	pid, err := as.Root.SpawnNamed(props, "device-test-unreachable")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer as.Root.Stop(pid)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if metrics.errorCount() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected at least one connect error to be recorded within 2s")
}

func TestBackoffDuration_CapsAtMax(t *testing.T) {
	cfg := config.ModbusConfig{BaseBackoffMs: 100, MaxBackoffMs: 500}
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDuration(cfg, attempt)
		if d > 500*time.Millisecond {
			t.Errorf("attempt %d: %v exceeds max", attempt, d)
		}
	}
}

func TestBackoffDuration_GrowsWithAttempt(t *testing.T) {
	cfg := config.ModbusConfig{BaseBackoffMs: 10, MaxBackoffMs: 10000}
	d0 := backoffDuration(cfg, 0)
	d3 := backoffDuration(cfg, 3)
	if d3 <= d0 {
		t.Errorf("expected backoff to grow: attempt 0 = %v, attempt 3 = %v", d0, d3)
	}
}

func TestJitterDuration_ZeroMeansNone(t *testing.T) {
	if jitterDuration(0) != 0 {
		t.Error("jitterDuration(0) should be 0")
	}
}

func TestJitterDuration_BoundedByConfiguredMax(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitterDuration(100)
		if d < 0 || d >= 100*time.Millisecond {
			t.Errorf("jitter %v out of [0,100ms)", d)
		}
	}
}

func TestFieldsToMap_NumericAndText(t *testing.T) {
	decoded := []sunspec.DecodedField{
		{Field: sunspec.Field{Name: "W", Encoding: sunspec.EncodingInt16}, Value: 123.4, OK: true},
		{Field: sunspec.Field{Name: "Mn", Encoding: sunspec.EncodingString}, Text: "Acme", OK: true},
		{Field: sunspec.Field{Name: "Hz", Encoding: sunspec.EncodingInt16}, OK: false},
	}
	out := fieldsToMap(decoded)

	if out["W"].NotImplemented || out["W"].Number != 123.4 {
		t.Errorf("W = %+v", out["W"])
	}
	if !out["Mn"].IsText || out["Mn"].Text != "Acme" {
		t.Errorf("Mn = %+v", out["Mn"])
	}
	if !out["Hz"].NotImplemented {
		t.Errorf("Hz should be NotImplemented: %+v", out["Hz"])
	}
}
