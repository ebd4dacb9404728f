package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	if err := (<-ch).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	t.Fatalf("metric has neither counter nor gauge value")
	return 0
}

func TestSink_PollSuccessIncrementsPerHost(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.PollSuccess("10.0.0.5")
	s.PollSuccess("10.0.0.5")
	s.PollSuccess("10.0.0.6")

	if got := counterValue(t, s.pollSuccess.WithLabelValues("10.0.0.5")); got != 2 {
		t.Errorf("host 10.0.0.5 = %v, want 2", got)
	}
	if got := counterValue(t, s.pollSuccess.WithLabelValues("10.0.0.6")); got != 1 {
		t.Errorf("host 10.0.0.6 = %v, want 1", got)
	}
}

func TestSink_PollErrorLabelsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.PollError("10.0.0.5", "timeout")
	s.PollError("10.0.0.5", "connect")
	s.PollError("10.0.0.5", "timeout")

	if got := counterValue(t, s.pollError.WithLabelValues("10.0.0.5", "timeout")); got != 2 {
		t.Errorf("timeout errors = %v, want 2", got)
	}
	if got := counterValue(t, s.pollError.WithLabelValues("10.0.0.5", "connect")); got != 1 {
		t.Errorf("connect errors = %v, want 1", got)
	}
}

func TestSink_BufferSizeIsAGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.BufferSize(42)
	if got := counterValue(t, s.bufferSize); got != 42 {
		t.Errorf("buffer size = %v, want 42", got)
	}
	s.BufferSize(3)
	if got := counterValue(t, s.bufferSize); got != 3 {
		t.Errorf("buffer size after update = %v, want 3", got)
	}
}

func TestSink_LoopLagObservesSeconds(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.LoopLag(250 * time.Millisecond)

	ch := make(chan prometheus.Metric, 1)
	s.loopLag.Collect(ch)
	m := &dto.Metric{}
	if err := (<-ch).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected one observation, got %d", m.Histogram.GetSampleCount())
	}
	if got := m.Histogram.GetSampleSum(); got < 0.24 || got > 0.26 {
		t.Errorf("expected ~0.25s sum, got %v", got)
	}
}

func TestSink_PublishSuccessRecordsBatchSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSink(reg)

	s.PublishSuccess(12)

	if got := counterValue(t, s.publishSuccess); got != 1 {
		t.Errorf("publish success count = %v, want 1", got)
	}
}
