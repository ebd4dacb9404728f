package uplink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/buffer"
	"github.com/berfenger/sunspec-collector/internal/config"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
)

type fakeProducer struct {
	mu       sync.Mutex
	sent     [][]*sarama.ProducerMessage
	failNext bool
}

func (f *fakeProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, msgs)
	return nil
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	return 0, 0, f.SendMessages([]*sarama.ProducerMessage{msg})
}

func (f *fakeProducer) Close() error                           { return nil }
func (f *fakeProducer) TxnStatus() sarama.ProducerTxnStatusFlag { return 0 }
func (f *fakeProducer) IsTransactional() bool                  { return false }
func (f *fakeProducer) BeginTxn() error                        { return nil }
func (f *fakeProducer) CommitTxn() error                       { return nil }
func (f *fakeProducer) AbortTxn() error                        { return nil }
func (f *fakeProducer) AddOffsetsToTxn(map[string][]*sarama.PartitionOffsetMetadata, string) error {
	return nil
}
func (f *fakeProducer) AddMessageToTxn(*sarama.ConsumerMessage, string, *string) error { return nil }

func openBufferWithRecords(t *testing.T, n int) *buffer.Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	buf, err := buffer.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })
	for i := 0; i < n; i++ {
		obs := telemetry.Observation{
			Sequence:    uint64(i + 1),
			TimestampMs: 1700000000000,
			Device:      telemetry.DeviceAddress{Host: "10.0.0.5", Port: 502, UnitID: 1},
		}
		payload, err := EncodeRecord(obs)
		if err != nil {
			t.Fatalf("encode record: %v", err)
		}
		if _, err := buf.Enqueue(context.Background(), "telemetry", payload); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	return buf
}

func TestPublisher_DrainOnce_SuccessDeletesRecords(t *testing.T) {
	buf := openBufferWithRecords(t, 3)
	producer := &fakeProducer{}
	metrics := &fakeUplinkMetrics{}

	p := NewPublisher(producer, buf, config.BufferConfig{BatchSize: 10, DrainMs: 100, HighWater: 100}, config.UplinkConfig{}, metrics, zap.NewNop())
	p.drainOnce(context.Background())

	size, err := buf.Size(context.Background())
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Errorf("expected buffer drained, got %d remaining", size)
	}
	if metrics.successCount != 1 || metrics.lastBatchSize != 3 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestPublisher_DrainOnce_FailureRetainsAndIncrementsAttempts(t *testing.T) {
	buf := openBufferWithRecords(t, 2)
	producer := &fakeProducer{failNext: true}
	metrics := &fakeUplinkMetrics{}

	p := NewPublisher(producer, buf, config.BufferConfig{BatchSize: 10, DrainMs: 100}, config.UplinkConfig{MaxPublishBackoffMs: 1000}, metrics, zap.NewNop())
	p.drainOnce(context.Background())

	size, err := buf.Size(context.Background())
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 2 {
		t.Errorf("expected records retained after failed publish, got %d", size)
	}
	if metrics.errorCount != 1 {
		t.Errorf("expected one publish error recorded, got %d", metrics.errorCount)
	}

	retried, err := buf.OldestPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("oldest pending: %v", err)
	}
	if len(retried) != 2 {
		t.Fatalf("expected both records marked as retried, got %d", len(retried))
	}
	if p.backoffAttempt != 1 {
		t.Errorf("expected backoff attempt to increment, got %d", p.backoffAttempt)
	}
}

func TestPublisher_DrainOnce_EmptyBufferIsNoop(t *testing.T) {
	buf := openBufferWithRecords(t, 0)
	producer := &fakeProducer{}
	metrics := &fakeUplinkMetrics{}

	p := NewPublisher(producer, buf, config.BufferConfig{BatchSize: 10, DrainMs: 100}, config.UplinkConfig{}, metrics, zap.NewNop())
	p.drainOnce(context.Background())

	if len(producer.sent) != 0 {
		t.Error("expected no messages sent for an empty buffer")
	}
}

func TestPublisher_DrainOnce_GroupsRecordsByTopic(t *testing.T) {
	buf := openBufferWithRecords(t, 0)
	for i := 0; i < 2; i++ {
		payload, err := EncodeRecord(telemetry.Observation{Sequence: uint64(i + 1)})
		if err != nil {
			t.Fatalf("encode record: %v", err)
		}
		if _, err := buf.Enqueue(context.Background(), "topic-a", payload); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	payload, err := EncodeRecord(telemetry.Observation{Sequence: 3})
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if _, err := buf.Enqueue(context.Background(), "topic-b", payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	producer := &fakeProducer{}
	metrics := &fakeUplinkMetrics{}
	p := NewPublisher(producer, buf, config.BufferConfig{BatchSize: 10, DrainMs: 100}, config.UplinkConfig{}, metrics, zap.NewNop())
	p.drainOnce(context.Background())

	if len(producer.sent) != 1 {
		t.Fatalf("expected one SendMessages call, got %d", len(producer.sent))
	}
	msgs := producer.sent[0]
	if len(msgs) != 2 {
		t.Fatalf("expected one message per distinct topic, got %d", len(msgs))
	}
	topics := map[string]bool{}
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	if !topics["topic-a"] || !topics["topic-b"] {
		t.Errorf("expected messages for topic-a and topic-b, got %+v", topics)
	}
}

type fakeUplinkMetrics struct {
	successCount  int
	errorCount    int
	lastBatchSize int
	backpressure  int
}

func (m *fakeUplinkMetrics) PublishSuccess(n int) {
	m.successCount++
	m.lastBatchSize = n
}
func (m *fakeUplinkMetrics) PublishError()  { m.errorCount++ }
func (m *fakeUplinkMetrics) BufferSize(int) {}
func (m *fakeUplinkMetrics) Backpressure()  { m.backpressure++ }
