package uplink

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/buffer"
	"github.com/berfenger/sunspec-collector/internal/config"
)

// NewProducer builds a sarama SyncProducer from the uplink configuration:
// required acks, idempotent delivery, and compression are all read from
// cfg rather than hardcoded, since spec.md leaves them operator-tunable.
func NewProducer(cfg config.UplinkConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Net.DialTimeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	sc.Producer.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond

	switch strings.ToLower(cfg.Acks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("uplink: unknown acks mode %q", cfg.Acks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
		sc.Version = sarama.V2_1_0_0
	default:
		return nil, fmt.Errorf("uplink: unknown compression %q", cfg.Compression)
	}

	if cfg.Idempotence {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
		if !sc.Version.IsAtLeast(sarama.V0_11_0_0) {
			sc.Version = sarama.V0_11_0_0
		}
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("uplink: create producer: %w", err)
	}
	return producer, nil
}

// Publisher drains the Buffer on a fixed cadence and publishes each record
// to the message bus, deleting only the ones the broker acknowledged —
// at-least-once delivery, never losing a record to a broker-side failure.
type Publisher struct {
	producer  sarama.SyncProducer
	buf       *buffer.Buffer
	bufCfg    config.BufferConfig
	uplinkCfg config.UplinkConfig
	metrics   Metrics
	logger    *zap.Logger

	backoffAttempt int
}

func NewPublisher(producer sarama.SyncProducer, buf *buffer.Buffer, bufCfg config.BufferConfig, uplinkCfg config.UplinkConfig, metrics Metrics, logger *zap.Logger) *Publisher {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Publisher{
		producer:  producer,
		buf:       buf,
		bufCfg:    bufCfg,
		uplinkCfg: uplinkCfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run drains the buffer every buffer.drain_ms until ctx is cancelled. A
// failed publish increments every drained record's attempt count and backs
// the next drain off exponentially, capped at uplink.max_publish_backoff_ms;
// a successful publish resets the backoff and deletes the published rows.
func (p *Publisher) Run(ctx context.Context) error {
	interval := time.Duration(p.bufCfg.DrainMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context) {
	size, err := p.buf.Size(ctx)
	if err != nil {
		p.logger.Error("failed to read buffer size", zap.Error(err))
	} else {
		p.metrics.BufferSize(size)
		if p.bufCfg.HighWater > 0 && uint(size) >= p.bufCfg.HighWater {
			p.logger.Warn("buffer above high water mark", zap.Int("size", size), zap.Uint("high_water", p.bufCfg.HighWater))
			p.metrics.Backpressure()
		}
	}

	batchSize := int(p.bufCfg.BatchSize)
	if batchSize <= 0 {
		batchSize = 100
	}

	records, err := p.buf.Dequeue(ctx, batchSize)
	if err != nil {
		p.logger.Error("failed to dequeue buffer records", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	if p.backoffAttempt > 0 {
		delay := publishBackoffDelay(p.uplinkCfg, p.backoffAttempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	messages, err := groupIntoMessages(records)
	if err != nil {
		p.logger.Error("failed to frame drained batch into containers, retaining records for retry", zap.Error(err))
		p.metrics.PublishError()
		p.backoffAttempt++
		if incErr := p.buf.IncrementAttemptCount(ctx, ids); incErr != nil {
			p.logger.Error("failed to record publish attempt", zap.Error(incErr))
		}
		return
	}

	if err := p.producer.SendMessages(messages); err != nil {
		p.logger.Warn("publish failed, retaining records for retry", zap.Int("batch_size", len(records)), zap.Error(err))
		p.metrics.PublishError()
		p.backoffAttempt++
		if incErr := p.buf.IncrementAttemptCount(ctx, ids); incErr != nil {
			p.logger.Error("failed to record publish attempt", zap.Error(incErr))
		}
		return
	}

	if err := p.buf.Delete(ctx, ids); err != nil {
		p.logger.Error("publish acknowledged but delete failed, records may be republished", zap.Error(err))
		return
	}
	p.metrics.PublishSuccess(len(records))
	p.backoffAttempt = 0
}

// groupIntoMessages decodes each dequeued record back to its Avro native
// value, groups them by the buffer topic they were enqueued under, and
// frames each group as one multi-record Object Container File. The result
// is one sarama.ProducerMessage per distinct topic in the batch, keyed by
// that topic, regardless of how many records the topic contributed.
func groupIntoMessages(records []buffer.Record) ([]*sarama.ProducerMessage, error) {
	order := make([]string, 0, len(records))
	byTopic := make(map[string][]interface{}, len(records))
	for _, r := range records {
		native, err := decodeRecordNative(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("uplink: decode record %d: %w", r.ID, err)
		}
		if _, seen := byTopic[r.Topic]; !seen {
			order = append(order, r.Topic)
		}
		byTopic[r.Topic] = append(byTopic[r.Topic], native)
	}

	messages := make([]*sarama.ProducerMessage, 0, len(order))
	for _, topic := range order {
		payload, err := writeContainer(byTopic[topic])
		if err != nil {
			return nil, fmt.Errorf("uplink: frame container for topic %q: %w", topic, err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(topic),
			Value: sarama.ByteEncoder(payload),
		})
	}
	return messages, nil
}

func publishBackoffDelay(cfg config.UplinkConfig, attempt int) time.Duration {
	max := time.Duration(cfg.MaxPublishBackoffMs) * time.Millisecond
	if max <= 0 {
		max = 30 * time.Second
	}
	base := 200 * time.Millisecond
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5 + 1))
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}
