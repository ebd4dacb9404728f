package sunspec

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/sirupsen/logrus"
)

// ClientConfig configures one Modbus TCP connection. It mirrors the
// connection and retry knobs a device needs tuned independently: slow or
// flaky devices get looser timeouts and batch sizes without touching any
// other device's configuration.
type ClientConfig struct {
	Host string
	Port uint16
	// UnitID is the Modbus slave/unit identifier.
	UnitID uint8

	// MaxBatchSize caps how many registers are requested in a single PDU.
	// Zero means no cap: a single request covers the whole requested span.
	MaxBatchSize uint16
	Timeout      time.Duration

	RetryCount         int
	RetryBackoff       time.Duration
	RetryMaxBackoff    time.Duration
	InterReadDelay     time.Duration
}

// DefaultClientConfig returns conservative connection and retry defaults
// with no host set. The collector itself builds each ClientConfig from the
// modbus configuration section instead.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:            502,
		Timeout:         time.Second,
		RetryCount:      2,
		RetryBackoff:    100 * time.Millisecond,
		RetryMaxBackoff: 2 * time.Second,
	}
}

// ErrorKind classifies a Client failure so callers (the Device Actor's state
// machine in particular) can decide whether to retry, back off, or treat
// the device as gone without needing to inspect transport-specific errors.
type ErrorKind string

const (
	ErrConnect           ErrorKind = "connect"
	ErrTimeout           ErrorKind = "timeout"
	ErrExceptionResponse ErrorKind = "exception_response"
	ErrFraming           ErrorKind = "framing"
	ErrClosed            ErrorKind = "closed"
)

// ClientError wraps a transport failure with its classification.
type ClientError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("modbus: %s: %v", e.Kind, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Client reads holding registers from one SunSpec device over Modbus TCP. It
// wraps simonvetter/modbus the way the teacher's ModbusClient wraps it:
// a thin layer adding batching, retry with backoff, and per-op
// instrumentation, while leaving framing and transport to the library.
type Client struct {
	cfg    ClientConfig
	client *modbus.ModbusClient
	log    *logrus.Logger

	instrument Instrument
}

// Instrument receives per-operation timing. A nil Instrument disables
// recording; callers that don't need metrics may leave it unset.
type Instrument interface {
	RecordTime(op string, d time.Duration)
}

// NewClient constructs a Client. The underlying connection is not opened
// until Open is called.
func NewClient(cfg ClientConfig, log *logrus.Logger, instrument Instrument) (*Client, error) {
	mc, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port),
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, &ClientError{Kind: ErrConnect, Err: err}
	}
	mc.SetUnitId(cfg.UnitID)

	if log == nil {
		log = logrus.New()
	}

	return &Client{cfg: cfg, client: mc, log: log, instrument: instrument}, nil
}

// Open establishes the TCP connection.
func (c *Client) Open() error {
	if err := c.client.Open(); err != nil {
		return &ClientError{Kind: ErrConnect, Err: err}
	}
	return nil
}

// Close tears down the TCP connection.
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return &ClientError{Kind: ErrClosed, Err: err}
	}
	return nil
}

// ReadHoldingRegisters reads count registers starting at addr, splitting the
// request into MaxBatchSize-sized chunks and retrying each chunk with
// exponential backoff plus up to 20% jitter on failure. It implements
// sunspec.RegisterSource so a Client can drive Survey directly.
func (c *Client) ReadHoldingRegisters(addr uint16, count uint16) ([]uint16, error) {
	if count == 0 {
		return nil, nil
	}

	batchSize := c.cfg.MaxBatchSize
	if batchSize == 0 {
		batchSize = count
	}

	values, err := c.readSpan(addr, count, batchSize)
	if err == nil {
		return values, nil
	}

	// A device that rejected a batch with an exception response may still
	// answer a narrower one, e.g. because it enforces a per-request register
	// cap lower than MaxBatchSize. Retry the whole span once with half the
	// batch size before giving up; only ever tried once per read so a device
	// that keeps exception-ing doesn't spiral into ever-smaller requests.
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.Kind == ErrExceptionResponse && batchSize > 1 {
		narrow := batchSize / 2
		if narrow == 0 {
			narrow = 1
		}
		c.log.WithFields(logrus.Fields{
			"addr": addr, "count": count, "batch_size": batchSize, "narrowed_to": narrow,
		}).Warn("modbus read exception, retrying with narrowed batch size")
		return c.readSpan(addr, count, narrow)
	}

	return nil, err
}

// readSpan reads count registers starting at addr, split into batchSize
// chunks, retrying each chunk per readChunk's own backoff policy.
func (c *Client) readSpan(addr uint16, count uint16, batchSize uint16) ([]uint16, error) {
	if batchSize == 0 {
		batchSize = count
	}

	out := make([]uint16, 0, count)
	remaining := count
	offset := uint16(0)

	for remaining > 0 {
		chunk := batchSize
		if chunk > remaining {
			chunk = remaining
		}

		values, err := c.readChunk(addr+offset, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
		remaining -= chunk
		offset += chunk

		if remaining > 0 && c.cfg.InterReadDelay > 0 {
			time.Sleep(c.cfg.InterReadDelay)
		}
	}

	return out, nil
}

func (c *Client) readChunk(start uint16, count uint16) ([]uint16, error) {
	defer c.recordTimer("read_holding_registers")()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryCount; attempt++ {
		values, err := c.client.ReadRegisters(start, count, modbus.HOLDING_REGISTER)
		if err == nil {
			return values, nil
		}

		lastErr = classify(err)
		c.log.WithFields(logrus.Fields{
			"start": start, "count": count, "attempt": attempt, "error": err,
		}).Warn("modbus read failed")

		if attempt >= c.cfg.RetryCount {
			break
		}
		time.Sleep(c.retryDelay(attempt))
	}
	return nil, lastErr
}

// retryDelay computes exponential backoff capped at RetryMaxBackoff, with up
// to 20% jitter applied so that many devices retrying in lockstep after a
// shared network blip don't all re-request at the exact same instant.
func (c *Client) retryDelay(attempt int) time.Duration {
	base := c.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := c.cfg.RetryMaxBackoff
	if max <= 0 {
		max = 2 * time.Second
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	if rand.Intn(2) == 0 {
		return delay - jitter
	}
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}

func (c *Client) recordTimer(op string) func() {
	if c.instrument == nil {
		return func() {}
	}
	start := time.Now()
	return func() { c.instrument.RecordTime(op, time.Since(start)) }
}

// classify maps a simonvetter/modbus error to one of our coarse ErrorKinds.
// The library surfaces exception responses and timeouts as plain errors
// with descriptive text rather than typed sentinels, so classification goes
// by substring rather than type assertion.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return &ClientError{Kind: ErrTimeout, Err: err}
	case strings.Contains(msg, "exception"):
		return &ClientError{Kind: ErrExceptionResponse, Err: err}
	case strings.Contains(msg, "closed") || strings.Contains(msg, "not connected"):
		return &ClientError{Kind: ErrClosed, Err: err}
	default:
		return &ClientError{Kind: ErrFraming, Err: err}
	}
}
