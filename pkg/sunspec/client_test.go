package sunspec

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.Port != 502 {
		t.Errorf("Port = %d, want 502", cfg.Port)
	}
	if cfg.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", cfg.RetryCount)
	}
	if cfg.Timeout != time.Second {
		t.Errorf("Timeout = %v, want 1s", cfg.Timeout)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"i/o timeout", ErrTimeout},
		{"request timed out", ErrTimeout},
		{"modbus exception: illegal data address", ErrExceptionResponse},
		{"connection closed", ErrClosed},
		{"unexpected function code in response", ErrFraming},
	}
	for _, c := range cases {
		t.Run(c.msg, func(t *testing.T) {
			got := classify(errors.New(c.msg))
			ce, ok := got.(*ClientError)
			if !ok {
				t.Fatalf("classify returned %T, want *ClientError", got)
			}
			if ce.Kind != c.want {
				t.Errorf("classify(%q) = %q, want %q", c.msg, ce.Kind, c.want)
			}
		})
	}
}

func TestClient_RetryDelay_RespectsMaxBackoff(t *testing.T) {
	c := &Client{cfg: ClientConfig{
		RetryBackoff:    100 * time.Millisecond,
		RetryMaxBackoff: 500 * time.Millisecond,
	}}

	for attempt := 0; attempt < 10; attempt++ {
		d := c.retryDelay(attempt)
		if d > 500*time.Millisecond {
			t.Errorf("attempt %d: delay %v exceeds max backoff", attempt, d)
		}
		if d < 0 {
			t.Errorf("attempt %d: negative delay %v", attempt, d)
		}
	}
}

type recordingInstrument struct {
	ops []string
}

func (r *recordingInstrument) RecordTime(op string, _ time.Duration) {
	r.ops = append(r.ops, op)
}

func TestClient_RecordTimer_NoopWithoutInstrument(t *testing.T) {
	c := &Client{}
	done := c.recordTimer("read_holding_registers")
	done() // must not panic with a nil instrument
}

func TestClient_RecordTimer_RecordsWithInstrument(t *testing.T) {
	inst := &recordingInstrument{}
	c := &Client{instrument: inst}
	done := c.recordTimer("read_holding_registers")
	done()
	if len(inst.ops) != 1 || inst.ops[0] != "read_holding_registers" {
		t.Errorf("ops = %v", inst.ops)
	}
}
