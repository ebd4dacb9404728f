package collector

import "time"

// Metrics receives the write-only signals a Device Actor and Supervisor
// produce. internal/metrics provides the Prometheus-backed implementation;
// tests use a recording fake. Defined here rather than imported from
// internal/metrics to keep this package's only dependency on metrics an
// interface, not a concrete client.
type Metrics interface {
	PollSuccess(host string)
	PollError(host string, kind string)
	ChannelOverflow(host string)
	LoopLag(d time.Duration)
	ActorRestart(host string)
}

// NoopMetrics discards every signal. Used where a caller has not wired a
// real Metrics sink, such as in unit tests that don't assert on metrics.
type NoopMetrics struct{}

func (NoopMetrics) PollSuccess(string)       {}
func (NoopMetrics) PollError(string, string) {}
func (NoopMetrics) ChannelOverflow(string)    {}
func (NoopMetrics) LoopLag(time.Duration)     {}
func (NoopMetrics) ActorRestart(string)       {}
